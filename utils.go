package sublimate

import "strconv"

// atoiDefault parses s, falling back to def when s is empty or malformed.
func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
