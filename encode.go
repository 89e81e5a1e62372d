package sublimate

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/munnerz/goautoneg"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

// Media types the bridge can encode and decode.
const (
	MediaJSON    = "application/json"
	MediaMsgpack = "application/msgpack"
	MediaYAML    = "application/yaml"
)

// offered is the negotiation order; JSON wins ties.
var offered = []string{MediaJSON, MediaMsgpack, MediaYAML}

var mediaAliases = map[string]string{
	"application/x-msgpack": MediaMsgpack,
	"application/x-yaml":    MediaYAML,
	"text/yaml":             MediaYAML,
	"text/x-yaml":           MediaYAML,
}

type codec struct {
	marshal   func(v any) ([]byte, error)
	newDecode func(r io.Reader) func(v any) error
}

var codecs = map[string]codec{
	MediaJSON: {
		marshal:   json.Marshal,
		newDecode: func(r io.Reader) func(any) error { return json.NewDecoder(r).Decode },
	},
	MediaMsgpack: {
		marshal:   msgpack.Marshal,
		newDecode: func(r io.Reader) func(any) error { return msgpack.NewDecoder(r).Decode },
	},
	MediaYAML: {
		marshal:   yaml.Marshal,
		newDecode: func(r io.Reader) func(any) error { return yaml.NewDecoder(r).Decode },
	},
}

// Response is a fully materialised HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse creates an empty response with status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

// ResponseEncoder is implemented by values that build their own response.
type ResponseEncoder interface {
	EncodeResponse(r *http.Request) (*Response, error)
}

// Write sends res to w. A nil response is an empty 200.
func (res *Response) Write(w http.ResponseWriter) {
	if res == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	for k, vs := range res.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if len(res.Body) > 0 {
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
	}
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(res.Body) > 0 {
		_, _ = w.Write(res.Body)
	}
}

// Negotiate picks the response media type for an Accept header.
func Negotiate(accept string) string {
	if accept == "" {
		return MediaJSON
	}
	if mt := goautoneg.Negotiate(accept, offered); mt != "" {
		return mt
	}
	for _, spec := range goautoneg.ParseAccept(accept) {
		if alias, ok := mediaAliases[spec.Type+"/"+spec.SubType]; ok {
			return alias
		}
	}
	return MediaJSON
}

// Encode renders v as the media type the request accepts.
func Encode(r *http.Request, status int, v any) (*Response, error) {
	if enc, ok := v.(ResponseEncoder); ok {
		return enc.EncodeResponse(r)
	}

	mt := Negotiate(r.Header.Get("Accept"))
	body, err := codecs[mt].marshal(v)
	if err != nil {
		return nil, abortAt(1, http.StatusInternalServerError, err, "Cannot encode response.")
	}

	res := NewResponse(status)
	res.Header.Set("Content-Type", mt+"; charset=utf-8")
	if mt == MediaMsgpack {
		res.Header.Set("Content-Type", mt)
	}
	res.Body = body
	return res, nil
}

// decodeBody decodes the request body by its Content-Type, defaulting to
// JSON when none is given.
func decodeBody(r *http.Request, dst any) error {
	mt := MediaJSON
	if ct := r.Header.Get("Content-Type"); ct != "" {
		parsed, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return abortAt(2, http.StatusBadRequest, err, "Malformed Content-Type header.")
		}
		if alias, ok := mediaAliases[parsed]; ok {
			parsed = alias
		}
		mt = parsed
	}

	c, ok := codecs[mt]
	if !ok {
		return abortAt(2, http.StatusUnsupportedMediaType, nil, "Unsupported media type "+mt+".")
	}
	if r.Body == nil {
		return abortAt(2, http.StatusBadRequest, nil, "Empty request body.")
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return abortAt(2, http.StatusBadRequest, err, "Cannot read request body.")
	}
	if len(data) == 0 {
		return abortAt(2, http.StatusBadRequest, nil, "Empty request body.")
	}
	if err := c.newDecode(bytes.NewReader(data))(dst); err != nil {
		return abortAt(2, http.StatusBadRequest, err, "Cannot decode request body.")
	}
	return nil
}
