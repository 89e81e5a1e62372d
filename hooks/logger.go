// Package hooks provides the query and route observers wired by sublimate:
// structured logging, Prometheus metrics and OpenTelemetry spans.
package hooks

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// maxStatementLen caps how much SQL ends up in logs and span attributes.
const maxStatementLen = 500

// LoggerHook logs queries through slog
type LoggerHook struct {
	logger        *slog.Logger
	logAll        bool
	slowThreshold time.Duration
}

// NewLoggerHook creates a new logger hook. With logAll unset only failing
// queries and queries slower than slowThreshold are logged.
func NewLoggerHook(logger *slog.Logger, logAll bool, slowThreshold time.Duration) *LoggerHook {
	return &LoggerHook{
		logger:        logger,
		logAll:        logAll,
		slowThreshold: slowThreshold,
	}
}

// BeforeQuery is called before a query is executed
func (h *LoggerHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery is called after a query is executed
func (h *LoggerHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	duration := time.Since(event.StartTime)
	slow := h.slowThreshold > 0 && duration >= h.slowThreshold

	if event.Err == nil && !h.logAll && !slow {
		return
	}

	attrs := []slog.Attr{
		slog.Duration("duration", duration),
		slog.String("operation", OperationType(event.Query)),
	}
	if h.logAll || slow {
		attrs = append(attrs, slog.String("query", Truncate(event.Query)))
	}

	switch {
	case event.Err != nil:
		attrs = append(attrs, slog.String("error", event.Err.Error()))
		h.logger.LogAttrs(ctx, slog.LevelError, "query failed", attrs...)
	case slow:
		h.logger.LogAttrs(ctx, slog.LevelWarn, "slow query", attrs...)
	default:
		h.logger.LogAttrs(ctx, slog.LevelDebug, "query", attrs...)
	}
}

// Truncate shortens a statement for logs and span attributes.
func Truncate(query string) string {
	if len(query) > maxStatementLen {
		return query[:maxStatementLen] + "..."
	}
	return query
}

var operationPrefixes = []struct {
	prefix string
	op     string
}{
	{"SELECT", "select"},
	{"WITH", "select"},
	{"INSERT", "insert"},
	{"UPDATE", "update"},
	{"DELETE", "delete"},
	{"CREATE", "create"},
	{"DROP", "drop"},
	{"ALTER", "alter"},
	{"BEGIN", "begin"},
	{"COMMIT", "commit"},
	{"ROLLBACK", "rollback"},
	{"SAVEPOINT", "savepoint"},
	{"RELEASE", "release"},
	{"PRAGMA", "pragma"},
}

// OperationType classifies a statement by its leading keyword.
func OperationType(query string) string {
	query = strings.ToUpper(strings.TrimSpace(query))
	for _, p := range operationPrefixes {
		if strings.HasPrefix(query, p.prefix) {
			return p.op
		}
	}
	return "other"
}
