// Package logging configures the process-wide structured JSON logger and the
// helpers the rest of the runtime hangs off it: secret redaction, correlation
// IDs carried through context, and monotonic stage timers.
package logging

import (
	"context"
	"io"
	"log/slog"
	"time"
)

type ctxKey int

const correlationKey ctxKey = iota

// CorrelationIDField is the attribute key every request/run-scoped record carries.
const CorrelationIDField = "correlation_id"

// Setup installs the default logger: JSON records on out, secrets redacted,
// correlation_id injected from context when present.
func Setup(level slog.Level, out io.Writer) {
	slog.SetDefault(New(level, out))
}

// New builds the logger without installing it. Tests use this to capture output.
func New(level slog.Level, out io.Writer) *slog.Logger {
	h := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(&contextHandler{next: &redactHandler{next: h}})
}

// WithCorrelationID returns a context carrying the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID extracts the correlation ID from ctx, or "" if unset.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey).(string); ok {
		return v
	}
	return ""
}

// contextHandler appends correlation_id from the context to every record.
type contextHandler struct {
	next slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := CorrelationID(ctx); id != "" {
		r.AddAttrs(slog.String(CorrelationIDField, id))
	}
	return h.next.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{next: h.next.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{next: h.next.WithGroup(name)}
}

// Timer measures elapsed wall time using Go's monotonic clock.
type Timer struct {
	start time.Time
}

// StartTimer begins a stage timer.
func StartTimer() Timer {
	return Timer{start: time.Now()}
}

// ElapsedMS returns whole milliseconds since the timer started.
func (t Timer) ElapsedMS() int64 {
	return time.Since(t.start).Milliseconds()
}
