package logging

import (
	"context"
	"log/slog"
	"strings"
)

// Redacted replaces every string value logged under a sensitive key.
const Redacted = "[REDACTED]"

// sensitiveKeys are matched case-insensitively against attribute keys, either
// whole or as a trailing "_" separated word ("bot_token" matches via "token").
var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"refresh_token",
	"bot_token",
	"api_key",
	"credentials_ref",
	"password_ref",
}

// SensitiveKey reports whether values under key must never reach the sink.
func SensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if k == s || strings.HasSuffix(k, "_"+s) {
			return true
		}
	}
	return false
}

// redactHandler rewrites sensitive string attributes before they reach the
// JSON handler. Groups are redacted one level deep, matching the schemas we
// actually log; deeper nesting is best-effort.
type redactHandler struct {
	next slog.Handler
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a, true))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a, true)
	}
	return &redactHandler{next: h.next.WithAttrs(clean)}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{next: h.next.WithGroup(name)}
}

func redactAttr(a slog.Attr, descend bool) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		if SensitiveKey(a.Key) {
			return slog.String(a.Key, Redacted)
		}
	case slog.KindGroup:
		if !descend {
			return a
		}
		members := a.Value.Group()
		clean := make([]any, 0, len(members))
		for _, m := range members {
			clean = append(clean, redactAttr(m, false))
		}
		return slog.Group(a.Key, clean...)
	}
	return a
}
