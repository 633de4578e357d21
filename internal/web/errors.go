package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/picvault/picvault/internal/ai"
	"github.com/picvault/picvault/internal/storage"
	"github.com/picvault/picvault/internal/tenant"
	"github.com/picvault/picvault/internal/workflow"
)

// writeError maps err to an HTTP status and writes the standard error body.
// Server faults are logged at error level with the cause; the response body
// never echoes upstream error text for those.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, detail := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(ctx, "web_request_error", "status", status, "error", err.Error())
	} else {
		s.log.WarnContext(ctx, "web_request_rejected", "status", status, "detail", detail)
	}
	writeDetail(w, status, detail)
}

// statusFor is the single place web errors become HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		return http.StatusNotFound, "unknown tenant"
	case errors.Is(err, tenant.ErrInvalidHost):
		return http.StatusBadRequest, "invalid host"
	case errors.Is(err, tenant.ErrUnavailable):
		return http.StatusServiceUnavailable, "tenant configuration unavailable"
	case errors.Is(err, workflow.ErrFeatureDisabled):
		return http.StatusForbidden, "feature disabled: " + featureName(err)
	case errors.Is(err, workflow.ErrInvalidFilename):
		return http.StatusBadRequest, "invalid filename"
	case ai.IsRateLimited(err):
		return http.StatusTooManyRequests, "analysis rate limited"
	}

	var cfgErr *tenant.ConfigError
	if errors.As(err, &cfgErr) {
		return http.StatusInternalServerError, "tenant configuration invalid"
	}

	var storeErr *storage.Error
	if errors.As(err, &storeErr) {
		switch storeErr.Kind {
		case storage.KindNotFound:
			return http.StatusNotFound, "image not found"
		case storage.KindRateLimited:
			return http.StatusTooManyRequests, "storage rate limited"
		case storage.KindTransient:
			return http.StatusServiceUnavailable, "storage temporarily unavailable"
		case storage.KindAuth:
			return http.StatusInternalServerError, "storage auth failed"
		default:
			return http.StatusInternalServerError, "storage operation failed"
		}
	}

	var aiErr *ai.ServiceError
	if errors.As(err, &aiErr) {
		return http.StatusInternalServerError, "analysis failed"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "operation timed out"
	}

	return http.StatusInternalServerError, "internal error"
}

// featureName pulls the feature suffix out of a wrapped ErrFeatureDisabled,
// e.g. "feature disabled: keep" yields "keep".
func featureName(err error) string {
	msg := err.Error()
	prefix := workflow.ErrFeatureDisabled.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
