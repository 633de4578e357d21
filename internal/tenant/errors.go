package tenant

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the orchestrator has no tenant for the host.
	ErrNotFound = errors.New("tenant not found")
	// ErrUnavailable means the orchestrator could not be reached and no
	// cached entry was available to stale-serve.
	ErrUnavailable = errors.New("orchestrator unavailable")
	// ErrInvalidHost means the request host is not a resolvable DNS name.
	ErrInvalidHost = errors.New("invalid host")
)

// ConfigError reports an orchestrator payload that failed schema or
// safety validation. It is not retryable and never stale-served over.
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("tenant config invalid: %s", e.Detail)
}
