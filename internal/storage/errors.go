package storage

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a normalized store failure. Every SDK- or wire-level error
// is converted to exactly one Kind at the adapter boundary.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
	KindPermanent   Kind = "permanent"
)

// Error is the single error type adapters surface.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	// RetryAfter carries the store's requested backoff on rate limits.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("storage %s: %s: %s", e.Op, e.Kind, e.Detail)
	}
	return fmt.Sprintf("storage %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindPermanent for foreign errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindPermanent
}

// IsNotFound reports whether err is a normalized not_found.
func IsNotFound(err error) bool { return kindIs(err, KindNotFound) }

// IsAuth reports whether err is a normalized auth failure.
func IsAuth(err error) bool { return kindIs(err, KindAuth) }

// IsRateLimited reports whether err is a normalized rate limit.
func IsRateLimited(err error) bool { return kindIs(err, KindRateLimited) }

// IsTransient reports whether err is a normalized transient failure.
func IsTransient(err error) bool { return kindIs(err, KindTransient) }

func kindIs(err error, k Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == k
}
