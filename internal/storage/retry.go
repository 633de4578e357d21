package storage

import (
	"context"
	"errors"
	"time"
)

// RetryConfig bounds the backoff loop wrapped around store calls.
type RetryConfig struct {
	MaxAttempts  int           // total attempts, including the first
	BaseDelay    time.Duration // first backoff step
	MaxDelay     time.Duration // per-step cap
	MaxTotalWait time.Duration // cap on cumulative sleeping
}

// DefaultRetryConfig caps attempts at 3 with a short total wait.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		MaxTotalWait: 15 * time.Second,
	}
}

// Retryable reports whether err is worth another attempt: rate limits and
// transient failures only. Auth, not-found and permanent errors never retry.
func Retryable(err error) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == KindRateLimited || se.Kind == KindTransient
}

// RetryDo runs fn with bounded exponential backoff. Rate-limit errors that
// carry a RetryAfter hint sleep that long instead of the computed step.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	delay := cfg.BaseDelay
	var slept time.Duration

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !Retryable(err) || attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		var se *Error
		if errors.As(err, &se) && se.RetryAfter > 0 {
			wait = se.RetryAfter
		}
		if wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		if slept+wait > cfg.MaxTotalWait {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		slept += wait
		delay *= 2
	}
	return zero, lastErr
}
