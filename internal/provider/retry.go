package provider

import (
	"context"
	"fmt"

	"github.com/haasonsaas/parley/internal/backoff"
)

// defaultRequestAttempts bounds how often a single model request is attempted
// when the caller does not configure a limit.
const defaultRequestAttempts = 3

// retryTransient runs fn up to attempts times (<=0 selects the default),
// backing off between attempts. Only transient failures (rate limit, timeout,
// 5xx) are retried; everything else returns immediately. Errors passed to
// fn's result should already be wrapped so classification sees provider
// status codes.
func retryTransient[T any](ctx context.Context, attempts int, fn func() (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = defaultRequestAttempts
	}

	var zero T
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := backoff.SleepBackoff(ctx, backoff.DefaultPolicy(), attempt-1); err != nil {
				return zero, err
			}
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		lastErr = err
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}
