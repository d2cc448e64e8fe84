package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryConfig tunes [Retry]'s backoff loop.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Defaults to 5 if zero.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt. Doubles each
	// subsequent attempt. Defaults to 1s if zero.
	BaseDelay time.Duration
}

// RetryableError is implemented by provider errors that know whether they
// should be retried and may carry a server-supplied retry-after hint.
type RetryableError interface {
	error
	Retryable() bool
	RetryAfter() time.Duration // zero means "no hint, use computed backoff"
}

// Retry calls fn up to cfg.MaxAttempts times, applying exponential backoff
// (base cfg.BaseDelay, ×2 per attempt) between attempts. It stops immediately
// if fn's error does not implement [RetryableError] or reports Retryable()
// false — such an error is returned unchanged. If the error implements
// RetryableError and RetryAfter() is positive, that duration is used instead
// of the computed backoff, honoring the provider's hint.
//
// Retry never retries past ctx cancellation; a cancelled ctx aborts
// immediately with ctx.Err().
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	delay := cfg.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var re RetryableError
		if !errors.As(lastErr, &re) || !re.Retryable() {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		wait := delay
		if hint := re.RetryAfter(); hint > 0 {
			wait = hint
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return lastErr
}
