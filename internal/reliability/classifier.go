package reliability

import (
	"context"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retry calls fn until it succeeds, retries are exhausted, shouldRetry rejects
// the error or ctx ends. retries is the number of calls after the first one.
// It returns the last error from fn, or ctx.Err() if ctx ended while waiting.
func Retry(ctx context.Context, retries int, base, cap time.Duration, shouldRetry func(error) bool, fn func(attempt int) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if attempt >= retries || (shouldRetry != nil && !shouldRetry(err)) {
			return err
		}
		wait := ExponentialBackoff(attempt, base, cap)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
