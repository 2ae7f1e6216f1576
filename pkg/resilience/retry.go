package resilience

import (
	"context"
	"time"
)

// Retry runs fn up to maxAttempts times, sleeping per the backoff strategy
// between attempts. It stops early when fn succeeds, when retryable reports the
// error as permanent, or when the context is done. The last error is returned.
func Retry(ctx context.Context, maxAttempts int, backoff BackoffStrategy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}

		timer := time.NewTimer(backoff.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}
