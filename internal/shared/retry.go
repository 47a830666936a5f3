package shared

import (
	"context"
	"log/slog"
	"time"
)

// Backoff describes a bounded exponential retry policy.
type Backoff struct {
	Attempts  int
	BaseDelay time.Duration
	// Retryable decides whether err warrants another attempt.
	// Nil retries every error.
	Retryable func(err error) bool
}

// Retry calls fn until it succeeds, the error is not retryable, attempts are
// exhausted, or ctx is done. Delay doubles after each failed attempt.
// The last error is returned.
func Retry(ctx context.Context, b Backoff, op string, fn func(attempt int) error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(i + 1); err == nil {
			return nil
		}
		if b.Retryable != nil && !b.Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		delay := b.BaseDelay * time.Duration(1<<i)
		slog.Debug("Retrying operation", "op", op, "attempt", i+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
