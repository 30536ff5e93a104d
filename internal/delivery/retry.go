package delivery

import (
	"context"
	"time"
)

const (
	// DefaultAttempts bounds transient retries per provider call.
	DefaultAttempts = 3
	// DefaultInitialBackoff is the delay before the first retry; it doubles
	// each attempt.
	DefaultInitialBackoff = 500 * time.Millisecond
)

// Retry runs fn up to attempts times, backing off exponentially between
// tries. Only errors the retryable predicate accepts are retried; anything
// else returns immediately. The context cancels waiting between attempts.
func Retry(ctx context.Context, attempts int, initial time.Duration, fn func() error, retryable func(error) bool) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}

	var err error
	backoff := initial
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = fn()
		if err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return err
		}
	}
	return err
}
