// ABOUTME: Bounded retry with exponential backoff for transient failures
// ABOUTME: Non-transient errors abort the loop immediately

package fault

import (
	"context"
	"fmt"
	"time"
)

// maxBackoff caps the delay between attempts regardless of growth.
const maxBackoff = 30 * time.Second

// Retry runs fn up to attempts times, doubling the delay between tries
// starting from base. Only errors classified TransientIO re-enter the loop;
// any other failure returns immediately. The sleep honors ctx cancellation.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	delay := base
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}

	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
