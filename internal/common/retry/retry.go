// Package retry implements exponential backoff with full jitter for
// transient failures.
package retry

import (
	"context"
	"math/rand"
	"time"

	apperrors "github.com/flowforge/flowforge/internal/common/errors"
)

// Policy controls the backoff schedule.
type Policy struct {
	Base        time.Duration // first delay
	Cap         time.Duration // maximum delay
	MaxAttempts int
	Jitter      float64 // fraction of the delay randomized, e.g. 0.1
}

// DefaultPolicy matches the orchestrator-wide retry contract:
// min(base * 2^attempt, cap) with 10% jitter, 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Base:        100 * time.Millisecond,
		Cap:         30 * time.Second,
		MaxAttempts: 5,
		Jitter:      0.1,
	}
}

// Delay returns the backoff delay for the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base << uint(attempt)
	if d > p.Cap || d <= 0 {
		d = p.Cap
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	}
	return d
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. Validation errors and invariant violations
// are never retried.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay(attempt - 1)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !apperrors.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
