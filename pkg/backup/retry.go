package backup

import (
	"context"
	"math/rand"
	"time"
)

// Unbounded disables the retry limit of a RetryPolicy.
const Unbounded = -1

const (
	// DefaultRetryDelay is the pause before retrying a step that hit a lock.
	DefaultRetryDelay = 250 * time.Millisecond
	// DefaultMaxRetries bounds consecutive lock retries, so a writer that never
	// commits makes the copy fail instead of hang.
	DefaultMaxRetries = 20
)

// RetryPolicy decides how often and how long to wait after a step failed with
// transient lock contention.
type RetryPolicy struct {
	// MaxRetries is the number of consecutive transient failures tolerated
	// without progress. Unbounded retries forever; 0 fails on the first one.
	MaxRetries int
	// Delay returns the pause before retry attempt (counted from 1).
	// A nil Delay retries immediately.
	Delay func(attempt int) time.Duration
}

// ConstantBackoff waits delay before each of at most maxRetries retries.
func ConstantBackoff(delay time.Duration, maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		Delay: func(int) time.Duration {
			return delay
		},
	}
}

// JitterBackoff waits a random fraction of attempt*base, growing with every
// consecutive failure.
func JitterBackoff(base time.Duration, maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		Delay: func(attempt int) time.Duration {
			if base <= 0 {
				return 0
			}
			span := int64(attempt) * int64(base)

			return time.Duration(rand.Int63n(span + 1)) //nolint:gosec // jitter, not crypto
		},
	}
}

// DefaultRetryPolicy is ConstantBackoff(DefaultRetryDelay, DefaultMaxRetries).
func DefaultRetryPolicy() RetryPolicy {
	return ConstantBackoff(DefaultRetryDelay, DefaultMaxRetries)
}

func (p RetryPolicy) exhausted(attempt int) bool {
	return p.MaxRetries != Unbounded && attempt > p.MaxRetries
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Delay == nil {
		return 0
	}
	if d := p.Delay(attempt); d > 0 {
		return d
	}

	return 0
}

// Clock puts the copying goroutine to sleep between retries.
type Clock interface {
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
