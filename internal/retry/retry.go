// Package retry applies one explicit, uniform retry policy to every network
// boundary of the pipeline: embedding, vector store calls, and chat model
// calls. Callers wrap their collaborators once at startup so retry behaviour
// is visible in configuration and testable without the call sites knowing.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/54b3r/mailrag-go/internal/logging"
)

// Policy bounds retries with exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of tries including the first. Values
	// below 1 mean a single attempt.
	MaxAttempts int
	// InitialInterval is the wait before the second attempt.
	InitialInterval time.Duration
	// MaxInterval caps the wait between attempts.
	MaxInterval time.Duration
	// Multiplier grows the interval after each failure.
	Multiplier float64
}

// DefaultPolicy returns three attempts starting at 200ms, doubling up to 2s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
	}
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// backOff builds the backoff schedule for one call.
func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	initial := p.InitialInterval
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	maxInterval := p.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 2 * time.Second
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}

	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithMultiplier(mult),
		// Attempts, not wall time, bound the schedule.
		backoff.WithMaxElapsedTime(0),
	)

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// Do runs fn until it succeeds, returns a permanent error, the attempts are
// exhausted, or ctx is done. op names the boundary in retry logs. A
// permanent error is returned without its Permanent wrapper.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			return fn(ctx)
		},
		p.backOff(ctx),
		func(err error, wait time.Duration) {
			logging.FromContext(ctx).Warn("retrying after failure",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.Any("error", err),
			)
		},
	)
}

// DoValue is Do for functions that return a value.
func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
