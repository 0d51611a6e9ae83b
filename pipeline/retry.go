package pipeline

import (
	"context"
	"time"
)

// Default conflict retry settings.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
)

// ConflictPolicy configures WithRetry. Backoff is a fixed delay between
// attempts, not exponential. Zero values fall back to the defaults; a
// negative Backoff retries without sleeping.
type ConflictPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultConflictPolicy returns 3 attempts with a 1s fixed backoff.
func DefaultConflictPolicy() ConflictPolicy {
	return ConflictPolicy{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff}
}

func (p ConflictPolicy) normalized() ConflictPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	switch {
	case p.Backoff == 0:
		p.Backoff = DefaultBackoff
	case p.Backoff < 0:
		p.Backoff = 0
	}
	return p
}

// WithRetry runs op until it succeeds, fails with a non-conflict error, or has
// failed with a conflict policy.MaxAttempts times. In the last case recovery
// is called once with the final conflict and its result is returned instead.
// A nil recovery returns the conflict wrapped in ErrRetryExhausted.
//
// op receives the 1-based attempt number. The backoff sleep is cut short when
// ctx is done, and ctx.Err() is returned.
func WithRetry[T any](ctx context.Context, policy ConflictPolicy, op func(ctx context.Context, attempt int) (T, error), recovery func(ctx context.Context, err error) (T, error)) (T, error) {
	policy = policy.normalized()
	var zero T
	for attempt := 1; ; attempt++ {
		out, err := op(ctx, attempt)
		if err == nil {
			return out, nil
		}
		if !IsConflict(err) {
			return zero, err
		}
		if attempt >= policy.MaxAttempts {
			if recovery == nil {
				return zero, exhausted(err)
			}
			return recovery(ctx, err)
		}
		if err := sleep(ctx, policy.Backoff); err != nil {
			return zero, err
		}
	}
}

func exhausted(err error) error {
	return &retryExhaustedError{err: err}
}

type retryExhaustedError struct{ err error }

func (e *retryExhaustedError) Error() string { return ErrRetryExhausted.Error() + ": " + e.err.Error() }

func (e *retryExhaustedError) Unwrap() []error { return []error{ErrRetryExhausted, e.err} }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
