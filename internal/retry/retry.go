// Package retry implements the attempt/delay policy shared by the mission
// gate (unbounded) and the connector (bounded).
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy describes how often an operation is retried and how long to wait
// between attempts.
type Policy struct {
	// MaxAttempts bounds the number of calls. Zero or negative means
	// unbounded: only success, a Stop error or ctx cancellation end Do.
	MaxAttempts int

	// Delay is slept between attempts, never before the first or after
	// the last one.
	Delay time.Duration

	// Sleep overrides the wait between attempts. nil uses SleepContext.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called after each failed attempt that will be retried.
	// It may be nil.
	OnRetry func(attempt int, err error)
}

// Forever returns an unbounded policy with a fixed delay.
func Forever(delay time.Duration) Policy {
	return Policy{Delay: delay}
}

// Bounded returns a policy that makes at most n attempts.
func Bounded(n int, delay time.Duration) Policy {
	return Policy{MaxAttempts: n, Delay: delay}
}

// Unbounded reports whether the policy has no attempt limit.
func (p Policy) Unbounded() bool {
	return p.MaxAttempts <= 0
}

type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop wraps err so that Do returns it without further attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Do calls fn until it returns nil, the attempt budget is spent, fn returns
// an error wrapped with Stop, or ctx is done. attempt is 1-based. It returns
// the number of calls made and the last error (unwrapped from Stop).
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		var stop *stopError
		if errors.As(err, &stop) {
			return attempt, stop.err
		}
		if !p.Unbounded() && attempt >= p.MaxAttempts {
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if serr := sleep(ctx, p.Delay); serr != nil {
			return attempt, serr
		}
	}
}

// SleepContext waits for d or until ctx is done, whichever comes first.
func SleepContext(ctx context.Context, d time.Duration) error {
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
