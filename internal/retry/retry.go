// Package retry runs an operation with capped exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it without another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy bounds a retry loop. The delay doubles after each failed attempt,
// capped at MaxDelay when set, with ±25% jitter.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Do calls fn until it succeeds, returns a permanent error, runs out of
// attempts, or ctx ends. A permanent error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

// Do is shorthand for Policy{Attempts: attempts, BaseDelay: base}.Do.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	return Policy{Attempts: attempts, BaseDelay: base}.Do(ctx, fn)
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d / 4)
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}
