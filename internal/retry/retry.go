// Package retry runs bounded attempts against external dependencies.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy bounds a retried call.
type Policy struct {
	Attempts       int
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
}

// Do calls fn up to p.Attempts times. Each attempt gets its own context bounded by
// p.AttemptTimeout. Delays double between attempts with ±25% jitter. It stops early on
// success, on a permanent error or when ctx is done.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = runAttempt(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
		delay *= 2
	}
	return err
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := d / 4
	return d - jitter + time.Duration(rand.Int63n(int64(2*jitter)+1))
}
