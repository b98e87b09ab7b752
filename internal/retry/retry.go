// Package retry provides a small exponential backoff policy for wrapping
// batch publish and persist calls.
package retry

import (
	"context"
	"errors"
	"time"
)

// Default policy values.
const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = 150 * time.Millisecond
	DefaultFactor       = 2.0
	DefaultMaxDelay     = 10 * time.Second
)

// Policy retries an operation with exponential backoff: the first attempt
// plus up to MaxRetries retries, delay_k = InitialDelay * Factor^k capped at
// MaxDelay. The policy itself is error-kind-agnostic; callers mark errors
// that must not be retried with Permanent.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
}

// Default returns the policy used for publish and persist calls.
func Default() Policy {
	return Policy{
		MaxRetries:   DefaultMaxRetries,
		InitialDelay: DefaultInitialDelay,
		Factor:       DefaultFactor,
		MaxDelay:     DefaultMaxDelay,
	}
}

// Do runs op until it succeeds, returns a permanent error, the attempts are
// exhausted, or the context is cancelled. On exhaustion the last error is
// returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	delay := p.InitialDelay
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * factor)
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return err
		}
		lastErr = err
	}

	return lastErr
}

// Permanent marks err as non-retryable: Do returns the wrapped error
// immediately without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}
