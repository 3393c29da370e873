// Package retry wraps fallible operations in an exponential backoff
// loop. Gateway calls retry network and 5xx failures; logical exchange
// errors are marked permanent and surface immediately.
package retry

import (
	"context"
	"errors"
	"time"
)

// Config controls the backoff schedule. Attempts is the total number of
// tries, so a call never runs more than Attempts times.
type Config struct {
	Attempts  int
	BaseDelay time.Duration
	Factor    float64
}

// DefaultConfig matches the gateway policy: 3 attempts, 300ms base
// delay, doubling between tries.
func DefaultConfig() Config {
	return Config{
		Attempts:  3,
		BaseDelay: 300 * time.Millisecond,
		Factor:    2,
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable. Do returns the wrapped error
// without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a permanent error, the attempt
// budget is exhausted, or ctx is cancelled.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * cfg.Factor)
		}

		err := fn()
		if err == nil {
			return nil
		}

		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		lastErr = err
	}

	return lastErr
}
