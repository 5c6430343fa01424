// Package backoff holds the retry/backoff policy shared by the engine
// lifecycle and the external-call wrappers.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	jbackoff "github.com/jpillora/backoff"
)

// Policy computes delays as Base * Factor^attempt, capped at Base * MaxMultiplier.
type Policy struct {
	Base          time.Duration
	Factor        float64
	MaxMultiplier float64
}

// Startup is the exchange-metadata bootstrap policy: 1s, 2s, 4s.
func Startup() Policy {
	return Policy{Base: time.Second, Factor: 2, MaxMultiplier: 4}
}

// Loop is the inter-cycle policy: min(4, 1.5^failures) x interval.
func Loop(interval time.Duration) Policy {
	return Policy{Base: interval, Factor: 1.5, MaxMultiplier: 4}
}

func (p Policy) backoff() *jbackoff.Backoff {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	mult := p.MaxMultiplier
	if mult < 1 {
		mult = 1
	}
	return &jbackoff.Backoff{
		Min:    base,
		Max:    time.Duration(float64(base) * mult),
		Factor: factor,
	}
}

// Delay returns the wait before the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	b := p.backoff()
	if b.Min >= b.Max {
		return b.Max
	}
	return b.ForAttempt(float64(attempt))
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Retry returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// waitHinter is implemented by errors that carry a server-requested wait,
// e.g. a Retry-After header.
type waitHinter interface {
	RetryAfter() time.Duration
}

// Retry calls fn up to attempts times, sleeping Delay(i) between attempts,
// or longer when the error carries a wait hint. It stops early when ctx is
// done or fn returns a Permanent error, and returns the last error seen.
func (p Policy) Retry(ctx context.Context, attempts int, fn func(attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return err
		}
		lastErr = fn(i)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if i == attempts-1 {
			break
		}
		delay := p.Delay(i)
		var hint waitHinter
		if errors.As(lastErr, &hint) && hint.RetryAfter() > delay {
			delay = hint.RetryAfter()
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return lastErr
}
