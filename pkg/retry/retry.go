// Package retry provides the single bounded-backoff helper used by every
// retried call site in the pipeline: document-store writes, blob uploads and
// analytics-sink calls all share the same policy and the same notion of what
// counts as transient.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retried operation. The zero value is not usable; call
// sites use DefaultPolicy unless they have a reason not to.
type Policy struct {
	Attempts int           // total attempts, including the first
	Base     time.Duration // first backoff interval
	Factor   float64       // interval multiplier
	Cap      time.Duration // ceiling on a single interval
}

// DefaultPolicy is 3 attempts with exponential waits of 1s, 2s capped at 10s.
var DefaultPolicy = Policy{
	Attempts: 3,
	Base:     1 * time.Second,
	Factor:   2,
	Cap:      10 * time.Second,
}

// ErrTransient marks an error as retryable. Clients that classify their own
// failures wrap them with Transient(); IsTransient also recognises timeouts
// and temporary network faults directly.
var ErrTransient = errors.New("transient")

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err}
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }
func (e transientError) Is(target error) bool {
	return target == ErrTransient
}

// IsTransient reports whether err is worth retrying: deadline exceeded,
// network timeouts, or anything explicitly wrapped with Transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Do runs op, retrying transient failures per the policy. Non-transient
// errors and context cancellation abort immediately. The error from the last
// attempt is returned.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	if p.Attempts <= 0 {
		p = DefaultPolicy
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Factor
	b.MaxInterval = p.Cap
	b.RandomizationFactor = 0 // deterministic waits; the cap bounds the worst case
	b.Reset()

	wrapped := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Attempts-1)), ctx))
}
