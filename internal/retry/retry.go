package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrPermanent marks failures that retrying cannot fix (unparseable
// input, invalid requests). Wrap with Permanent to stop a policy early.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so Policy.Do gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// IsPermanent reports whether err carries the permanent marker.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Policy is a bounded exponential-backoff schedule shared by every
// external capability call, so ingestion and synthesis fail the same
// way.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy covers typical rate-limit and timeout blips on
// embedding and generation calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Do runs fn until it succeeds, returns a permanent error, the attempt
// budget is spent, or ctx is cancelled. The last error is returned on
// exhaustion.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}

	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	// MaxAttempts counts calls to fn; backoff counts retries after the
	// first call.
	schedule := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
	return backoff.Retry(wrapped, schedule)
}
