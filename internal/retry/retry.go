// Package retry runs idempotent collaborator calls with exponential backoff
// and jitter.
//
// Only reads and idempotent writes may be retried. Ledger transfers are not:
// a transfer whose acknowledgement was lost may already have been applied.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used by the ledger and governance HTTP clients.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is cancelled. The delay doubles after each attempt, with
// +-25% jitter, and is capped at MaxDelay when set. Permanent errors are
// returned unwrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
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
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}

func jittered(d time.Duration) time.Duration {
	jitter := d / 4
	return d - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
}

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n
}
