// Package retry schedules retries with exponential backoff and jitter.
// Settlement and review anchoring use Backoff as a schedule for the
// reconciler; Do retries inline for short calls such as startup pings.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backoff describes a bounded exponential schedule. Attempt n (1-based) waits
// Base * 2^(n-1), capped at Max, with +-25% jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is used for on-chain resubmission.
var DefaultBackoff = Backoff{Base: 5 * time.Second, Max: 5 * time.Minute}

// Delay returns the jittered wait before the attempt after attempt n.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	jitter := d / 4
	return d - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
}

// Next returns the earliest time the following attempt may run.
func (b Backoff) Next(now time.Time, attempt int) time.Time {
	return now.Add(b.Delay(attempt))
}

// Do calls fn up to attempts times, sleeping on b between failures. It
// stops on success, on a Permanent error, or when ctx is done.
func Do(ctx context.Context, attempts int, b Backoff, fn func() error) error {
	return DoIf(ctx, attempts, b, nil, fn)
}

// DoIf is Do that only retries errors retryable accepts. A nil retryable
// accepts everything but Permanent errors.
func DoIf(ctx context.Context, attempts int, b Backoff, retryable func(error) bool, fn func() error) error {
	attempts = max(attempts, 1)
	for attempt := 1; ; attempt++ {
		err := fn()
		switch {
		case err == nil:
			return nil
		case IsPermanent(err):
			var pe *PermanentError
			errors.As(err, &pe)
			return pe.Err
		case retryable != nil && !retryable(err), attempt >= attempts:
			return err
		}

		t := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-t.C:
		}
	}
}
