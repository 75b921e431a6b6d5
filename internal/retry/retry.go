// Package retry provides the bounded retry discipline shared by every upstream call.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy bounds how long a single logical call may take.
type Policy struct {
	// Retries is the number of attempts after the first one.
	Retries int
	// Delays is the backoff slept before retry i. The last entry repeats
	// when there are more retries than delays.
	Delays []time.Duration
	// AttemptTimeout caps each attempt. Zero means no per-attempt cap.
	AttemptTimeout time.Duration
	// Jitter shortens each sleep by up to 25%. Sleeps never grow, so
	// MaxLatency stays an upper bound.
	Jitter bool
}

// DefaultPolicy is two retries at 200ms then 500ms, 10s per attempt.
func DefaultPolicy() Policy {
	return Policy{
		Retries:        2,
		Delays:         []time.Duration{200 * time.Millisecond, 500 * time.Millisecond},
		AttemptTimeout: 10 * time.Second,
	}
}

// Delay returns the backoff slept before retry i (0-based).
func (p Policy) Delay(i int) time.Duration {
	if len(p.Delays) == 0 || i < 0 {
		return 0
	}
	if i >= len(p.Delays) {
		return p.Delays[len(p.Delays)-1]
	}
	return p.Delays[i]
}

// MaxLatency is the worst-case wall time of Do under this policy:
// timeout × (1 + retries) plus every backoff delay.
func (p Policy) MaxLatency() time.Duration {
	total := p.AttemptTimeout * time.Duration(1+max(p.Retries, 0))
	for i := 0; i < p.Retries; i++ {
		total += p.Delay(i)
	}
	return total
}

func (p Policy) sleepFor(i int) time.Duration {
	d := p.Delay(i)
	if p.Jitter && d > 0 {
		d -= time.Duration(cryptoInt64n(int64(d/4) + 1))
	}
	return d
}

// Do calls fn until it succeeds, returns a *PermanentError, the retries are
// exhausted, or ctx is cancelled. Each attempt receives a context bounded by
// AttemptTimeout. The last attempt's error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	retries := max(p.Retries, 0)

	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		err = attemptOnce(ctx, p.AttemptTimeout, fn)
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

		// Don't sleep after the last attempt.
		if attempt == retries {
			break
		}

		timer := time.NewTimer(p.sleepFor(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return err
}

func attemptOnce(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
