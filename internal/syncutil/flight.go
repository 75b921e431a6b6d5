// Package syncutil holds the per-key call coalescing used by the response cache.
package syncutil

import (
	"context"
	"sync"
)

// Flight runs at most one call per key at a time and lets concurrent
// callers for the same key join it. Keys are compared exactly, so
// unrelated keys never wait on each other.
//
// Each caller waits for the shared result or for its own context,
// whichever comes first. The call's context is detached from any single
// caller and is cancelled only once every caller has given up.
type Flight[T any] struct {
	mu    sync.Mutex
	calls map[string]*flightCall[T]
}

type flightCall[T any] struct {
	done    chan struct{}
	val     T
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Do returns fn's result for key. joined reports whether the caller
// attached to a call another caller started. If ctx ends first, Do
// returns ctx.Err() and the call keeps running for the remaining waiters.
func (f *Flight[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (val T, joined bool, err error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]*flightCall[T])
	}
	c, joined := f.calls[key]
	if joined {
		c.waiters++
	} else {
		callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &flightCall[T]{done: make(chan struct{}), waiters: 1, cancel: cancel}
		f.calls[key] = c
		go f.run(callCtx, key, c, fn)
	}
	f.mu.Unlock()

	select {
	case <-c.done:
		return c.val, joined, c.err
	case <-ctx.Done():
		f.leave(key, c)
		var zero T
		return zero, joined, ctx.Err()
	}
}

// InFlight returns the number of keys with a running call.
func (f *Flight[T]) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *Flight[T]) run(ctx context.Context, key string, c *flightCall[T], fn func(ctx context.Context) (T, error)) {
	defer c.cancel()
	c.val, c.err = fn(ctx)

	f.mu.Lock()
	if f.calls[key] == c {
		delete(f.calls, key)
	}
	f.mu.Unlock()
	close(c.done)
}

func (f *Flight[T]) leave(key string, c *flightCall[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.waiters--
	if c.waiters > 0 {
		return
	}
	c.cancel()
	// Abandoned calls no longer accept joiners; the next caller starts fresh.
	if f.calls[key] == c {
		delete(f.calls, key)
	}
}
