package sdk

import (
	"context"
	"sync"
	"time"
)

// future is a single-assignment result with an optional watchdog timer.
// Any number of goroutines may wait on it.
type future[T any] struct {
	done chan struct{}

	mu       sync.Mutex
	resolved bool
	value    T
	err      error
	timer    *time.Timer
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

// resolve sets the result unless one is already set. It reports whether this
// call won.
func (f *future[T]) resolve(value T, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveLocked(value, err)
}

func (f *future[T]) resolveLocked(value T, err error) bool {
	if f.resolved {
		return false
	}
	f.resolved = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.value, f.err = value, err
	close(f.done)
	return true
}

// watch arms the watchdog. onTimeout runs at most once and only if the
// future is still unresolved when the timer fires.
func (f *future[T]) watch(d time.Duration, onTimeout func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.resolved {
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		f.mu.Lock()
		// A stale timer, or one that lost to resolve or cancel.
		live := !f.resolved && f.timer == timer
		f.mu.Unlock()
		if live {
			onTimeout()
		}
	})
	f.timer = timer
}

// cancel resolves with ErrCancelled. A timeout callback that has not yet
// resolved the future can no longer win once cancel returns.
func (f *future[T]) cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	return f.resolveLocked(zero, ErrCancelled)
}

// wait blocks until the future resolves or ctx ends.
func (f *future[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
