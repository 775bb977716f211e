package mcpfn

import (
	"context"
	"sync"
	"time"
)

// Future is a write-once slot a reader can wait on. Resolve is first-wins:
// later calls are silently ignored, so a provider that registers the same
// hook twice keeps the first registration.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// NewFuture returns an unresolved Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
	}
}

// Resolve sets the value and wakes all waiters. Only the first call has any
// effect.
func (f *Future[T]) Resolve(value T) {
	f.once.Do(func() {
		f.value = value
		close(f.done)
	})
}

// Await blocks until the value is resolved or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AwaitTimeout blocks for at most d. It returns ErrAwaitTimeout when the
// deadline elapses first, which callers use to distinguish "not registered
// yet" from a cancelled invocation.
func (f *Future[T]) AwaitTimeout(ctx context.Context, d time.Duration) (T, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.value, nil
	case <-timer.C:
		var zero T
		return zero, ErrAwaitTimeout
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryValue returns the value without blocking. The second return reports
// whether the Future is resolved.
func (f *Future[T]) TryValue() (T, bool) {
	select {
	case <-f.done:
		return f.value, true
	default:
		var zero T
		return zero, false
	}
}

// Resolved reports whether Resolve has been called.
func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
