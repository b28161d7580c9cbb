/*
Package async holds the two concurrency primitives the broker graph leans
on: a lazy cell whose factory runs once with failures propagated to every
waiter, and an event whose asynchronous handlers drain sequentially with
pre-cancellation of the previous drain.
*/
package async

import (
	"context"
	"sync"
)

/*
Lazy defers construction of a value until the first Get. The factory runs at
most once; concurrent and later callers share its outcome, including its
error. A caller whose context expires while the factory is still running
observes its own context error without disturbing the factory.
*/
type Lazy[T any] struct {
	factory func(ctx context.Context) (T, error)

	mu      sync.Mutex
	started bool
	done    chan struct{}
	value   T
	err     error
}

func NewLazy[T any](factory func(ctx context.Context) (T, error)) *Lazy[T] {
	return &Lazy[T]{
		factory: factory,
		done:    make(chan struct{}),
	}
}

// Get returns the lazily constructed value, running the factory if this is
// the first call.
func (l *Lazy[T]) Get(ctx context.Context) (T, error) {
	l.mu.Lock()
	if !l.started {
		l.started = true
		l.mu.Unlock()

		// Construction is detached from the triggering caller so that one
		// caller's cancellation cannot poison the shared outcome.
		go func() {
			value, err := l.factory(context.WithoutCancel(ctx))
			l.mu.Lock()
			l.value, l.err = value, err
			l.mu.Unlock()
			close(l.done)
		}()
	} else {
		l.mu.Unlock()
	}

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-l.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.value, l.err
	}
}

// Peek returns the constructed value if the factory has already completed
// successfully.
func (l *Lazy[T]) Peek() (T, bool) {
	select {
	case <-l.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.err != nil {
			var zero T
			return zero, false
		}
		return l.value, true
	default:
		var zero T
		return zero, false
	}
}

// Started reports whether the factory has begun running.
func (l *Lazy[T]) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// OnDone schedules fn as a continuation of the factory. If the factory has
// already completed, fn runs synchronously; otherwise it runs on a fresh
// goroutine once construction finishes either way.
func (l *Lazy[T]) OnDone(fn func()) {
	select {
	case <-l.done:
		fn()
	default:
		go func() {
			<-l.done
			fn()
		}()
	}
}
