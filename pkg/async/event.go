package async

import (
	"context"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
)

// EventHandler consumes one event occurrence. The context is canceled when a
// newer occurrence supersedes this one, telling the handler to abandon its
// work.
type EventHandler[T any] func(ctx context.Context, args T) error

/*
Event raises occurrences to asynchronous handlers with three guarantees: the
handlers run on a worker goroutine, never on the raiser; a drain never runs
concurrently with the previous one; and raising cancels the context handed
to the previous drain before waiting for it to complete.
*/
type Event[T any] struct {
	logger *log.Logger

	mu       sync.Mutex
	nextID   int
	handlers map[int]EventHandler[T]

	prevDone   chan struct{}
	prevCancel context.CancelFunc
}

func NewEvent[T any](logger *log.Logger) *Event[T] {
	if logger == nil {
		logger = log.Default()
	}
	return &Event[T]{logger: logger}
}

// Subscribe registers a handler and returns its removal function.
func (e *Event[T]) Subscribe(handler EventHandler[T]) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[int]EventHandler[T])
	}

	id := e.nextID
	e.nextID++
	e.handlers[id] = handler

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

/*
Raise schedules args for delivery and returns immediately. The previous
delivery's context is canceled right away; the new delivery begins only once
every handler of the previous one has returned.
*/
func (e *Event[T]) Raise(args T) {
	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	prevDone, prevCancel := e.prevDone, e.prevCancel
	done := make(chan struct{})
	e.prevDone, e.prevCancel = done, cancel
	e.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}

	go func() {
		defer close(done)
		if prevDone != nil {
			<-prevDone
		}

		for _, handler := range e.snapshot() {
			if err := handler(ctx, args); err != nil && ctx.Err() == nil {
				e.logger.Warn("event handler failed", "error", err)
			}
		}
	}()
}

// Drain returns once every delivery raised so far has completed.
func (e *Event[T]) Drain() {
	e.mu.Lock()
	done := e.prevDone
	e.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (e *Event[T]) snapshot() []EventHandler[T] {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]int, 0, len(e.handlers))
	for id := range e.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	handlers := make([]EventHandler[T], 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, e.handlers[id])
	}
	return handlers
}
