/*
Package disposal provides a one-shot, thread-safe collection of owned
resources. The broker graph uses it everywhere a partially-built set of
resources must unwind as a unit.
*/
package disposal

import (
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/brokerhub/brokerhub-go/pkg/errors"
)

// CloserFunc adapts a plain function to io.Closer.
type CloserFunc func() error

func (fn CloserFunc) Close() error { return fn() }

/*
Bag owns an ordered collection of disposable resources. Everything added is
disposed exactly once: either during Close, in insertion order, or
immediately upon Add when the bag is already closed.
*/
type Bag struct {
	mu        sync.Mutex
	disposed  bool
	resources []io.Closer
	logger    *log.Logger
}

// NewBag returns an empty bag. A nil logger falls back to the default.
func NewBag(logger *log.Logger) *Bag {
	if logger == nil {
		logger = log.Default()
	}
	return &Bag{logger: logger}
}

/*
Add transfers ownership of c to the bag. If the bag was already disposed the
value is disposed immediately; a failure of that disposal is logged rather
than returned, since the caller has already relinquished ownership.
*/
func (b *Bag) Add(c io.Closer) {
	if b.TryAdd(c) {
		return
	}

	if err := c.Close(); err != nil {
		b.logger.Warn("disposal of late-added resource failed", "error", err)
	}
}

// AddFunc is Add for a bare cleanup function.
func (b *Bag) AddFunc(fn func() error) {
	b.Add(CloserFunc(fn))
}

/*
TryAdd transfers ownership of c to the bag, unless the bag was already
disposed, in which case the caller keeps ownership and false is returned.
*/
func (b *Bag) TryAdd(c io.Closer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return false
	}

	b.resources = append(b.resources, c)
	return true
}

/*
Close disposes every resource in insertion order. All disposals are
attempted even if some fail; the captured failures are surfaced together as
one aggregate error.
*/
func (b *Bag) Close() error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	resources := b.resources
	b.resources = nil
	b.mu.Unlock()

	var errs []error
	for _, c := range resources {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.NewAggregate(errs)
}
