package aggregator

import (
	"context"
	"io"
	"sync"

	"github.com/brokerhub/brokerhub-go/pkg/async"
	"github.com/brokerhub/brokerhub-go/pkg/broker"
)

/*
Lazy defers construction of its inner broker until the first request. The
construction runs once; a construction failure propagates to every caller
awaiting it.
*/
type Lazy struct {
	inner *async.Lazy[broker.ServiceBroker]
	event broker.AvailabilityEvent

	mu     sync.Mutex
	closed bool
	unsub  func()
}

// NewLazy composes a broker that will be constructed by factory on first
// use.
func NewLazy(factory func(ctx context.Context) (broker.ServiceBroker, error)) *Lazy {
	a := &Lazy{}

	a.inner = async.NewLazy(func(ctx context.Context) (broker.ServiceBroker, error) {
		inner, err := factory(ctx)
		if err != nil {
			return nil, err
		}

		unsub := inner.OnAvailabilityChanged(func(_ any, args broker.BrokeredServicesChangedArgs) {
			a.event.Raise(a, args)
		})

		a.mu.Lock()
		if a.closed {
			// Disposed while construction was in flight; drop the
			// subscription right away.
			a.mu.Unlock()
			unsub()
		} else {
			a.unsub = unsub
			a.mu.Unlock()
		}

		return inner, nil
	})

	return a
}

func (a *Lazy) GetProxy(ctx context.Context, descriptor broker.ServiceRpcDescriptor, options *broker.ServiceActivationOptions) (any, error) {
	inner, err := a.inner.Get(ctx)
	if err != nil {
		return nil, err
	}
	return inner.GetProxy(ctx, descriptor, options)
}

func (a *Lazy) GetPipe(ctx context.Context, moniker broker.ServiceMoniker, options *broker.ServiceActivationOptions) (io.ReadWriteCloser, error) {
	inner, err := a.inner.Get(ctx)
	if err != nil {
		return nil, err
	}
	return inner.GetPipe(ctx, moniker, options)
}

func (a *Lazy) OnAvailabilityChanged(handler broker.AvailabilityChangedHandler) func() {
	return a.event.Subscribe(handler)
}

/*
Close unsubscribes from the inner broker. If construction is still in
flight, the unsubscription is scheduled as a continuation of it, so a
disposed Lazy never leaks an event hook.
*/
func (a *Lazy) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	unsub := a.unsub
	a.unsub = nil
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	} else if a.inner.Started() {
		a.inner.OnDone(func() {
			a.mu.Lock()
			pending := a.unsub
			a.unsub = nil
			a.mu.Unlock()
			if pending != nil {
				pending()
			}
		})
	}

	return nil
}

var _ broker.ServiceBroker = (*Lazy)(nil)
