package aggregator

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
	"github.com/brokerhub/brokerhub-go/pkg/errors"
)

/*
Parallel fans a request out to every inner broker concurrently and demands
at most one match. When several brokers answer, every result is disposed and
the call fails: cardinality is the only tie-breaker, never broker order.
*/
type Parallel struct {
	brokers []broker.ServiceBroker
	event   broker.AvailabilityEvent
	unsubs  []func()
}

// NewParallel composes brokers whose service sets are expected to be
// disjoint. The brokers are borrowed, not owned.
func NewParallel(brokers ...broker.ServiceBroker) *Parallel {
	a := &Parallel{brokers: brokers}

	for _, inner := range brokers {
		a.unsubs = append(a.unsubs, inner.OnAvailabilityChanged(func(_ any, args broker.BrokeredServicesChangedArgs) {
			a.event.Raise(a, args)
		}))
	}

	return a
}

func (a *Parallel) GetProxy(ctx context.Context, descriptor broker.ServiceRpcDescriptor, options *broker.ServiceActivationOptions) (any, error) {
	results := make([]any, len(a.brokers))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, inner := range a.brokers {
		i, inner := i, inner
		group.Go(func() error {
			proxy, err := inner.GetProxy(groupCtx, descriptor, options)
			results[i] = proxy
			return err
		})
	}

	err := group.Wait()

	matches := make([]any, 0, 1)
	for _, proxy := range results {
		if proxy != nil {
			matches = append(matches, proxy)
		}
	}

	if err != nil {
		disposeAll(matches)
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		disposeAll(matches)
		return nil, &errors.ServiceCompositionError{
			Message: "too many services matched " + descriptor.Moniker().String(),
		}
	}
}

func (a *Parallel) GetPipe(ctx context.Context, moniker broker.ServiceMoniker, options *broker.ServiceActivationOptions) (io.ReadWriteCloser, error) {
	results := make([]io.ReadWriteCloser, len(a.brokers))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, inner := range a.brokers {
		i, inner := i, inner
		group.Go(func() error {
			pipe, err := inner.GetPipe(groupCtx, moniker, options)
			results[i] = pipe
			return err
		})
	}

	err := group.Wait()

	matches := make([]io.ReadWriteCloser, 0, 1)
	for _, pipe := range results {
		if pipe != nil {
			matches = append(matches, pipe)
		}
	}

	if err != nil {
		for _, pipe := range matches {
			pipe.Close()
		}
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		for _, pipe := range matches {
			pipe.Close()
		}
		return nil, &errors.ServiceCompositionError{
			Message: "too many services matched " + moniker.String(),
		}
	}
}

func (a *Parallel) OnAvailabilityChanged(handler broker.AvailabilityChangedHandler) func() {
	return a.event.Subscribe(handler)
}

func (a *Parallel) Close() error {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
	return nil
}

func disposeAll(proxies []any) {
	for _, proxy := range proxies {
		if closer, ok := proxy.(io.Closer); ok {
			_ = closer.Close()
		}
	}
}

var _ broker.ServiceBroker = (*Parallel)(nil)
