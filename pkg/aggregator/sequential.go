/*
Package aggregator composes service brokers. Every aggregator forwards the
availability-changed event of its inner brokers with itself as the sender,
so observers never see through to the composition's members.
*/
package aggregator

import (
	"context"
	"io"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
)

/*
Sequential tries its inner brokers in order and returns the first non-nil
result. All brokers returning nil is not a failure; the aggregate simply
reports no matching service.
*/
type Sequential struct {
	brokers []broker.ServiceBroker
	event   broker.AvailabilityEvent
	unsubs  []func()
}

// NewSequential composes brokers in priority order. The brokers are
// borrowed, not owned.
func NewSequential(brokers ...broker.ServiceBroker) *Sequential {
	a := &Sequential{brokers: brokers}

	for _, inner := range brokers {
		a.unsubs = append(a.unsubs, inner.OnAvailabilityChanged(func(_ any, args broker.BrokeredServicesChangedArgs) {
			a.event.Raise(a, args)
		}))
	}

	return a
}

func (a *Sequential) GetProxy(ctx context.Context, descriptor broker.ServiceRpcDescriptor, options *broker.ServiceActivationOptions) (any, error) {
	for _, inner := range a.brokers {
		proxy, err := inner.GetProxy(ctx, descriptor, options)
		if err != nil {
			return nil, err
		}
		if proxy != nil {
			return proxy, nil
		}
	}
	return nil, nil
}

func (a *Sequential) GetPipe(ctx context.Context, moniker broker.ServiceMoniker, options *broker.ServiceActivationOptions) (io.ReadWriteCloser, error) {
	for _, inner := range a.brokers {
		pipe, err := inner.GetPipe(ctx, moniker, options)
		if err != nil {
			return nil, err
		}
		if pipe != nil {
			return pipe, nil
		}
	}
	return nil, nil
}

func (a *Sequential) OnAvailabilityChanged(handler broker.AvailabilityChangedHandler) func() {
	return a.event.Subscribe(handler)
}

// Close unsubscribes the forwarded event hooks. The inner brokers are left
// alone.
func (a *Sequential) Close() error {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
	return nil
}

var _ broker.ServiceBroker = (*Sequential)(nil)
