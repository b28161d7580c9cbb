package aggregator

import (
	"context"
	"io"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
)

/*
ForceMarshal re-routes proxy requests through the inner broker's pipe path,
so the result always speaks the wire protocol even when the inner broker
could have short-circuited to a local object. Useful for isolating a
consumer from a service's threading model.
*/
type ForceMarshal struct {
	inner broker.ServiceBroker
	event broker.AvailabilityEvent
	unsub func()
}

// NewForceMarshal wraps inner. The inner broker is borrowed, not owned.
func NewForceMarshal(inner broker.ServiceBroker) *ForceMarshal {
	a := &ForceMarshal{inner: inner}
	a.unsub = inner.OnAvailabilityChanged(func(_ any, args broker.BrokeredServicesChangedArgs) {
		a.event.Raise(a, args)
	})
	return a
}

func (a *ForceMarshal) GetProxy(ctx context.Context, descriptor broker.ServiceRpcDescriptor, options *broker.ServiceActivationOptions) (any, error) {
	pipe, err := a.inner.GetPipe(ctx, descriptor.Moniker(), options)
	if err != nil {
		return nil, err
	}
	if pipe == nil {
		return nil, nil
	}

	proxy, err := descriptor.ConstructProxy(ctx, pipe, options)
	if err != nil {
		// Proxy construction failed after pipe acquisition; complete the
		// pipe with the error so the service side unwinds too.
		pipe.Close()
		return nil, err
	}

	return proxy, nil
}

func (a *ForceMarshal) GetPipe(ctx context.Context, moniker broker.ServiceMoniker, options *broker.ServiceActivationOptions) (io.ReadWriteCloser, error) {
	return a.inner.GetPipe(ctx, moniker, options)
}

func (a *ForceMarshal) OnAvailabilityChanged(handler broker.AvailabilityChangedHandler) func() {
	return a.event.Subscribe(handler)
}

func (a *ForceMarshal) Close() error {
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
	return nil
}

var _ broker.ServiceBroker = (*ForceMarshal)(nil)
