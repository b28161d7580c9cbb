package aggregator

import (
	"context"
	"io"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
)

/*
NonDisposable is a pass-through that deliberately does not implement
io.Closer, so recipients sharing the broker cannot shorten its lifetime by
disposing what they were handed.
*/
type NonDisposable struct {
	inner broker.ServiceBroker
}

func NewNonDisposable(inner broker.ServiceBroker) *NonDisposable {
	return &NonDisposable{inner: inner}
}

func (a *NonDisposable) GetProxy(ctx context.Context, descriptor broker.ServiceRpcDescriptor, options *broker.ServiceActivationOptions) (any, error) {
	return a.inner.GetProxy(ctx, descriptor, options)
}

func (a *NonDisposable) GetPipe(ctx context.Context, moniker broker.ServiceMoniker, options *broker.ServiceActivationOptions) (io.ReadWriteCloser, error) {
	return a.inner.GetPipe(ctx, moniker, options)
}

func (a *NonDisposable) OnAvailabilityChanged(handler broker.AvailabilityChangedHandler) func() {
	return a.inner.OnAvailabilityChanged(handler)
}

var _ broker.ServiceBroker = (*NonDisposable)(nil)
