package broker

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
)

/*
ServiceBroker is how consumers obtain services without knowing where they
live. A nil result with a nil error means no matching service exists;
failures of discovery or activation surface as errors. Proxies that
implement io.Closer are owned by the caller.
*/
type ServiceBroker interface {
	// GetProxy requests a typed proxy for the described service.
	GetProxy(ctx context.Context, descriptor ServiceRpcDescriptor, options *ServiceActivationOptions) (any, error)

	// GetPipe requests a raw duplex byte pipe to the service. It fails when
	// the service exists but is only reachable through in-process
	// activation, which a pipe cannot represent.
	GetPipe(ctx context.Context, moniker ServiceMoniker, options *ServiceActivationOptions) (io.ReadWriteCloser, error)

	// OnAvailabilityChanged subscribes to changes in availability of any
	// service previously requested on this broker. The returned function
	// removes the subscription.
	OnAvailabilityChanged(handler AvailabilityChangedHandler) func()
}

/*
RemoteServiceBroker is the wire-level broker contract spoken between
processes. It negotiates how to reach a service rather than carrying service
traffic itself.
*/
type RemoteServiceBroker interface {
	// Handshake is called once per connection. It fails with a
	// not-supported error when the two sides share no connection kind.
	Handshake(ctx context.Context, metadata ClientMetadata) error

	// RequestServiceChannel reserves a connection to the named service. The
	// client must either consume the returned instructions or cancel the
	// request by id.
	RequestServiceChannel(ctx context.Context, moniker ServiceMoniker, options *ServiceActivationOptions) (RemoteServiceConnectionInfo, error)

	// CancelServiceRequest releases the resources reserved for a prior
	// request. It is idempotent.
	CancelServiceRequest(ctx context.Context, requestID uuid.UUID) error

	OnAvailabilityChanged(handler AvailabilityChangedHandler) func()
}

// GetProxy requests a proxy through sb and asserts it to T. A nil result
// stays nil (the zero T) without error.
func GetProxy[T any](ctx context.Context, sb ServiceBroker, descriptor ServiceRpcDescriptor, options *ServiceActivationOptions) (T, error) {
	var zero T

	raw, err := sb.GetProxy(ctx, descriptor, options)
	if err != nil || raw == nil {
		return zero, err
	}

	typed, ok := raw.(T)
	if !ok {
		if closer, isCloser := raw.(io.Closer); isCloser {
			_ = closer.Close()
		}
		return zero, fmt.Errorf("service %s produced a %T proxy, not the requested contract", descriptor.Moniker(), raw)
	}

	return typed, nil
}
