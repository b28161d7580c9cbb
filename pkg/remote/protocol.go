/*
Package remote turns the wire-level RemoteServiceBroker contract into a
consumable ServiceBroker and back: it serves a broker over an RPC
connection, proxies one from the other end, and implements the client-side
dispatch that resolves connection instructions into live pipes.
*/
package remote

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
	"github.com/brokerhub/brokerhub-go/pkg/rpc"
)

// Broker protocol method names. Wire names are camel-cased with any
// trailing Async stripped.
const (
	methodHandshake             = "handshake"
	methodRequestServiceChannel = "requestServiceChannel"
	methodCancelServiceRequest  = "cancelServiceRequest"
	notifyAvailabilityChanged   = "availabilityChanged"
)

// BrokerDescriptor describes the broker protocol conversation itself.
func BrokerDescriptor() *rpc.Descriptor {
	return rpc.MustDescriptor(
		broker.NewServiceMoniker("remoteServiceBroker"),
		broker.FormatterUTF8JSON,
		broker.DelimiterBigEndianInt32,
	)
}

// brokerConn wraps pipe in an unstarted connection using the broker
// protocol's encoding and framing.
func brokerConn(pipe io.ReadWriteCloser, logger *log.Logger) (*rpc.Conn, error) {
	framer, err := rpc.NewFramer(broker.DelimiterBigEndianInt32)
	if err != nil {
		return nil, err
	}
	marshaler, err := rpc.NewMarshaler(broker.FormatterUTF8JSON)
	if err != nil {
		return nil, err
	}
	return rpc.NewConn(pipe, framer, marshaler, logger), nil
}

type requestServiceChannelParams struct {
	ServiceMoniker           broker.ServiceMoniker            `json:"serviceMoniker"`
	ServiceActivationOptions *broker.ServiceActivationOptions `json:"serviceActivationOptions,omitempty"`
}

type cancelServiceRequestParams struct {
	ServiceRequestID uuid.UUID `json:"serviceRequestId"`
}

// Serving is one in-progress broker conversation. Closing it detaches the
// availability subscription and drops the connection.
type Serving struct {
	conn  *rpc.Conn
	unsub func()
}

// Done is closed when the conversation's connection has shut down.
func (s *Serving) Done() <-chan struct{} { return s.conn.Done() }

func (s *Serving) Close() error {
	s.unsub()
	return s.conn.Close()
}

/*
ServeBroker exposes rsb to the peer on the other end of conn. The
connection must not have been started yet.
*/
func ServeBroker(conn *rpc.Conn, rsb broker.RemoteServiceBroker, logger *log.Logger) *Serving {
	if logger == nil {
		logger = log.Default()
	}

	conn.Handle(methodHandshake, func(ctx context.Context, decode func(any) error) (any, error) {
		var metadata broker.ClientMetadata
		if err := decode(&metadata); err != nil {
			return nil, err
		}
		return nil, rsb.Handshake(ctx, metadata)
	})

	conn.Handle(methodRequestServiceChannel, func(ctx context.Context, decode func(any) error) (any, error) {
		var params requestServiceChannelParams
		if err := decode(&params); err != nil {
			return nil, err
		}
		return rsb.RequestServiceChannel(ctx, params.ServiceMoniker, params.ServiceActivationOptions)
	})

	conn.Handle(methodCancelServiceRequest, func(ctx context.Context, decode func(any) error) (any, error) {
		var params cancelServiceRequestParams
		if err := decode(&params); err != nil {
			return nil, err
		}
		return nil, rsb.CancelServiceRequest(ctx, params.ServiceRequestID)
	})

	unsub := rsb.OnAvailabilityChanged(func(_ any, args broker.BrokeredServicesChangedArgs) {
		if err := conn.Notify(notifyAvailabilityChanged, args); err != nil {
			logger.Debug("availability notification dropped", "error", err)
		}
	})

	conn.Start()

	return &Serving{conn: conn, unsub: unsub}
}

// ServeBrokerOnPipe is ServeBroker for a raw duplex pipe.
func ServeBrokerOnPipe(pipe io.ReadWriteCloser, rsb broker.RemoteServiceBroker, logger *log.Logger) (*Serving, error) {
	conn, err := brokerConn(pipe, logger)
	if err != nil {
		return nil, err
	}
	return ServeBroker(conn, rsb, logger), nil
}

/*
brokerProxy speaks the broker protocol over an RPC connection and presents
it as a RemoteServiceBroker.
*/
type brokerProxy struct {
	conn  *rpc.Conn
	event broker.AvailabilityEvent
}

// newBrokerProxy wires the proxy onto conn and starts it.
func newBrokerProxy(conn *rpc.Conn) *brokerProxy {
	p := &brokerProxy{conn: conn}

	conn.Handle(notifyAvailabilityChanged, func(_ context.Context, decode func(any) error) (any, error) {
		var args broker.BrokeredServicesChangedArgs
		if err := decode(&args); err != nil {
			return nil, err
		}
		p.event.Raise(p, args)
		return nil, nil
	})

	conn.Start()
	return p
}

func (p *brokerProxy) Handshake(ctx context.Context, metadata broker.ClientMetadata) error {
	return p.conn.Invoke(ctx, methodHandshake, metadata, nil)
}

func (p *brokerProxy) RequestServiceChannel(ctx context.Context, moniker broker.ServiceMoniker, options *broker.ServiceActivationOptions) (broker.RemoteServiceConnectionInfo, error) {
	var info broker.RemoteServiceConnectionInfo
	err := p.conn.Invoke(ctx, methodRequestServiceChannel, requestServiceChannelParams{
		ServiceMoniker:           moniker,
		ServiceActivationOptions: options,
	}, &info)
	return info, err
}

func (p *brokerProxy) CancelServiceRequest(ctx context.Context, requestID uuid.UUID) error {
	return p.conn.Invoke(ctx, methodCancelServiceRequest, cancelServiceRequestParams{ServiceRequestID: requestID}, nil)
}

func (p *brokerProxy) OnAvailabilityChanged(handler broker.AvailabilityChangedHandler) func() {
	return p.event.Subscribe(handler)
}

var _ broker.RemoteServiceBroker = (*brokerProxy)(nil)
