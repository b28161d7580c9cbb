package rpc

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
)

// ExceptionStrategy selects how server-side failures are projected into
// remote invocation errors.
type ExceptionStrategy string

const (
	// ExceptionCommonErrorData ships code, message and a loosely typed data
	// payload. It is the default.
	ExceptionCommonErrorData ExceptionStrategy = "commonErrorData"
)

// MultiplexingOptions configure the sub-channel session a descriptor sets
// up when its service rides a shared stream.
type MultiplexingOptions struct {
	// ProtocolMajorVersion pins the session framing version.
	ProtocolMajorVersion int
}

/*
Descriptor is the JSON-RPC implementation of broker.ServiceRpcDescriptor.
It is an immutable value: every With reshaper returns a clone differing in
exactly one field. Equality considers moniker, formatter and delimiter.
*/
type Descriptor struct {
	moniker   broker.ServiceMoniker
	formatter broker.Formatter
	delimiter broker.MessageDelimiter

	logger       *log.Logger
	exceptions   ExceptionStrategy
	muxOptions   *MultiplexingOptions
	proxyFactory func(caller Caller) any
}

// NewDescriptor describes a JSON-RPC service with the given encoding and
// framing. The combination of MessagePack with HTTP-like headers is invalid
// because the header scan assumes text.
func NewDescriptor(moniker broker.ServiceMoniker, formatter broker.Formatter, delimiter broker.MessageDelimiter) (*Descriptor, error) {
	if !moniker.IsValid() {
		return nil, fmt.Errorf("service moniker must carry a name")
	}

	if formatter == broker.FormatterMessagePack && delimiter == broker.DelimiterHTTPLikeHeaders {
		return nil, fmt.Errorf("%s framing cannot carry %s payloads", broker.DelimiterHTTPLikeHeaders, broker.FormatterMessagePack)
	}

	if _, err := NewFramer(delimiter); err != nil {
		return nil, err
	}
	if _, err := NewMarshaler(formatter); err != nil {
		return nil, err
	}

	return &Descriptor{
		moniker:    moniker,
		formatter:  formatter,
		delimiter:  delimiter,
		exceptions: ExceptionCommonErrorData,
	}, nil
}

// MustDescriptor is NewDescriptor for statically known arguments.
func MustDescriptor(moniker broker.ServiceMoniker, formatter broker.Formatter, delimiter broker.MessageDelimiter) *Descriptor {
	d, err := NewDescriptor(moniker, formatter, delimiter)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Descriptor) Moniker() broker.ServiceMoniker { return d.moniker }

func (d *Descriptor) Protocol() string { return "json-rpc" }

func (d *Descriptor) Formatter() broker.Formatter { return d.formatter }

func (d *Descriptor) Delimiter() broker.MessageDelimiter { return d.delimiter }

func (d *Descriptor) ExceptionStrategy() ExceptionStrategy { return d.exceptions }

func (d *Descriptor) MultiplexingOptions() *MultiplexingOptions { return d.muxOptions }

// WithMoniker returns a copy of the descriptor for a different service.
func (d *Descriptor) WithMoniker(moniker broker.ServiceMoniker) *Descriptor {
	clone := *d
	clone.moniker = moniker
	return &clone
}

// WithLogger returns a copy whose connections trace through logger.
func (d *Descriptor) WithLogger(logger *log.Logger) *Descriptor {
	clone := *d
	clone.logger = logger
	return &clone
}

// WithExceptionStrategy returns a copy using the given strategy.
func (d *Descriptor) WithExceptionStrategy(strategy ExceptionStrategy) *Descriptor {
	clone := *d
	clone.exceptions = strategy
	return &clone
}

// WithMultiplexingOptions returns a copy carrying sub-channel session
// options.
func (d *Descriptor) WithMultiplexingOptions(options *MultiplexingOptions) *Descriptor {
	clone := *d
	clone.muxOptions = options
	return &clone
}

// WithProxyFactory returns a copy whose ConstructProxy wraps the generic
// caller in a typed adapter.
func (d *Descriptor) WithProxyFactory(factory func(caller Caller) any) *Descriptor {
	clone := *d
	clone.proxyFactory = factory
	return &clone
}

// Logger returns the descriptor's trace sink, which may be nil.
func (d *Descriptor) Logger() *log.Logger { return d.logger }

// Equal reports descriptor equality: moniker, formatter and delimiter.
func (d *Descriptor) Equal(other *Descriptor) bool {
	if other == nil {
		return false
	}
	return d.moniker == other.moniker && d.formatter == other.formatter && d.delimiter == other.delimiter
}

// CacheKey derives the identity proxy caches key entries by.
func (d *Descriptor) CacheKey() string {
	return d.moniker.String() + "|" + string(d.formatter) + "|" + string(d.delimiter)
}

func (d *Descriptor) newConn(pipe io.ReadWriteCloser) (*Conn, error) {
	framer, err := NewFramer(d.delimiter)
	if err != nil {
		return nil, err
	}
	marshaler, err := NewMarshaler(d.formatter)
	if err != nil {
		return nil, err
	}
	return NewConn(pipe, framer, marshaler, d.logger), nil
}

// ConstructProxy builds a client proxy over the pipe. When options carry a
// ClientRPCTarget implementing Target, its methods are served back to the
// service over the same connection.
func (d *Descriptor) ConstructProxy(ctx context.Context, pipe io.ReadWriteCloser, options *broker.ServiceActivationOptions) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := d.newConn(pipe)
	if err != nil {
		return nil, err
	}

	if options != nil && options.ClientRPCTarget != nil {
		if target, ok := options.ClientRPCTarget.(Target); ok {
			target.RegisterRPCMethods(conn)
		}
	}

	conn.Start()

	if d.proxyFactory != nil {
		return d.proxyFactory(conn), nil
	}
	return conn, nil
}

// ConstructServer hosts target as the service over the pipe.
func (d *Descriptor) ConstructServer(pipe io.ReadWriteCloser, target any) (io.Closer, error) {
	server, ok := target.(Target)
	if !ok {
		return nil, fmt.Errorf("service target %T does not expose RPC methods", target)
	}

	conn, err := d.newConn(pipe)
	if err != nil {
		return nil, err
	}

	server.RegisterRPCMethods(conn)
	conn.Start()
	return conn, nil
}

var _ broker.ServiceRpcDescriptor = (*Descriptor)(nil)
