package remote

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/brokerhub/brokerhub-go/pkg/auth"
	"github.com/brokerhub/brokerhub-go/pkg/broker"
	"github.com/brokerhub/brokerhub-go/pkg/disposal"
	"github.com/brokerhub/brokerhub-go/pkg/errors"
	"github.com/brokerhub/brokerhub-go/pkg/ipc"
	"github.com/brokerhub/brokerhub-go/pkg/mux"
	"github.com/brokerhub/brokerhub-go/pkg/rpc"
)

// Options tune a BrokerClient. All fields are optional.
type Options struct {
	// AuthClient supplies default client credentials for requests that carry
	// none of their own.
	AuthClient *auth.Client

	Logger *log.Logger
}

/*
BrokerClient adapts a RemoteServiceBroker into a consumable ServiceBroker.
It performs the handshake, asks the remote side for connection instructions
per request, and resolves those instructions into live pipes or in-process
activations. Requests whose instructions it cannot or will not consume are
cancelled so the remote side can release what it reserved.
*/
type BrokerClient struct {
	rmt    broker.RemoteServiceBroker
	auth   *auth.Client
	logger *log.Logger
	bag    *disposal.Bag
	event  broker.AvailabilityEvent

	mu        sync.Mutex
	session   *mux.Session
	supported broker.ConnectionKinds
	closed    bool
}

// NewBrokerClient performs the handshake against rsb, advertising the given
// connection kinds, and returns the wrapping client.
func NewBrokerClient(ctx context.Context, rsb broker.RemoteServiceBroker, supported broker.ConnectionKinds, opts *Options) (*BrokerClient, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	c := &BrokerClient{
		rmt:       rsb,
		auth:      opts.AuthClient,
		logger:    logger,
		bag:       disposal.NewBag(logger),
		supported: supported,
	}

	if err := c.handshake(ctx); err != nil {
		return nil, err
	}

	unsub := rsb.OnAvailabilityChanged(func(_ any, args broker.BrokeredServicesChangedArgs) {
		c.event.Raise(c, args)
	})
	c.bag.AddFunc(func() error {
		unsub()
		return nil
	})

	return c, nil
}

/*
ConnectToDuplex speaks the broker protocol directly over pipe and returns a
client limited to pipe-based connections. The pipe is owned by the returned
client.
*/
func ConnectToDuplex(ctx context.Context, pipe io.ReadWriteCloser, opts *Options) (*BrokerClient, error) {
	conn, err := brokerConn(pipe, optLogger(opts))
	if err != nil {
		_ = pipe.Close()
		return nil, err
	}

	proxy := newBrokerProxy(conn)

	c, err := NewBrokerClient(ctx, proxy, broker.ConnectionIPCPipe, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.bag.AddFunc(conn.Close)
	return c, nil
}

/*
ConnectToMultiplexing treats stream as the client side of a shared
multiplexed stream: it opens the first sub-channel, speaks the broker
protocol over it, and serves subsequent service channels from the same
session. The stream is owned by the returned client.
*/
func ConnectToMultiplexing(ctx context.Context, stream io.ReadWriteCloser, opts *Options) (*BrokerClient, error) {
	logger := optLogger(opts)

	session, err := mux.NewSession(stream, false, logger)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}

	brokerChannel, _, err := session.Open(ctx)
	if err != nil {
		_ = session.Close()
		return nil, err
	}

	conn, err := brokerConn(brokerChannel, logger)
	if err != nil {
		_ = session.Close()
		return nil, err
	}

	proxy := newBrokerProxy(conn)

	c, err := NewBrokerClient(ctx, proxy, broker.ConnectionIPCPipe|broker.ConnectionMultiplexing, opts)
	if err != nil {
		_ = conn.Close()
		_ = session.Close()
		return nil, err
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.bag.AddFunc(conn.Close)
	c.bag.Add(session)
	return c, nil
}

func optLogger(opts *Options) *log.Logger {
	if opts != nil && opts.Logger != nil {
		return opts.Logger
	}
	return log.Default()
}

func (c *BrokerClient) handshake(ctx context.Context) error {
	c.mu.Lock()
	metadata := broker.ClientMetadata{SupportedConnections: c.supported}
	c.mu.Unlock()

	if metadata.SupportedConnections.HasFlag(broker.ConnectionLocalActivation) {
		host := broker.LocalServiceHostInformation()
		metadata.LocalServiceHost = &host
	}

	return c.rmt.Handshake(ctx, metadata)
}

/*
OfferLocalServiceHost re-handshakes with local activation added to the
supported connection kinds, inviting the remote broker to offload eligible
services into this process.
*/
func (c *BrokerClient) OfferLocalServiceHost(ctx context.Context) error {
	c.mu.Lock()
	if c.supported.HasFlag(broker.ConnectionLocalActivation) {
		c.mu.Unlock()
		return nil
	}
	c.supported |= broker.ConnectionLocalActivation
	c.mu.Unlock()

	return c.handshake(ctx)
}

// applyDefaults clones options and fills culture and credential defaults the
// caller left blank.
func (c *BrokerClient) applyDefaults(ctx context.Context, options *broker.ServiceActivationOptions) (*broker.ServiceActivationOptions, error) {
	opts := options.Clone()

	if opts.ClientCulture == "" {
		opts.ClientCulture = localCulture()
	}
	if opts.ClientUICulture == "" {
		opts.ClientUICulture = opts.ClientCulture
	}

	if len(opts.ClientCredentials) == 0 && c.auth != nil {
		creds, err := c.auth.GetCredentials(ctx)
		if err != nil {
			return nil, err
		}
		opts.ClientCredentials = creds
	}

	return opts, nil
}

// localCulture derives an IETF language tag from the process environment,
// falling back to en-US.
func localCulture() string {
	for _, name := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		value := os.Getenv(name)
		if value == "" || value == "C" || value == "POSIX" {
			continue
		}
		if dot := strings.IndexByte(value, '.'); dot >= 0 {
			value = value[:dot]
		}
		return strings.ReplaceAll(value, "_", "-")
	}
	return "en-US"
}

func (c *BrokerClient) request(ctx context.Context, moniker broker.ServiceMoniker, options *broker.ServiceActivationOptions) (broker.RemoteServiceConnectionInfo, *broker.ServiceActivationOptions, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return broker.RemoteServiceConnectionInfo{}, nil, &errors.ObjectDisposedError{Name: "remote broker client"}
	}
	supported := c.supported
	c.mu.Unlock()

	opts, err := c.applyDefaults(ctx, options)
	if err != nil {
		return broker.RemoteServiceConnectionInfo{}, nil, err
	}

	info, err := c.rmt.RequestServiceChannel(ctx, moniker, opts)
	if err != nil {
		if errors.IsCancellation(err) {
			return broker.RemoteServiceConnectionInfo{}, nil, err
		}
		if isBrokerGone(err) {
			// The remote broker went away; report the service as missing
			// rather than failing the caller.
			c.logger.Debug("remote broker unavailable", "service", moniker, "error", err)
			return broker.RemoteServiceConnectionInfo{}, nil, nil
		}
		return broker.RemoteServiceConnectionInfo{}, nil, &errors.ServiceActivationFailedError{Service: moniker.String(), Err: err}
	}

	if info.IsEmpty() {
		// An answer that names a request but carries no connection
		// instruction reserved something on the remote side; release it
		// before reporting the service as missing.
		if info.RequestID != nil {
			_ = c.cancelRequest(ctx, info)
		}
		return broker.RemoteServiceConnectionInfo{}, nil, nil
	}

	if !info.IsOneOf(supported) {
		err := c.cancelRequest(ctx, info)
		notSupported := &errors.NotSupportedError{Reason: "service " + moniker.String() + " answered with a connection kind this client did not advertise"}
		return broker.RemoteServiceConnectionInfo{}, nil, &errors.ServiceActivationFailedError{
			Service: moniker.String(),
			Err:     errors.NewAggregate([]error{notSupported, err}),
		}
	}

	return info, opts, nil
}

// isBrokerGone reports whether err means the remote broker itself is
// disposed or disconnected, which degrades to service-not-found.
func isBrokerGone(err error) bool {
	if rpc.IsConnClosed(err) {
		return true
	}
	var disposed *errors.ObjectDisposedError
	return stderrors.As(err, &disposed)
}

/*
GetProxy implements broker.ServiceBroker. Instructions the remote side
returns are resolved in-process: a multiplexing channel id is accepted from
the shared session, a pipe name is dialed, and a local activation record is
looked up in the activator registry. A request whose instructions cannot be
consumed is cancelled before the error is returned.
*/
func (c *BrokerClient) GetProxy(ctx context.Context, descriptor broker.ServiceRpcDescriptor, options *broker.ServiceActivationOptions) (any, error) {
	moniker := descriptor.Moniker()

	info, opts, err := c.request(ctx, moniker, options)
	if err != nil || info.IsEmpty() {
		return nil, err
	}

	if info.LocalActivation != nil {
		service, err := activate(ctx, info.LocalActivation, moniker, opts)
		if err != nil {
			return nil, c.cancelAndFail(ctx, moniker, info, err)
		}
		return service, nil
	}

	pipe, err := c.resolvePipe(ctx, info)
	if err != nil {
		return nil, c.cancelAndFail(ctx, moniker, info, err)
	}

	proxy, err := descriptor.ConstructProxy(ctx, pipe, opts)
	if err != nil {
		_ = pipe.Close()
		return nil, c.cancelAndFail(ctx, moniker, info, err)
	}

	return proxy, nil
}

/*
GetPipe implements broker.ServiceBroker. A local activation answer cannot be
represented as a pipe, so it is cancelled and reported as a failure.
*/
func (c *BrokerClient) GetPipe(ctx context.Context, moniker broker.ServiceMoniker, options *broker.ServiceActivationOptions) (io.ReadWriteCloser, error) {
	info, _, err := c.request(ctx, moniker, options)
	if err != nil || info.IsEmpty() {
		return nil, err
	}

	if info.LocalActivation != nil {
		cause := &errors.NotSupportedError{Reason: "service " + moniker.String() + " is only reachable through in-process activation"}
		return nil, c.cancelAndFail(ctx, moniker, info, cause)
	}

	pipe, err := c.resolvePipe(ctx, info)
	if err != nil {
		return nil, c.cancelAndFail(ctx, moniker, info, err)
	}

	return pipe, nil
}

func (c *BrokerClient) resolvePipe(ctx context.Context, info broker.RemoteServiceConnectionInfo) (io.ReadWriteCloser, error) {
	if info.MultiplexingChannelID != nil {
		c.mu.Lock()
		session := c.session
		c.mu.Unlock()

		if session == nil {
			return nil, &errors.NotSupportedError{Reason: "no multiplexing session is attached to this connection"}
		}
		return session.Accept(ctx, *info.MultiplexingChannelID)
	}

	return ipc.Dial(ctx, info.PipeName, &ipc.DialOptions{Logger: c.logger})
}

// cancelAndFail releases the remote side's reservation and wraps cause,
// letting cancellation pass through unwrapped.
func (c *BrokerClient) cancelAndFail(ctx context.Context, moniker broker.ServiceMoniker, info broker.RemoteServiceConnectionInfo, cause error) error {
	cancelErr := c.cancelRequest(ctx, info)

	if errors.IsCancellation(cause) {
		return cause
	}
	return &errors.ServiceActivationFailedError{Service: moniker.String(), Err: errors.NewAggregate([]error{cause, cancelErr})}
}

func (c *BrokerClient) cancelRequest(ctx context.Context, info broker.RemoteServiceConnectionInfo) error {
	if info.RequestID == nil {
		return nil
	}

	// Cancellation of the original context must not leak the reservation.
	err := c.rmt.CancelServiceRequest(context.WithoutCancel(ctx), *info.RequestID)
	if err != nil {
		c.logger.Warn("cancelling service request failed", "requestId", *info.RequestID, "error", err)
	}
	return err
}

func (c *BrokerClient) OnAvailabilityChanged(handler broker.AvailabilityChangedHandler) func() {
	return c.event.Subscribe(handler)
}

// Close releases the connection resources this client owns.
func (c *BrokerClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.bag.Close()
}

var _ broker.ServiceBroker = (*BrokerClient)(nil)
