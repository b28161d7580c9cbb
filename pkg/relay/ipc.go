/*
Package relay exposes a local service broker to remote consumers. A relay
answers the wire-level broker contract: instead of carrying service traffic
it reserves a channel per request, either a one-shot named pipe or a
sub-channel of a shared multiplexed stream, and pumps bytes between that
channel and the pipe obtained from the inner broker.
*/
package relay

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
	"github.com/brokerhub/brokerhub-go/pkg/disposal"
	"github.com/brokerhub/brokerhub-go/pkg/errors"
	"github.com/brokerhub/brokerhub-go/pkg/ipc"
)

/*
IPCRelay answers service channel requests with freshly bound one-shot named
pipes. Each reservation stays cancellable until the consumer connects; once
connected, the relay pumps bytes between the accepted client and the
service pipe until either side hangs up.
*/
type IPCRelay struct {
	inner  broker.ServiceBroker
	logger *log.Logger
	event  broker.AvailabilityEvent
	unsub  func()

	mu      sync.Mutex
	closed  bool
	pending map[uuid.UUID]*disposal.Bag
}

// NewIPCRelay fronts inner with a pipe-reserving relay. The inner broker is
// borrowed.
func NewIPCRelay(inner broker.ServiceBroker, logger *log.Logger) *IPCRelay {
	if logger == nil {
		logger = log.Default()
	}

	r := &IPCRelay{
		inner:   inner,
		logger:  logger,
		pending: make(map[uuid.UUID]*disposal.Bag),
	}

	r.unsub = inner.OnAvailabilityChanged(func(_ any, args broker.BrokeredServicesChangedArgs) {
		r.event.Raise(r, args)
	})

	return r
}

// Handshake rejects clients that cannot consume named pipes, which is the
// only connection kind this relay hands out.
func (r *IPCRelay) Handshake(_ context.Context, metadata broker.ClientMetadata) error {
	if !metadata.SupportedConnections.HasFlag(broker.ConnectionIPCPipe) {
		return &errors.NotSupportedError{Reason: "client does not support IPC pipe connections"}
	}
	return nil
}

/*
RequestServiceChannel asks the inner broker for a pipe to the service and,
when one exists, binds a one-shot pipe server for the consumer to connect
to. The reservation is released either by the consumer connecting, by
CancelServiceRequest, or by Close.
*/
func (r *IPCRelay) RequestServiceChannel(ctx context.Context, moniker broker.ServiceMoniker, options *broker.ServiceActivationOptions) (broker.RemoteServiceConnectionInfo, error) {
	opts := options.Clone()
	// The session reference is meaningless across the process boundary.
	opts.MultiplexingSession = nil
	opts.ClientRPCTarget = nil

	servicePipe, err := r.inner.GetPipe(ctx, moniker, opts)
	if err != nil {
		return broker.RemoteServiceConnectionInfo{}, err
	}
	if servicePipe == nil {
		return broker.RemoteServiceConnectionInfo{}, nil
	}

	requestID := uuid.New()
	bag := disposal.NewBag(r.logger)
	bag.Add(servicePipe)

	server, err := ipc.NewServer("", func(ctx context.Context, conn net.Conn) error {
		r.take(requestID)
		defer conn.Close()
		defer servicePipe.Close()
		return pump(ctx, conn, servicePipe)
	}, &ipc.ServerOptions{
		OneClientOnly:   true,
		CurrentUserOnly: true,
		Logger:          r.logger,
	})
	if err != nil {
		_ = bag.Close()
		return broker.RemoteServiceConnectionInfo{}, &errors.ServiceActivationFailedError{Service: moniker.String(), Err: err}
	}
	bag.Add(server)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = bag.Close()
		return broker.RemoteServiceConnectionInfo{}, &errors.ObjectDisposedError{Name: "ipc relay"}
	}
	r.pending[requestID] = bag
	r.mu.Unlock()

	r.logger.Debug("service channel reserved", "service", moniker, "requestId", requestID, "pipe", server.Name())

	return broker.RemoteServiceConnectionInfo{
		RequestID: &requestID,
		PipeName:  server.Name(),
	}, nil
}

// take removes a reservation from the pending set, transferring ownership
// of its resources to the caller's connection handler.
func (r *IPCRelay) take(requestID uuid.UUID) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}

// CancelServiceRequest releases an unconsumed reservation. Unknown ids are
// ignored, which makes cancellation idempotent and tolerant of races with
// the consumer connecting.
func (r *IPCRelay) CancelServiceRequest(_ context.Context, requestID uuid.UUID) error {
	r.mu.Lock()
	bag, ok := r.pending[requestID]
	delete(r.pending, requestID)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	r.logger.Debug("service channel reservation cancelled", "requestId", requestID)
	return bag.Close()
}

func (r *IPCRelay) OnAvailabilityChanged(handler broker.AvailabilityChangedHandler) func() {
	return r.event.Subscribe(handler)
}

// Close releases every pending reservation. Channels already connected keep
// pumping until their peers hang up.
func (r *IPCRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	bags := make([]*disposal.Bag, 0, len(r.pending))
	for _, bag := range r.pending {
		bags = append(bags, bag)
	}
	r.pending = nil
	r.mu.Unlock()

	r.unsub()

	var errs []error
	for _, bag := range bags {
		if err := bag.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.NewAggregate(errs)
}

var _ broker.RemoteServiceBroker = (*IPCRelay)(nil)

// pump copies bytes in both directions until both sides reach EOF or the
// context is cancelled. Write halves are closed as their feeding reads end
// so graceful shutdown propagates.
func pump(ctx context.Context, a, b io.ReadWriteCloser) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := io.Copy(a, b)
		closeWrite(a)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(b, a)
		closeWrite(b)
		return err
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case <-ctx.Done():
		_ = a.Close()
		_ = b.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func closeWrite(pipe io.ReadWriteCloser) {
	if half, ok := pipe.(interface{ CloseWrite() error }); ok {
		_ = half.CloseWrite()
		return
	}
	_ = pipe.Close()
}
