package relay

import (
	"context"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
	"github.com/brokerhub/brokerhub-go/pkg/disposal"
	"github.com/brokerhub/brokerhub-go/pkg/errors"
	"github.com/brokerhub/brokerhub-go/pkg/mux"
)

/*
MuxRelay answers service channel requests with sub-channels of a shared
multiplexed stream. Each request opens a fresh sub-channel, starts pumping
it against the service pipe, and reports the channel id for the consumer to
accept. Local services that understand the session receive it through their
activation options and can skip the pump entirely on later channels.
*/
type MuxRelay struct {
	inner   broker.ServiceBroker
	session *mux.Session
	logger  *log.Logger
	event   broker.AvailabilityEvent
	unsub   func()

	mu      sync.Mutex
	closed  bool
	pending map[uuid.UUID]*disposal.Bag
}

// NewMuxRelay fronts inner with a relay that reserves sub-channels of
// session. The inner broker is borrowed; the session is not owned either.
func NewMuxRelay(inner broker.ServiceBroker, session *mux.Session, logger *log.Logger) *MuxRelay {
	if logger == nil {
		logger = log.Default()
	}

	r := &MuxRelay{
		inner:   inner,
		session: session,
		logger:  logger,
		pending: make(map[uuid.UUID]*disposal.Bag),
	}

	r.unsub = inner.OnAvailabilityChanged(func(_ any, args broker.BrokeredServicesChangedArgs) {
		r.event.Raise(r, args)
	})

	return r
}

// Handshake rejects clients that cannot consume multiplexed sub-channels.
func (r *MuxRelay) Handshake(_ context.Context, metadata broker.ClientMetadata) error {
	if !metadata.SupportedConnections.HasFlag(broker.ConnectionMultiplexing) {
		return &errors.NotSupportedError{Reason: "client does not support multiplexed stream connections"}
	}
	return nil
}

/*
RequestServiceChannel obtains a pipe to the service from the inner broker,
opens a sub-channel, and pumps between them. The returned channel id is
accepted by the consumer on its side of the shared session.
*/
func (r *MuxRelay) RequestServiceChannel(ctx context.Context, moniker broker.ServiceMoniker, options *broker.ServiceActivationOptions) (broker.RemoteServiceConnectionInfo, error) {
	opts := options.Clone()
	opts.MultiplexingSession = r.session
	opts.ClientRPCTarget = nil

	servicePipe, err := r.inner.GetPipe(ctx, moniker, opts)
	if err != nil {
		return broker.RemoteServiceConnectionInfo{}, err
	}
	if servicePipe == nil {
		return broker.RemoteServiceConnectionInfo{}, nil
	}

	channel, channelID, err := r.session.Open(ctx)
	if err != nil {
		_ = servicePipe.Close()
		return broker.RemoteServiceConnectionInfo{}, &errors.ServiceActivationFailedError{Service: moniker.String(), Err: err}
	}

	requestID := uuid.New()
	bag := disposal.NewBag(r.logger)
	bag.Add(channel)
	bag.Add(servicePipe)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = bag.Close()
		return broker.RemoteServiceConnectionInfo{}, &errors.ObjectDisposedError{Name: "multiplexing relay"}
	}
	r.pending[requestID] = bag
	r.mu.Unlock()

	// The first byte from the consumer marks acceptance: from then on the
	// channel belongs to the conversation, and a late cancel of the request
	// must not tear it down.
	observed := &acceptObserver{
		ReadWriteCloser: channel,
		accepted:        func() { r.take(requestID) },
	}

	go func() {
		err := pump(context.Background(), observed, servicePipe)
		if err != nil && !errors.IsCancellation(err) {
			r.logger.Debug("service channel pump ended", "service", moniker, "channel", channelID, "error", err)
		}
		r.take(requestID)
		_ = bag.Close()
	}()

	r.logger.Debug("service channel reserved", "service", moniker, "requestId", requestID, "channel", channelID)

	return broker.RemoteServiceConnectionInfo{
		RequestID:             &requestID,
		MultiplexingChannelID: &channelID,
	}, nil
}

// take removes a reservation so a later cancel no longer reaches it.
func (r *MuxRelay) take(requestID uuid.UUID) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}

type acceptObserver struct {
	io.ReadWriteCloser
	once     sync.Once
	accepted func()
}

func (o *acceptObserver) Read(p []byte) (int, error) {
	n, err := o.ReadWriteCloser.Read(p)
	if n > 0 {
		o.once.Do(o.accepted)
	}
	return n, err
}

// CancelServiceRequest tears down the reserved sub-channel and service
// pipe. Unknown ids are ignored; so are requests already accepted by the
// consumer.
func (r *MuxRelay) CancelServiceRequest(_ context.Context, requestID uuid.UUID) error {
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

func (r *MuxRelay) OnAvailabilityChanged(handler broker.AvailabilityChangedHandler) func() {
	return r.event.Subscribe(handler)
}

// Close tears down every live channel this relay opened. The shared session
// itself is left to its owner.
func (r *MuxRelay) Close() error {
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

var _ broker.RemoteServiceBroker = (*MuxRelay)(nil)
