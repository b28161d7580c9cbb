package remote

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
	"github.com/brokerhub/brokerhub-go/pkg/errors"
	"github.com/brokerhub/brokerhub-go/pkg/rpc"
)

var calcDescriptor = rpc.MustDescriptor(
	broker.NewServiceMoniker("calculator"),
	broker.FormatterUTF8JSON,
	broker.DelimiterBigEndianInt32,
)

// scriptedRemote is a RemoteServiceBroker with canned answers.
type scriptedRemote struct {
	mu        sync.Mutex
	handshook *broker.ClientMetadata
	answer    broker.RemoteServiceConnectionInfo
	answerErr error
	cancelled []uuid.UUID
	event     broker.AvailabilityEvent
}

func (s *scriptedRemote) Handshake(_ context.Context, metadata broker.ClientMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshook = &metadata
	return nil
}

func (s *scriptedRemote) RequestServiceChannel(context.Context, broker.ServiceMoniker, *broker.ServiceActivationOptions) (broker.RemoteServiceConnectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answer, s.answerErr
}

func (s *scriptedRemote) CancelServiceRequest(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	return nil
}

func (s *scriptedRemote) OnAvailabilityChanged(handler broker.AvailabilityChangedHandler) func() {
	return s.event.Subscribe(handler)
}

func (s *scriptedRemote) cancelledIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.cancelled...)
}

func TestBrokerClientHandshakesWithSupportedKinds(t *testing.T) {
	rsb := &scriptedRemote{}

	c, err := NewBrokerClient(context.Background(), rsb, broker.ConnectionIPCPipe, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, rsb.handshook)
	assert.Equal(t, broker.ConnectionIPCPipe, rsb.handshook.SupportedConnections)
	assert.Nil(t, rsb.handshook.LocalServiceHost)
}

func TestOfferLocalServiceHostRehandshakes(t *testing.T) {
	rsb := &scriptedRemote{}

	c, err := NewBrokerClient(context.Background(), rsb, broker.ConnectionIPCPipe, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.OfferLocalServiceHost(context.Background()))

	require.NotNil(t, rsb.handshook)
	assert.True(t, rsb.handshook.SupportedConnections.HasFlag(broker.ConnectionLocalActivation))
	require.NotNil(t, rsb.handshook.LocalServiceHost)
	assert.Equal(t, "go", rsb.handshook.LocalServiceHost.Runtime)

	// A second offer is a no-op.
	before := *rsb.handshook
	require.NoError(t, c.OfferLocalServiceHost(context.Background()))
	assert.Equal(t, before, *rsb.handshook)
}

func TestGetProxyEmptyAnswerMeansNoService(t *testing.T) {
	rsb := &scriptedRemote{}

	c, err := NewBrokerClient(context.Background(), rsb, broker.ConnectionIPCPipe, nil)
	require.NoError(t, err)
	defer c.Close()

	proxy, err := c.GetProxy(context.Background(), calcDescriptor, nil)
	require.NoError(t, err)
	assert.Nil(t, proxy)
}

func TestRequestIDOnlyAnswerIsCancelledAndMissing(t *testing.T) {
	id := uuid.New()
	rsb := &scriptedRemote{
		answer: broker.RemoteServiceConnectionInfo{RequestID: &id},
	}

	c, err := NewBrokerClient(context.Background(), rsb, broker.ConnectionIPCPipe, nil)
	require.NoError(t, err)
	defer c.Close()

	// No connection instruction means the service is missing, but the remote
	// side still reserved a request that must be released.
	proxy, err := c.GetProxy(context.Background(), calcDescriptor, nil)
	require.NoError(t, err)
	assert.Nil(t, proxy)
	assert.Equal(t, []uuid.UUID{id}, rsb.cancelledIDs())
}

func TestGetProxyUnsupportedAnswerIsCancelledAndFails(t *testing.T) {
	id := uuid.New()
	channel := uint64(5)
	rsb := &scriptedRemote{
		answer: broker.RemoteServiceConnectionInfo{RequestID: &id, MultiplexingChannelID: &channel},
	}

	// The client never advertised multiplexing.
	c, err := NewBrokerClient(context.Background(), rsb, broker.ConnectionIPCPipe, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetProxy(context.Background(), calcDescriptor, nil)
	require.Error(t, err)

	var failed *errors.ServiceActivationFailedError
	require.ErrorAs(t, err, &failed)

	assert.Equal(t, []uuid.UUID{id}, rsb.cancelledIDs())
}

func TestGetProxyLocalActivationUsesRegistry(t *testing.T) {
	service := &struct{ name string }{name: "local calculator"}
	unregister := RegisterActivator("Calculator", func(context.Context, broker.ServiceMoniker, *broker.ServiceActivationOptions) (any, error) {
		return service, nil
	})
	defer unregister()

	rsb := &scriptedRemote{
		answer: broker.RemoteServiceConnectionInfo{
			LocalActivation: &broker.LocalActivationInfo{FullTypeName: "Calculator"},
		},
	}

	c, err := NewBrokerClient(context.Background(), rsb, broker.ConnectionLocalActivation, nil)
	require.NoError(t, err)
	defer c.Close()

	proxy, err := c.GetProxy(context.Background(), calcDescriptor, nil)
	require.NoError(t, err)
	assert.Same(t, service, proxy)
}

func TestGetProxyMissingActivatorCancelsRequest(t *testing.T) {
	id := uuid.New()
	rsb := &scriptedRemote{
		answer: broker.RemoteServiceConnectionInfo{
			RequestID:       &id,
			LocalActivation: &broker.LocalActivationInfo{FullTypeName: "NotRegistered"},
		},
	}

	c, err := NewBrokerClient(context.Background(), rsb, broker.ConnectionLocalActivation, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetProxy(context.Background(), calcDescriptor, nil)
	require.Error(t, err)
	assert.Equal(t, []uuid.UUID{id}, rsb.cancelledIDs())
}

func TestGetPipeRefusesLocalActivationAnswer(t *testing.T) {
	id := uuid.New()
	rsb := &scriptedRemote{
		answer: broker.RemoteServiceConnectionInfo{
			RequestID:       &id,
			LocalActivation: &broker.LocalActivationInfo{FullTypeName: "Calculator"},
		},
	}

	c, err := NewBrokerClient(context.Background(), rsb, broker.ConnectionLocalActivation, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetPipe(context.Background(), calcDescriptor.Moniker(), nil)
	require.Error(t, err)

	var failed *errors.ServiceActivationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, []uuid.UUID{id}, rsb.cancelledIDs())
}

func TestRequestFailureDegradesToNilWhenBrokerGone(t *testing.T) {
	rsb := &scriptedRemote{
		answerErr: &errors.ObjectDisposedError{Name: "rpc connection"},
	}

	c, err := NewBrokerClient(context.Background(), rsb, broker.ConnectionIPCPipe, nil)
	require.NoError(t, err)
	defer c.Close()

	proxy, err := c.GetProxy(context.Background(), calcDescriptor, nil)
	require.NoError(t, err)
	assert.Nil(t, proxy)
}

func TestRequestCancellationSurfacesUnwrapped(t *testing.T) {
	rsb := &scriptedRemote{answerErr: context.Canceled}

	c, err := NewBrokerClient(context.Background(), rsb, broker.ConnectionIPCPipe, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetProxy(context.Background(), calcDescriptor, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequestFailureWrapsAsActivationFailed(t *testing.T) {
	boom := fmt.Errorf("downstream exploded")
	rsb := &scriptedRemote{answerErr: boom}

	c, err := NewBrokerClient(context.Background(), rsb, broker.ConnectionIPCPipe, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetProxy(context.Background(), calcDescriptor, nil)
	require.Error(t, err)

	var failed *errors.ServiceActivationFailedError
	require.ErrorAs(t, err, &failed)
	assert.ErrorIs(t, err, boom)
}

func TestAvailabilityForwardsWithClientAsSender(t *testing.T) {
	rsb := &scriptedRemote{}

	c, err := NewBrokerClient(context.Background(), rsb, broker.ConnectionIPCPipe, nil)
	require.NoError(t, err)
	defer c.Close()

	var sender any
	c.OnAvailabilityChanged(func(s any, _ broker.BrokeredServicesChangedArgs) { sender = s })

	rsb.event.Raise(rsb, broker.BrokeredServicesChangedArgs{OtherServicesImpacted: true})
	assert.Same(t, c, sender)
}
