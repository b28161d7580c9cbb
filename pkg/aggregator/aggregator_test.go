package aggregator

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

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

// stubBroker is a scriptable service broker for composition tests.
type stubBroker struct {
	proxyFn func(ctx context.Context, descriptor broker.ServiceRpcDescriptor, options *broker.ServiceActivationOptions) (any, error)
	pipeFn  func(ctx context.Context, moniker broker.ServiceMoniker, options *broker.ServiceActivationOptions) (io.ReadWriteCloser, error)
	event   broker.AvailabilityEvent
}

func (s *stubBroker) GetProxy(ctx context.Context, d broker.ServiceRpcDescriptor, o *broker.ServiceActivationOptions) (any, error) {
	if s.proxyFn == nil {
		return nil, nil
	}
	return s.proxyFn(ctx, d, o)
}

func (s *stubBroker) GetPipe(ctx context.Context, m broker.ServiceMoniker, o *broker.ServiceActivationOptions) (io.ReadWriteCloser, error) {
	if s.pipeFn == nil {
		return nil, nil
	}
	return s.pipeFn(ctx, m, o)
}

func (s *stubBroker) OnAvailabilityChanged(handler broker.AvailabilityChangedHandler) func() {
	return s.event.Subscribe(handler)
}

// closeCounter counts disposals of a handed-out proxy.
type closeCounter struct {
	closes atomic.Int32
}

func (c *closeCounter) Close() error {
	c.closes.Add(1)
	return nil
}

func proxyReturning(value any) *stubBroker {
	return &stubBroker{
		proxyFn: func(context.Context, broker.ServiceRpcDescriptor, *broker.ServiceActivationOptions) (any, error) {
			return value, nil
		},
	}
}

func TestSequentialFirstMatchWins(t *testing.T) {
	second := &closeCounter{}
	agg := NewSequential(proxyReturning(nil), proxyReturning("winner"), proxyReturning(second))
	defer agg.Close()

	proxy, err := agg.GetProxy(context.Background(), calcDescriptor, nil)
	require.NoError(t, err)
	assert.Equal(t, "winner", proxy)
	assert.Zero(t, second.closes.Load())
}

func TestSequentialAllMissesIsNotAnError(t *testing.T) {
	agg := NewSequential(proxyReturning(nil), proxyReturning(nil))
	defer agg.Close()

	proxy, err := agg.GetProxy(context.Background(), calcDescriptor, nil)
	require.NoError(t, err)
	assert.Nil(t, proxy)
}

func TestSequentialStopsOnError(t *testing.T) {
	boom := fmt.Errorf("boom")
	failing := &stubBroker{
		proxyFn: func(context.Context, broker.ServiceRpcDescriptor, *broker.ServiceActivationOptions) (any, error) {
			return nil, boom
		},
	}

	agg := NewSequential(failing, proxyReturning("unreachable"))
	defer agg.Close()

	_, err := agg.GetProxy(context.Background(), calcDescriptor, nil)
	assert.ErrorIs(t, err, boom)
}

func TestParallelSingleMatch(t *testing.T) {
	agg := NewParallel(proxyReturning(nil), proxyReturning("only"))
	defer agg.Close()

	proxy, err := agg.GetProxy(context.Background(), calcDescriptor, nil)
	require.NoError(t, err)
	assert.Equal(t, "only", proxy)
}

func TestParallelTooManyMatchesDisposesAllAndFails(t *testing.T) {
	first := &closeCounter{}
	second := &closeCounter{}

	agg := NewParallel(proxyReturning(first), proxyReturning(second))
	defer agg.Close()

	_, err := agg.GetProxy(context.Background(), calcDescriptor, nil)
	require.Error(t, err)

	var composition *errors.ServiceCompositionError
	require.ErrorAs(t, err, &composition)
	assert.Contains(t, composition.Error(), "calculator")

	assert.Equal(t, int32(1), first.closes.Load())
	assert.Equal(t, int32(1), second.closes.Load())
}

func TestParallelRunsInnerBrokersConcurrently(t *testing.T) {
	slow := func(context.Context, broker.ServiceRpcDescriptor, *broker.ServiceActivationOptions) (any, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	}

	agg := NewParallel(&stubBroker{proxyFn: slow}, &stubBroker{proxyFn: slow}, &stubBroker{proxyFn: slow})
	defer agg.Close()

	start := time.Now()
	_, err := agg.GetProxy(context.Background(), calcDescriptor, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 140*time.Millisecond)
}

func TestLazyConstructsInnerOnce(t *testing.T) {
	var constructions atomic.Int32
	inner := proxyReturning("lazy result")

	agg := NewLazy(func(context.Context) (broker.ServiceBroker, error) {
		constructions.Add(1)
		return inner, nil
	})
	defer agg.Close()

	for i := 0; i < 3; i++ {
		proxy, err := agg.GetProxy(context.Background(), calcDescriptor, nil)
		require.NoError(t, err)
		assert.Equal(t, "lazy result", proxy)
	}

	assert.Equal(t, int32(1), constructions.Load())
}

func TestLazyFactoryErrorPropagates(t *testing.T) {
	boom := fmt.Errorf("construction failed")
	agg := NewLazy(func(context.Context) (broker.ServiceBroker, error) {
		return nil, boom
	})
	defer agg.Close()

	_, err := agg.GetProxy(context.Background(), calcDescriptor, nil)
	assert.ErrorIs(t, err, boom)
}

func TestForceMarshalRoutesProxyThroughPipe(t *testing.T) {
	inner := &stubBroker{
		pipeFn: func(context.Context, broker.ServiceMoniker, *broker.ServiceActivationOptions) (io.ReadWriteCloser, error) {
			clientEnd, serviceEnd := net.Pipe()
			_, err := calcDescriptor.ConstructServer(serviceEnd, pipeCalc{})
			if err != nil {
				return nil, err
			}
			return clientEnd, nil
		},
	}

	agg := NewForceMarshal(inner)
	defer agg.Close()

	proxy, err := agg.GetProxy(context.Background(), calcDescriptor, nil)
	require.NoError(t, err)

	caller, ok := proxy.(rpc.Caller)
	require.True(t, ok)
	defer caller.Close()

	var sum float64
	require.NoError(t, caller.Invoke(context.Background(), "add", map[string]float64{"a": 2, "b": 3}, &sum))
	assert.Equal(t, float64(5), sum)
}

func TestForceMarshalMissStaysNil(t *testing.T) {
	agg := NewForceMarshal(&stubBroker{})
	defer agg.Close()

	proxy, err := agg.GetProxy(context.Background(), calcDescriptor, nil)
	require.NoError(t, err)
	assert.Nil(t, proxy)
}

func TestNonDisposableHidesClose(t *testing.T) {
	inner := proxyReturning("proxy")
	agg := NewNonDisposable(inner)

	var asBroker broker.ServiceBroker = agg
	_, isCloser := asBroker.(io.Closer)
	assert.False(t, isCloser)

	proxy, err := agg.GetProxy(context.Background(), calcDescriptor, nil)
	require.NoError(t, err)
	assert.Equal(t, "proxy", proxy)
}

func TestAggregatorsForwardAvailabilityWithSelfAsSender(t *testing.T) {
	inner := &stubBroker{}
	agg := NewSequential(inner)
	defer agg.Close()

	var sender any
	var got broker.BrokeredServicesChangedArgs
	agg.OnAvailabilityChanged(func(s any, args broker.BrokeredServicesChangedArgs) {
		sender, got = s, args
	})

	args := broker.BrokeredServicesChangedArgs{ImpactedServices: []broker.ServiceMoniker{broker.NewServiceMoniker("calculator")}}
	inner.event.Raise(inner, args)

	assert.Same(t, agg, sender)
	assert.Equal(t, args, got)
}

func TestCloseUnsubscribesFromInnerBrokers(t *testing.T) {
	inner := &stubBroker{}
	agg := NewSequential(inner)

	fired := 0
	agg.OnAvailabilityChanged(func(any, broker.BrokeredServicesChangedArgs) { fired++ })

	require.NoError(t, agg.Close())
	inner.event.Raise(inner, broker.BrokeredServicesChangedArgs{OtherServicesImpacted: true})

	assert.Zero(t, fired)
}

type pipeCalc struct{}

func (pipeCalc) RegisterRPCMethods(conn *rpc.Conn) {
	conn.Handle("add", func(_ context.Context, decode func(any) error) (any, error) {
		var in struct {
			A float64 `json:"a"`
			B float64 `json:"b"`
		}
		if err := decode(&in); err != nil {
			return nil, err
		}
		return in.A + in.B, nil
	})
}
