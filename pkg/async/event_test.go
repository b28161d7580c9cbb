package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventDeliversToSubscribers(t *testing.T) {
	event := NewEvent[int](nil)

	var mu sync.Mutex
	var got []int
	event.Subscribe(func(_ context.Context, args int) error {
		mu.Lock()
		got = append(got, args)
		mu.Unlock()
		return nil
	})

	event.Raise(1)
	event.Raise(2)
	event.Drain()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, got)
}

func TestEventUnsubscribeStopsDelivery(t *testing.T) {
	event := NewEvent[int](nil)

	calls := 0
	unsub := event.Subscribe(func(context.Context, int) error {
		calls++
		return nil
	})

	event.Raise(1)
	event.Drain()
	unsub()
	event.Raise(2)
	event.Drain()

	assert.Equal(t, 1, calls)
}

func TestEventHandlersNeverOverlap(t *testing.T) {
	event := NewEvent[int](nil)

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0

	event.Subscribe(func(_ context.Context, _ int) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})

	for i := 0; i < 5; i++ {
		event.Raise(i)
	}
	event.Drain()

	assert.Equal(t, 1, maxInFlight)
}

func TestEventNewRaiseCancelsPreviousDrain(t *testing.T) {
	event := NewEvent[int](nil)

	started := make(chan struct{})
	canceled := make(chan struct{})

	event.Subscribe(func(ctx context.Context, args int) error {
		if args == 1 {
			close(started)
			select {
			case <-ctx.Done():
				close(canceled)
			case <-time.After(2 * time.Second):
			}
		}
		return nil
	})

	event.Raise(1)
	<-started
	event.Raise(2)

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("previous drain was never canceled")
	}

	event.Drain()
}

func TestEventRaiseDoesNotBlockRaiser(t *testing.T) {
	event := NewEvent[int](nil)

	release := make(chan struct{})
	event.Subscribe(func(context.Context, int) error {
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		event.Raise(1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Raise blocked on handler execution")
	}

	close(release)
	event.Drain()
	require.True(t, true)
}
