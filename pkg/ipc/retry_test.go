package ipc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryDelayGrowsLinearlyAndSaturates(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, DefaultRetryDelay(1))
	assert.Equal(t, 500*time.Millisecond, DefaultRetryDelay(5))
	assert.Equal(t, 5*time.Second, DefaultRetryDelay(50))
	assert.Equal(t, 5*time.Second, DefaultRetryDelay(1000))
}

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxRetries: 5, Delay: func(int) time.Duration { return time.Millisecond }}

	err := policy.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyExhaustsRetries(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxRetries: 2, Delay: func(int) time.Duration { return time.Millisecond }}

	boom := fmt.Errorf("boom")
	err := policy.Execute(context.Background(), func(context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	policy := RetryPolicy{MaxRetries: 100, Delay: func(int) time.Duration { return 10 * time.Millisecond }}
	err := policy.Execute(ctx, func(context.Context) error {
		cancel()
		return fmt.Errorf("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicyHonorsMaxDuration(t *testing.T) {
	policy := RetryPolicy{
		MaxDuration: 20 * time.Millisecond,
		MaxRetries:  1000,
		Delay:       func(int) time.Duration { return 15 * time.Millisecond },
	}

	start := time.Now()
	err := policy.Execute(context.Background(), func(context.Context) error {
		return fmt.Errorf("always")
	})

	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
