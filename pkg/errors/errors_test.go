package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAggregate(t *testing.T) {
	assert.NoError(t, NewAggregate(nil))
	assert.NoError(t, NewAggregate([]error{nil, nil}))

	single := fmt.Errorf("only failure")
	assert.Same(t, single, NewAggregate([]error{nil, single, nil}))

	first := fmt.Errorf("first")
	second := fmt.Errorf("second")
	err := NewAggregate([]error{first, nil, second})

	var aggregate *AggregateError
	require.ErrorAs(t, err, &aggregate)
	assert.Len(t, aggregate.Errs, 2)
	assert.Contains(t, err.Error(), "2 errors occurred:")

	// Multi-unwrap keeps errors.Is working across members.
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
}

func TestIsCancellation(t *testing.T) {
	assert.True(t, IsCancellation(context.Canceled))
	assert.True(t, IsCancellation(context.DeadlineExceeded))
	assert.True(t, IsCancellation(fmt.Errorf("dial: %w", context.Canceled)))
	assert.False(t, IsCancellation(fmt.Errorf("connection reset")))
	assert.False(t, IsCancellation(nil))
}

func TestActivationFailedUnwraps(t *testing.T) {
	cause := fmt.Errorf("pipe vanished")
	err := &ServiceActivationFailedError{Service: "calculator", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), `"calculator"`)
	assert.Contains(t, err.Error(), "pipe vanished")
}

func TestCompositionErrorMessages(t *testing.T) {
	bare := &ServiceCompositionError{Message: "audience mismatch"}
	assert.Equal(t, "service composition failed: audience mismatch", bare.Error())

	cause := fmt.Errorf("boom")
	wrapped := &ServiceCompositionError{Message: "relay", Err: cause}
	assert.ErrorIs(t, wrapped, cause)
}

func TestTimeoutErrorRendersHistogram(t *testing.T) {
	err := &TimeoutError{
		Operation: "connect to pipe demo",
		Elapsed:   120 * time.Millisecond,
		Attempts:  4,
		Histogram: map[string]int{"refused": 1, "notFound": 3},
	}

	// Kinds render sorted so logs are diffable.
	assert.Equal(t,
		"connect to pipe demo timed out after 4 attempts in 120ms (notFound: 3, refused: 1)",
		err.Error())
}

func TestRemoteInvocationError(t *testing.T) {
	assert.Equal(t, "remote invocation error -32601: Method not found", ErrMethodNotFound.Error())

	custom := ErrInvalidParams.WithMessagef("argument %d is not a number", 2)
	assert.Equal(t, -32602, custom.Code)
	assert.Equal(t, "argument 2 is not a number", custom.Message)
	// The template is untouched.
	assert.Equal(t, "Invalid params", ErrInvalidParams.Message)
}

func TestObjectDisposedIsMatchable(t *testing.T) {
	err := fmt.Errorf("request failed: %w", &ObjectDisposedError{Name: "broker client"})

	var disposed *ObjectDisposedError
	require.True(t, errors.As(err, &disposed))
	assert.Equal(t, "broker client", disposed.Name)
}
