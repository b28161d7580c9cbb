package disposal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerhub/brokerhub-go/pkg/errors"
)

func TestBagDisposesInInsertionOrder(t *testing.T) {
	bag := NewBag(nil)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		bag.AddFunc(func() error {
			order = append(order, i)
			return nil
		})
	}

	require.NoError(t, bag.Close())
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestBagCloseIsIdempotent(t *testing.T) {
	bag := NewBag(nil)

	count := 0
	bag.AddFunc(func() error {
		count++
		return nil
	})

	require.NoError(t, bag.Close())
	require.NoError(t, bag.Close())
	assert.Equal(t, 1, count)
}

func TestBagAddAfterCloseDisposesImmediately(t *testing.T) {
	bag := NewBag(nil)
	require.NoError(t, bag.Close())

	disposed := false
	bag.AddFunc(func() error {
		disposed = true
		return nil
	})

	assert.True(t, disposed)
}

func TestBagTryAddAfterCloseKeepsOwnership(t *testing.T) {
	bag := NewBag(nil)
	require.NoError(t, bag.Close())

	disposed := false
	ok := bag.TryAdd(CloserFunc(func() error {
		disposed = true
		return nil
	}))

	assert.False(t, ok)
	assert.False(t, disposed)
}

func TestBagAggregatesFailures(t *testing.T) {
	bag := NewBag(nil)

	bag.AddFunc(func() error { return fmt.Errorf("first") })
	bag.AddFunc(func() error { return nil })
	bag.AddFunc(func() error { return fmt.Errorf("second") })

	err := bag.Close()
	require.Error(t, err)

	var aggregate *errors.AggregateError
	require.ErrorAs(t, err, &aggregate)
	assert.Len(t, aggregate.Errs, 2)
}

func TestBagSingleFailureStaysUnwrapped(t *testing.T) {
	bag := NewBag(nil)

	boom := fmt.Errorf("boom")
	bag.AddFunc(func() error { return boom })
	bag.AddFunc(func() error { return nil })

	assert.Equal(t, boom, bag.Close())
}
