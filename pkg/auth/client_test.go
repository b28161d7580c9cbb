package auth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerhub/brokerhub-go/pkg/errors"
)

// scriptedService counts upstream calls and answers from a fixed table.
type scriptedService struct {
	mu       sync.Mutex
	verdicts map[string]bool
	creds    map[string]string

	checkCalls atomic.Int32
	credsCalls atomic.Int32

	authChanged  handlerSet
	credsChanged handlerSet
}

func newScriptedService() *scriptedService {
	return &scriptedService{
		verdicts: make(map[string]bool),
		creds:    map[string]string{"token": "initial"},
	}
}

func (s *scriptedService) key(op ProtectedOperation) string {
	if op.TrustLevel == nil {
		return op.Moniker
	}
	return fmt.Sprintf("%s#%d", op.Moniker, *op.TrustLevel)
}

func (s *scriptedService) allow(op ProtectedOperation) {
	s.mu.Lock()
	s.verdicts[s.key(op)] = true
	s.mu.Unlock()
}

func (s *scriptedService) deny(op ProtectedOperation) {
	s.mu.Lock()
	s.verdicts[s.key(op)] = false
	s.mu.Unlock()
}

func (s *scriptedService) CheckAuthorization(_ context.Context, op ProtectedOperation) (bool, error) {
	s.checkCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verdicts[s.key(op)], nil
}

func (s *scriptedService) GetCredentials(context.Context) (map[string]string, error) {
	s.credsCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.creds))
	for k, v := range s.creds {
		out[k] = v
	}
	return out, nil
}

func (s *scriptedService) OnAuthorizationChanged(handler func()) func() {
	return s.authChanged.subscribe(handler)
}

func (s *scriptedService) OnCredentialsChanged(handler func()) func() {
	return s.credsChanged.subscribe(handler)
}

func TestClientCachesExactVerdicts(t *testing.T) {
	service := newScriptedService()
	op := NewProtectedOperation("calculator")
	service.allow(op)

	c := NewClient(service, nil)
	defer c.Close()

	for i := 0; i < 3; i++ {
		approved, err := c.CheckAuthorization(context.Background(), op)
		require.NoError(t, err)
		assert.True(t, approved)
	}

	assert.Equal(t, int32(1), service.checkCalls.Load())
}

func TestApprovedSupersetAnswersSubsetQueries(t *testing.T) {
	service := newScriptedService()
	strong := NewProtectedOperation("calculator").WithTrustLevel(10)
	service.allow(strong)

	c := NewClient(service, nil)
	defer c.Close()

	approved, err := c.CheckAuthorization(context.Background(), strong)
	require.NoError(t, err)
	require.True(t, approved)

	// A weaker requirement on the same moniker is answered from cache.
	weak := NewProtectedOperation("calculator").WithTrustLevel(3)
	approved, err = c.CheckAuthorization(context.Background(), weak)
	require.NoError(t, err)
	assert.True(t, approved)
	assert.Equal(t, int32(1), service.checkCalls.Load())
}

func TestDeniedSubsetAnswersSupersetQueries(t *testing.T) {
	service := newScriptedService()
	weak := NewProtectedOperation("calculator").WithTrustLevel(3)
	service.deny(weak)

	c := NewClient(service, nil)
	defer c.Close()

	approved, err := c.CheckAuthorization(context.Background(), weak)
	require.NoError(t, err)
	require.False(t, approved)

	// If the weak form is denied, the strong form cannot pass either.
	strong := NewProtectedOperation("calculator").WithTrustLevel(10)
	approved, err = c.CheckAuthorization(context.Background(), strong)
	require.NoError(t, err)
	assert.False(t, approved)
	assert.Equal(t, int32(1), service.checkCalls.Load())
}

func TestUnrelatedMonikersDoNotShareVerdicts(t *testing.T) {
	service := newScriptedService()
	service.allow(NewProtectedOperation("calculator"))

	c := NewClient(service, nil)
	defer c.Close()

	_, err := c.CheckAuthorization(context.Background(), NewProtectedOperation("calculator"))
	require.NoError(t, err)
	_, err = c.CheckAuthorization(context.Background(), NewProtectedOperation("echo"))
	require.NoError(t, err)

	assert.Equal(t, int32(2), service.checkCalls.Load())
}

func TestAuthorizationChangedClearsVerdicts(t *testing.T) {
	service := newScriptedService()
	op := NewProtectedOperation("calculator")
	service.allow(op)

	c := NewClient(service, nil)
	defer c.Close()

	approved, err := c.CheckAuthorization(context.Background(), op)
	require.NoError(t, err)
	require.True(t, approved)

	service.deny(op)
	service.authChanged.fire()

	approved, err = c.CheckAuthorization(context.Background(), op)
	require.NoError(t, err)
	assert.False(t, approved)
	assert.Equal(t, int32(2), service.checkCalls.Load())
}

func TestCredentialsAreFetchedOnceUntilRotated(t *testing.T) {
	service := newScriptedService()
	c := NewClient(service, nil)
	defer c.Close()

	creds, err := c.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "initial", creds["token"])

	_, err = c.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), service.credsCalls.Load())

	service.mu.Lock()
	service.creds["token"] = "rotated"
	service.mu.Unlock()
	service.credsChanged.fire()

	creds, err = c.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rotated", creds["token"])
	assert.Equal(t, int32(2), service.credsCalls.Load())
}

func TestAuthorizeOrFail(t *testing.T) {
	service := newScriptedService()
	service.allow(NewProtectedOperation("calculator"))

	c := NewClient(service, nil)
	defer c.Close()

	require.NoError(t, c.AuthorizeOrFail(context.Background(), NewProtectedOperation("calculator")))

	err := c.AuthorizeOrFail(context.Background(), NewProtectedOperation("secrets"))
	var unauthorized *errors.UnauthorizedError
	assert.ErrorAs(t, err, &unauthorized)
}

func TestIsSupersetOf(t *testing.T) {
	plain := NewProtectedOperation("op")
	low := NewProtectedOperation("op").WithTrustLevel(1)
	high := NewProtectedOperation("op").WithTrustLevel(9)
	other := NewProtectedOperation("other")

	// Absent trust level is the widest grant.
	assert.True(t, plain.IsSupersetOf(low))
	assert.True(t, plain.IsSupersetOf(high))
	assert.True(t, plain.IsSupersetOf(plain))

	assert.True(t, high.IsSupersetOf(low))
	assert.False(t, low.IsSupersetOf(high))
	assert.False(t, low.IsSupersetOf(plain))
	assert.False(t, plain.IsSupersetOf(other))
}
