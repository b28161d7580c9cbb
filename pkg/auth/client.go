package auth

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/brokerhub/brokerhub-go/pkg/async"
	"github.com/brokerhub/brokerhub-go/pkg/errors"
)

type authCheck struct {
	op       ProtectedOperation
	approved bool
}

/*
Client is a local, coherent cache over an AuthorizationService. Verdicts
are remembered per operation moniker; superset reasoning answers approved
queries and subset reasoning answers denied queries without an upstream
call. Events from the service keep the cache honest.
*/
type Client struct {
	service AuthorizationService
	logger  *log.Logger

	mu     sync.Mutex
	checks map[string][]authCheck
	creds  *async.Lazy[map[string]string]

	unsubs []func()
}

// NewClient wraps service in a verdict cache. The service is borrowed.
func NewClient(service AuthorizationService, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}

	c := &Client{
		service: service,
		logger:  logger,
		checks:  make(map[string][]authCheck),
		creds:   async.NewLazy(service.GetCredentials),
	}

	c.unsubs = append(c.unsubs,
		service.OnAuthorizationChanged(c.clearVerdicts),
		service.OnCredentialsChanged(c.refreshCredentials),
	)

	return c
}

/*
CheckAuthorization answers from the cache when a cached approval covers the
operation or a cached denial is covered by it; otherwise it asks the
service and remembers the verdict.
*/
func (c *Client) CheckAuthorization(ctx context.Context, op ProtectedOperation) (bool, error) {
	c.mu.Lock()
	for _, cached := range c.checks[op.Moniker] {
		if cached.approved && cached.op.IsSupersetOf(op) {
			c.mu.Unlock()
			return true, nil
		}
		if !cached.approved && op.IsSupersetOf(cached.op) {
			c.mu.Unlock()
			return false, nil
		}
	}
	c.mu.Unlock()

	approved, err := c.service.CheckAuthorization(ctx, op)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	duplicate := false
	for _, cached := range c.checks[op.Moniker] {
		if cached.op.Equal(op) {
			duplicate = true
			break
		}
	}
	if !duplicate {
		c.checks[op.Moniker] = append(c.checks[op.Moniker], authCheck{op: op, approved: approved})
	}
	c.mu.Unlock()

	return approved, nil
}

// AuthorizeOrFail turns a denied check into an unauthorized error.
func (c *Client) AuthorizeOrFail(ctx context.Context, op ProtectedOperation) error {
	approved, err := c.CheckAuthorization(ctx, op)
	if err != nil {
		return err
	}
	if !approved {
		return &errors.UnauthorizedError{Reason: "operation " + op.Moniker + " was denied"}
	}
	return nil
}

// GetCredentials returns the last-known credential set, fetching it once.
func (c *Client) GetCredentials(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()

	return creds.Get(ctx)
}

func (c *Client) clearVerdicts() {
	c.mu.Lock()
	c.checks = make(map[string][]authCheck)
	c.mu.Unlock()

	c.logger.Debug("authorization verdict cache cleared")
}

// refreshCredentials swaps in a fresh lazy future; in-flight readers finish
// against the old one.
func (c *Client) refreshCredentials() {
	c.mu.Lock()
	c.creds = async.NewLazy(c.service.GetCredentials)
	c.mu.Unlock()

	c.logger.Debug("client credentials refreshed")
}

// Close stops observing the service. Cached verdicts are dropped.
func (c *Client) Close() error {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.clearVerdicts()
	return nil
}
