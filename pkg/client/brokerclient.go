/*
Package client provides ServiceBrokerClient, a rental-counted cache of
service proxies keyed by service identity and contract. Consumers that
would otherwise re-activate a service per call share one proxy, and
invalidation stays coherent with the broker's availability events.
*/
package client

import (
	"context"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/brokerhub/brokerhub-go/pkg/async"
	"github.com/brokerhub/brokerhub-go/pkg/broker"
	"github.com/brokerhub/brokerhub-go/pkg/errors"
)

type cacheKey struct {
	moniker  broker.ServiceMoniker
	contract string
}

type entry struct {
	key  cacheKey
	lazy *async.Lazy[any]
}

/*
ServiceBrokerClient caches proxies constructed through an underlying
service broker. Rentals are the only safe way to use a cached proxy across
suspension points: while a rental is alive its proxy cannot be disposed out
from under the holder, even if the entry is invalidated meanwhile.
*/
type ServiceBrokerClient struct {
	broker broker.ServiceBroker
	logger *log.Logger

	sem         *semaphore.Weighted
	invalidated *async.Event[broker.BrokeredServicesChangedArgs]
	unsub       func()

	mu      sync.Mutex
	closed  bool
	cache   map[cacheKey]*entry
	rentals map[*entry]int
	stale   map[*entry]struct{}
}

// New wraps sb in a proxy cache. The broker is borrowed, not owned.
func New(sb broker.ServiceBroker, logger *log.Logger) *ServiceBrokerClient {
	if logger == nil {
		logger = log.Default()
	}

	c := &ServiceBrokerClient{
		broker:      sb,
		logger:      logger,
		sem:         semaphore.NewWeighted(1),
		invalidated: async.NewEvent[broker.BrokeredServicesChangedArgs](logger),
		cache:       make(map[cacheKey]*entry),
		rentals:     make(map[*entry]int),
		stale:       make(map[*entry]struct{}),
	}

	c.unsub = sb.OnAvailabilityChanged(func(_ any, args broker.BrokeredServicesChangedArgs) {
		c.invalidate(args)
	})

	return c
}

// Rental pins a cached proxy while alive. Close returns the rental; the
// proxy itself must never be disposed by the holder.
type Rental struct {
	client *ServiceBrokerClient
	entry  *entry
	proxy  any
	once   sync.Once
}

// Proxy returns the rented proxy, which is nil iff the underlying factory
// returned nil.
func (r *Rental) Proxy() any { return r.proxy }

// Close releases the rental. The proxy is disposed once the entry has been
// invalidated and no rentals remain.
func (r *Rental) Close() error {
	r.once.Do(func() {
		r.client.release(r.entry)
	})
	return nil
}

func descriptorContract(descriptor broker.ServiceRpcDescriptor) string {
	if keyed, ok := descriptor.(interface{ CacheKey() string }); ok {
		return keyed.CacheKey()
	}
	return descriptor.Protocol()
}

/*
GetProxy returns a rental of the cached proxy for the descriptor,
constructing it through the underlying broker on first use. Concurrent
calls with the same key share one construction and receive the same proxy
instance for as long as the entry stays current.
*/
func (c *ServiceBrokerClient) GetProxy(ctx context.Context, descriptor broker.ServiceRpcDescriptor, options *broker.ServiceActivationOptions) (*Rental, error) {
	key := cacheKey{moniker: descriptor.Moniker(), contract: descriptorContract(descriptor)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &errors.ObjectDisposedError{Name: "service broker client"}
	}

	e, ok := c.cache[key]
	if !ok {
		e = &entry{
			key: key,
			lazy: async.NewLazy(func(ctx context.Context) (any, error) {
				return c.broker.GetProxy(ctx, descriptor, options)
			}),
		}
		c.cache[key] = e
	}
	c.rentals[e]++
	c.mu.Unlock()

	proxy, err := e.lazy.Get(ctx)
	if err != nil {
		// A caller giving up does not doom the shared construction: the
		// entry stays cached, and whatever the factory eventually produces
		// remains owned by the cache. Only a failure of the construction
		// itself evicts the entry so the next request starts over.
		callerGaveUp := ctx.Err() != nil && errors.IsCancellation(err)
		if !callerGaveUp {
			c.mu.Lock()
			if current, ok := c.cache[key]; ok && current == e {
				delete(c.cache, key)
			}
			c.mu.Unlock()
		}

		c.release(e)
		return nil, err
	}

	return &Rental{client: c, entry: e, proxy: proxy}, nil
}

// InvalidationSemaphore serializes callers initializing derived state
// against invalidations. Handlers of the invalidated event run while it is
// held.
func (c *ServiceBrokerClient) InvalidationSemaphore() *semaphore.Weighted {
	return c.sem
}

/*
OnInvalidated subscribes an asynchronous handler to cache invalidations.
Handlers run on a worker, never under the cache's lock, and never
concurrently with a previous invocation; a newer invalidation cancels the
context of the one still running.
*/
func (c *ServiceBrokerClient) OnInvalidated(handler async.EventHandler[broker.BrokeredServicesChangedArgs]) func() {
	return c.invalidated.Subscribe(handler)
}

func (c *ServiceBrokerClient) invalidate(args broker.BrokeredServicesChangedArgs) {
	var abandoned []*entry

	c.mu.Lock()
	for key, e := range c.cache {
		if !args.Impacts(key.moniker) {
			continue
		}

		delete(c.cache, key)

		if c.rentals[e] > 0 {
			c.stale[e] = struct{}{}
		} else {
			abandoned = append(abandoned, e)
		}
	}
	c.mu.Unlock()

	// Disposal happens outside the lock, deferred past any construction
	// still in flight.
	for _, e := range abandoned {
		c.disposeWhenDone(e)
	}

	// Hold the invalidation semaphore across the handler drain so callers
	// serializing on it observe a quiesced cache.
	if err := c.sem.Acquire(context.Background(), 1); err == nil {
		c.invalidated.Raise(args)
		go func() {
			defer c.sem.Release(1)
			c.invalidated.Drain()
		}()
	}
}

// disposeWhenDone disposes an abandoned entry's proxy once its construction
// has finished. A rental that appeared first takes over: the last release
// disposes instead.
func (c *ServiceBrokerClient) disposeWhenDone(e *entry) {
	e.lazy.OnDone(func() {
		c.mu.Lock()
		if c.rentals[e] > 0 {
			c.stale[e] = struct{}{}
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if proxy, ok := e.lazy.Peek(); ok && proxy != nil {
			c.dispose(proxy)
		}
	})
}

func (c *ServiceBrokerClient) release(e *entry) {
	var lastOut bool

	c.mu.Lock()
	c.rentals[e]--
	if c.rentals[e] <= 0 {
		delete(c.rentals, e)
		if _, isStale := c.stale[e]; isStale {
			delete(c.stale, e)
			lastOut = true
		}
	}
	c.mu.Unlock()

	if lastOut {
		c.disposeWhenDone(e)
	}
}

func (c *ServiceBrokerClient) dispose(proxy any) {
	if closer, ok := proxy.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.logger.Warn("disposing cached proxy failed", "error", err)
		}
	}
}

// Close invalidates every entry and stops observing the broker. Rented
// proxies survive until their rentals are returned.
func (c *ServiceBrokerClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.unsub()
	c.invalidate(broker.BrokeredServicesChangedArgs{OtherServicesImpacted: true})
	return nil
}
