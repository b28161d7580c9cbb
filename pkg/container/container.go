/*
Package container is the process-local service registry a host owns. It
maps monikers to registrations carrying an audience mask, indexes proffered
sources by where they run, and exposes the whole graph through views that
enforce visibility and credential policy per consumer.
*/
package container

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/brokerhub/brokerhub-go/pkg/async"
	"github.com/brokerhub/brokerhub-go/pkg/broker"
)

// Audience is the bit-set of architectural positions a service is exposed
// to, or that a consumer occupies.
type Audience uint32

const (
	AudienceNone Audience = 0x0
	// AudienceProcess covers consumers inside the hosting process.
	AudienceProcess Audience = 0x1
	// AudienceLocal covers all same-machine consumers, the hosting process
	// included.
	AudienceLocal Audience = 0x3
	// AudienceGuest covers consumers joined from another machine without
	// full trust.
	AudienceGuest Audience = 0x4

	AudienceAllClients Audience = AudienceLocal | AudienceGuest
)

// Overlaps reports whether the two masks share any position.
func (a Audience) Overlaps(other Audience) bool {
	return a&other != 0
}

// ServiceSource identifies where a proffered service runs relative to the
// container.
type ServiceSource int

const (
	// SourceSameProcess services are activated by a factory inside the
	// hosting process.
	SourceSameProcess ServiceSource = iota
	// SourceOtherProcess services live in another process on this machine.
	SourceOtherProcess
	// SourceTrustedServer services come from a remote broker with full
	// trust.
	SourceTrustedServer
	// SourceUntrustedServer services come from a remote broker serving
	// guest content.
	SourceUntrustedServer
)

func (s ServiceSource) String() string {
	switch s {
	case SourceSameProcess:
		return "sameProcess"
	case SourceOtherProcess:
		return "otherProcess"
	case SourceTrustedServer:
		return "trustedServer"
	case SourceUntrustedServer:
		return "untrustedServer"
	default:
		return "unknown"
	}
}

/*
ServiceFactory activates a service implementation in-process. The provided
service broker is a full-access view of the container so services can
consume their own dependencies.
*/
type ServiceFactory func(ctx context.Context, moniker broker.ServiceMoniker, options *broker.ServiceActivationOptions, serviceBroker broker.ServiceBroker) (any, error)

/*
ServiceRegistration declares a service's visibility before any source for
it exists. The optional proffer callback runs at most once, on first
demand, and typically proffers the actual factory or broker.
*/
type ServiceRegistration struct {
	// Audience is the mask of consumer positions the service is exposed to.
	Audience Audience

	// AllowGuestClients must additionally be set for guest consumers to see
	// the service at all.
	AllowGuestClients bool

	// ProfferCallback, when non-nil, is invoked once before the first
	// activation attempt. Concurrent first requests share one invocation.
	ProfferCallback func(ctx context.Context) error
}

type registration struct {
	ServiceRegistration
	proffered *async.Lazy[struct{}]
}

// ensureProffered runs the registration's callback exactly once.
func (r *registration) ensureProffered(ctx context.Context) error {
	if r.proffered == nil {
		return nil
	}
	_, err := r.proffered.Get(ctx)
	return err
}

type factoryEntry struct {
	descriptor broker.ServiceRpcDescriptor
	factory    ServiceFactory
}

/*
Container holds the registrations and proffered sources of one host
process. It is not itself a service broker; consumers go through a view,
which carries their audience and credential policy.
*/
type Container struct {
	logger *log.Logger
	event  broker.AvailabilityEvent

	mu            sync.Mutex
	registrations map[broker.ServiceMoniker]*registration
	factories     map[broker.ServiceMoniker]factoryEntry
	brokers       map[ServiceSource][]broker.ServiceBroker
	unsubs        []func()
}

// New returns an empty container.
func New(logger *log.Logger) *Container {
	if logger == nil {
		logger = log.Default()
	}
	return &Container{
		logger:        logger,
		registrations: make(map[broker.ServiceMoniker]*registration),
		factories:     make(map[broker.ServiceMoniker]factoryEntry),
		brokers:       make(map[ServiceSource][]broker.ServiceBroker),
	}
}

/*
Register declares a service and its visibility. Registering a moniker again
replaces the earlier declaration; a pending proffer callback of the old
registration is abandoned.
*/
func (c *Container) Register(moniker broker.ServiceMoniker, reg ServiceRegistration) {
	entry := &registration{ServiceRegistration: reg}
	if reg.ProfferCallback != nil {
		entry.proffered = async.NewLazy(func(ctx context.Context) (struct{}, error) {
			return struct{}{}, reg.ProfferCallback(ctx)
		})
	}

	c.mu.Lock()
	c.registrations[moniker] = entry
	c.mu.Unlock()

	c.logger.Debug("service registered", "service", moniker, "audience", reg.Audience)
	c.event.Raise(c, broker.BrokeredServicesChangedArgs{ImpactedServices: []broker.ServiceMoniker{moniker}})
}

/*
ProfferServiceFactory makes a same-process factory the source for its
descriptor's moniker. The service must already be registered, or be
registered before a consumer asks for it. The returned function withdraws
the factory.
*/
func (c *Container) ProfferServiceFactory(descriptor broker.ServiceRpcDescriptor, factory ServiceFactory) func() {
	moniker := descriptor.Moniker()

	c.mu.Lock()
	c.factories[moniker] = factoryEntry{descriptor: descriptor, factory: factory}
	c.mu.Unlock()

	c.logger.Debug("service factory proffered", "service", moniker)
	c.raiseChanged(moniker)

	return func() {
		c.mu.Lock()
		delete(c.factories, moniker)
		c.mu.Unlock()
		c.raiseChanged(moniker)
	}
}

/*
ProfferRemoteBroker adds a whole broker as a source of services. Its
availability events are forwarded to the container's consumers. The
returned function withdraws the broker.
*/
func (c *Container) ProfferRemoteBroker(source ServiceSource, sb broker.ServiceBroker) func() {
	unsub := sb.OnAvailabilityChanged(func(_ any, args broker.BrokeredServicesChangedArgs) {
		c.event.Raise(c, args)
	})

	c.mu.Lock()
	c.brokers[source] = append(c.brokers[source], sb)
	c.unsubs = append(c.unsubs, unsub)
	c.mu.Unlock()

	c.logger.Debug("remote broker proffered", "source", source)
	c.event.Raise(c, broker.BrokeredServicesChangedArgs{OtherServicesImpacted: true})

	return func() {
		unsub()

		c.mu.Lock()
		row := c.brokers[source]
		for i, candidate := range row {
			if candidate == sb {
				c.brokers[source] = append(row[:i:i], row[i+1:]...)
				break
			}
		}
		c.mu.Unlock()

		c.event.Raise(c, broker.BrokeredServicesChangedArgs{OtherServicesImpacted: true})
	}
}

func (c *Container) raiseChanged(moniker broker.ServiceMoniker) {
	c.event.Raise(c, broker.BrokeredServicesChangedArgs{ImpactedServices: []broker.ServiceMoniker{moniker}})
}

func (c *Container) lookup(moniker broker.ServiceMoniker) *registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registrations[moniker]
}

// sources returns the broker row for one source, snapshot under the lock.
func (c *Container) sources(source ServiceSource) []broker.ServiceBroker {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.brokers[source]
	out := make([]broker.ServiceBroker, len(row))
	copy(out, row)
	return out
}

func (c *Container) factory(moniker broker.ServiceMoniker) (factoryEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.factories[moniker]
	return entry, ok
}

// Close detaches from every proffered broker. The brokers themselves are
// owned by whoever proffered them.
func (c *Container) Close() error {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	return nil
}
