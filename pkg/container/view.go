package container

import (
	"context"
	"io"
	"maps"
	"net"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
	"github.com/brokerhub/brokerhub-go/pkg/errors"
)

// CredentialPolicy selects how a view's credentials combine with the ones a
// request carries.
type CredentialPolicy int

const (
	// RequestOverridesDefault keeps caller-supplied credentials when any are
	// present and fills in the view's otherwise.
	RequestOverridesDefault CredentialPolicy = iota

	// FilterOverridesRequest always replaces caller credentials with the
	// view's, which is what an untrusted consumer gets.
	FilterOverridesRequest
)

/*
View is the service broker a particular consumer sees: the container's
services filtered by audience and stamped with the view's credential
policy.
*/
type View struct {
	c           *Container
	audience    Audience
	credentials map[string]string
	policy      CredentialPolicy
}

// GetFullAccessServiceBroker returns the view the hosting process itself
// consumes services through. Nothing is filtered.
func (c *Container) GetFullAccessServiceBroker() *View {
	return &View{c: c, audience: AudienceProcess, policy: RequestOverridesDefault}
}

// NewView returns a broker scoped to the given consumer audience,
// decorating requests with credentials per the policy.
func (c *Container) NewView(audience Audience, credentials map[string]string, policy CredentialPolicy) *View {
	return &View{
		c:           c,
		audience:    audience,
		credentials: maps.Clone(credentials),
		policy:      policy,
	}
}

func (v *View) isGuest() bool {
	return v.audience.Overlaps(AudienceGuest)
}

// searchOrder lists the sources to try, in order. Local consumers prefer
// remote sources so a shared workspace service wins over a private local
// fallback; guests never leave the machine.
func (v *View) searchOrder() []ServiceSource {
	if v.isGuest() {
		return []ServiceSource{SourceSameProcess, SourceOtherProcess}
	}
	return []ServiceSource{SourceTrustedServer, SourceUntrustedServer, SourceSameProcess, SourceOtherProcess}
}

func (v *View) applyCredentialPolicy(options *broker.ServiceActivationOptions) *broker.ServiceActivationOptions {
	opts := options.Clone()

	switch v.policy {
	case FilterOverridesRequest:
		opts.ClientCredentials = maps.Clone(v.credentials)
	default:
		if len(opts.ClientCredentials) == 0 {
			opts.ClientCredentials = maps.Clone(v.credentials)
		}
	}

	return opts
}

// admit checks registration and audience, returning the registration when
// the service is visible. A missing registration is a miss, not an error.
func (v *View) admit(ctx context.Context, moniker broker.ServiceMoniker) (*registration, error) {
	reg := v.c.lookup(moniker)
	if reg == nil {
		v.c.logger.Debug("service is not registered locally", "service", moniker)
		return nil, nil
	}

	if !reg.Audience.Overlaps(v.audience) || (v.isGuest() && !reg.AllowGuestClients) {
		return nil, &errors.ServiceCompositionError{
			Message: "service " + moniker.String() + " is not exposed to this audience",
		}
	}

	if err := reg.ensureProffered(ctx); err != nil {
		return nil, &errors.ServiceActivationFailedError{Service: moniker.String(), Err: err}
	}

	return reg, nil
}

/*
GetProxy implements broker.ServiceBroker. Sources are tried in audience
order; the first one that produces a service wins. A same-process factory
hands its object back directly, with no RPC connection in between.
*/
func (v *View) GetProxy(ctx context.Context, descriptor broker.ServiceRpcDescriptor, options *broker.ServiceActivationOptions) (any, error) {
	moniker := descriptor.Moniker()

	reg, err := v.admit(ctx, moniker)
	if err != nil || reg == nil {
		return nil, err
	}

	opts := v.applyCredentialPolicy(options)

	for _, source := range v.searchOrder() {
		if source == SourceSameProcess {
			entry, ok := v.c.factory(moniker)
			if !ok {
				continue
			}

			service, err := entry.factory(ctx, moniker, opts, v.c.GetFullAccessServiceBroker())
			if err != nil {
				return nil, &errors.ServiceActivationFailedError{Service: moniker.String(), Err: err}
			}
			if service != nil {
				return service, nil
			}
			continue
		}

		for _, sb := range v.c.sources(source) {
			proxy, err := sb.GetProxy(ctx, descriptor, opts)
			if err != nil {
				return nil, err
			}
			if proxy != nil {
				return proxy, nil
			}
		}
	}

	v.c.logger.Debug("no source produced the service", "service", moniker)
	return nil, nil
}

/*
GetPipe implements broker.ServiceBroker. A same-process factory is bridged
through an in-memory duplex pair with the registered descriptor hosting the
service end.
*/
func (v *View) GetPipe(ctx context.Context, moniker broker.ServiceMoniker, options *broker.ServiceActivationOptions) (io.ReadWriteCloser, error) {
	reg, err := v.admit(ctx, moniker)
	if err != nil || reg == nil {
		return nil, err
	}

	opts := v.applyCredentialPolicy(options)
	// A pipe crosses an in-memory boundary at least; local-only references
	// must not travel with it.
	opts.ClientRPCTarget = nil

	for _, source := range v.searchOrder() {
		if source == SourceSameProcess {
			entry, ok := v.c.factory(moniker)
			if !ok {
				continue
			}

			pipe, err := v.servePipe(ctx, entry, moniker, opts)
			if err != nil {
				return nil, err
			}
			if pipe != nil {
				return pipe, nil
			}
			continue
		}

		for _, sb := range v.c.sources(source) {
			pipe, err := sb.GetPipe(ctx, moniker, opts)
			if err != nil {
				return nil, err
			}
			if pipe != nil {
				return pipe, nil
			}
		}
	}

	v.c.logger.Debug("no source produced the service", "service", moniker)
	return nil, nil
}

func (v *View) servePipe(ctx context.Context, entry factoryEntry, moniker broker.ServiceMoniker, opts *broker.ServiceActivationOptions) (io.ReadWriteCloser, error) {
	service, err := entry.factory(ctx, moniker, opts, v.c.GetFullAccessServiceBroker())
	if err != nil {
		return nil, &errors.ServiceActivationFailedError{Service: moniker.String(), Err: err}
	}
	if service == nil {
		return nil, nil
	}

	clientEnd, serviceEnd := net.Pipe()
	if _, err := entry.descriptor.ConstructServer(serviceEnd, service); err != nil {
		_ = clientEnd.Close()
		_ = serviceEnd.Close()
		if closer, ok := service.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, &errors.ServiceActivationFailedError{Service: moniker.String(), Err: err}
	}

	return clientEnd, nil
}

func (v *View) OnAvailabilityChanged(handler broker.AvailabilityChangedHandler) func() {
	return v.c.event.Subscribe(handler)
}

var _ broker.ServiceBroker = (*View)(nil)
