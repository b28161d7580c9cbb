package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
)

/*
ActivatorFunc builds a service implementation inside the client process.
The returned value is handed to the consumer directly, without an RPC
connection in between; if it implements io.Closer the consumer owns it.
*/
type ActivatorFunc func(ctx context.Context, moniker broker.ServiceMoniker, options *broker.ServiceActivationOptions) (any, error)

var (
	activatorsMu sync.RWMutex
	activators   = make(map[string]ActivatorFunc)
)

/*
RegisterActivator makes fn available for local activation answers naming
fullTypeName. The returned function removes the registration. Registering
the same name twice replaces the earlier activator.
*/
func RegisterActivator(fullTypeName string, fn ActivatorFunc) func() {
	activatorsMu.Lock()
	activators[fullTypeName] = fn
	activatorsMu.Unlock()

	return func() {
		activatorsMu.Lock()
		defer activatorsMu.Unlock()
		delete(activators, fullTypeName)
	}
}

func activate(ctx context.Context, info *broker.LocalActivationInfo, moniker broker.ServiceMoniker, options *broker.ServiceActivationOptions) (any, error) {
	activatorsMu.RLock()
	fn, ok := activators[info.FullTypeName]
	activatorsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no activator is registered for %q", info.FullTypeName)
	}

	return fn(ctx, moniker, options)
}
