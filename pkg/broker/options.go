package broker

import (
	"maps"

	"github.com/brokerhub/brokerhub-go/pkg/mux"
)

/*
ServiceActivationOptions is the serializable bag of request parameters that
accompanies every service request. The ClientRPCTarget and
MultiplexingSession fields are local-only: they never travel on the wire and
are ignored by Equal.
*/
type ServiceActivationOptions struct {
	// ActivationArguments are free-form arguments interpreted by the service
	// factory.
	ActivationArguments map[string]string `json:"activationArguments,omitempty"`

	// ClientCredentials identify and authorize the consumer on whose behalf
	// the request is made.
	ClientCredentials map[string]string `json:"clientCredentials,omitempty"`

	// ClientCulture and ClientUICulture carry the consumer's locale so a
	// service can localize its results.
	ClientCulture   string `json:"clientCulture,omitempty"`
	ClientUICulture string `json:"clientUICulture,omitempty"`

	// ClientRPCTarget is the local object that receives callbacks from the
	// service, when the descriptor declares a client contract. Only usable
	// when the service is activated in-process.
	ClientRPCTarget any `json:"-"`

	// MultiplexingSession lets a relay hand the shared stream to the final
	// broker without serializing it. Recursive relay chains clear it before
	// forwarding to a truly remote broker.
	MultiplexingSession *mux.Session `json:"-"`
}

// Clone returns a copy that shares no mutable state with the original apart
// from the non-serializable references.
func (o *ServiceActivationOptions) Clone() *ServiceActivationOptions {
	if o == nil {
		return &ServiceActivationOptions{}
	}

	clone := *o
	clone.ActivationArguments = maps.Clone(o.ActivationArguments)
	clone.ClientCredentials = maps.Clone(o.ClientCredentials)
	return &clone
}

// Equal compares the serializable fields only.
func (o *ServiceActivationOptions) Equal(other *ServiceActivationOptions) bool {
	if o == nil || other == nil {
		return o == other
	}

	return maps.Equal(o.ActivationArguments, other.ActivationArguments) &&
		maps.Equal(o.ClientCredentials, other.ClientCredentials) &&
		o.ClientCulture == other.ClientCulture &&
		o.ClientUICulture == other.ClientUICulture
}
