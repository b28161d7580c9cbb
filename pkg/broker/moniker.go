/*
Package broker defines the identity types and contracts of the brokered
service graph: monikers, descriptors, activation options, the connection
negotiation types of the broker protocol, and the ServiceBroker /
RemoteServiceBroker interfaces everything else composes.
*/
package broker

import (
	"fmt"
	"strings"
)

/*
ServiceMoniker is the stable identity of a service contract. Name is
required; Version is free-form and matched exactly. Two monikers with the
same name and different versions identify distinct services.
*/
type ServiceMoniker struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// NewServiceMoniker returns an unversioned moniker for name.
func NewServiceMoniker(name string) ServiceMoniker {
	return ServiceMoniker{Name: name}
}

// NewVersionedServiceMoniker returns a moniker pinned to an exact version.
func NewVersionedServiceMoniker(name, version string) ServiceMoniker {
	return ServiceMoniker{Name: name, Version: version}
}

// IsValid reports whether the moniker carries the required name.
func (m ServiceMoniker) IsValid() bool {
	return m.Name != ""
}

// String renders the moniker as "name" or "name@version".
func (m ServiceMoniker) String() string {
	if m.Version == "" {
		return m.Name
	}
	return m.Name + "@" + m.Version
}

// ParseServiceMoniker is the inverse of String. The version, when present,
// follows the last '@' so that names containing '@' still round-trip as long
// as they were produced by String.
func ParseServiceMoniker(s string) (ServiceMoniker, error) {
	if s == "" {
		return ServiceMoniker{}, fmt.Errorf("service moniker must not be empty")
	}

	if idx := strings.LastIndex(s, "@"); idx > 0 {
		return ServiceMoniker{Name: s[:idx], Version: s[idx+1:]}, nil
	}

	return ServiceMoniker{Name: s}, nil
}
