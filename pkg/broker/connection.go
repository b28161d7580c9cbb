package broker

import (
	"runtime"

	"github.com/google/uuid"
)

// ConnectionKinds is the bit-set of transports a broker client can consume.
type ConnectionKinds uint32

const (
	ConnectionNone ConnectionKinds = 0x0
	// ConnectionIPCPipe is a named pipe or Unix-domain socket.
	ConnectionIPCPipe ConnectionKinds = 0x1
	// ConnectionMultiplexing is a sub-channel of a shared multiplexed stream.
	ConnectionMultiplexing ConnectionKinds = 0x2
	// ConnectionLocalActivation activates the service inside the client
	// process from a named activation record.
	ConnectionLocalActivation ConnectionKinds = 0x4
)

// HasFlag reports whether all kinds in flag are present.
func (k ConnectionKinds) HasFlag(flag ConnectionKinds) bool {
	return k&flag == flag
}

/*
LocalActivationInfo names a service implementation the client can activate in
its own process.
*/
type LocalActivationInfo struct {
	AssemblyPath string `json:"assemblyPath"`
	FullTypeName string `json:"fullTypeName"`
}

/*
RemoteServiceConnectionInfo answers a service channel request. At most one
instruction field is set. An empty value means the service is unavailable and
nothing was reserved; if any instruction is present and the client will not
consume it, the client must cancel the request by id.
*/
type RemoteServiceConnectionInfo struct {
	RequestID             *uuid.UUID           `json:"requestId,omitempty"`
	MultiplexingChannelID *uint64              `json:"multiplexingChannelId,omitempty"`
	PipeName              string               `json:"pipeName,omitempty"`
	LocalActivation       *LocalActivationInfo `json:"clrActivation,omitempty"`
}

// IsEmpty reports whether no connection instruction is present.
func (info RemoteServiceConnectionInfo) IsEmpty() bool {
	return info.MultiplexingChannelID == nil && info.PipeName == "" && info.LocalActivation == nil
}

// IsOneOf reports whether the carried instruction is among the supported
// connection kinds.
func (info RemoteServiceConnectionInfo) IsOneOf(kinds ConnectionKinds) bool {
	switch {
	case info.MultiplexingChannelID != nil:
		return kinds.HasFlag(ConnectionMultiplexing)
	case info.PipeName != "":
		return kinds.HasFlag(ConnectionIPCPipe)
	case info.LocalActivation != nil:
		return kinds.HasFlag(ConnectionLocalActivation)
	default:
		return true
	}
}

/*
ServiceHostInformation describes the client's own hosting capabilities so the
remote side can decide whether a service may be offloaded to the client for
in-process activation.
*/
type ServiceHostInformation struct {
	OperatingSystem     string `json:"operatingSystem"`
	ProcessArchitecture string `json:"processArchitecture"`
	Runtime             string `json:"runtime"`
	RuntimeVersion      string `json:"runtimeVersion"`
}

// LocalServiceHostInformation describes the calling process.
func LocalServiceHostInformation() ServiceHostInformation {
	return ServiceHostInformation{
		OperatingSystem:     runtime.GOOS,
		ProcessArchitecture: runtime.GOARCH,
		Runtime:             "go",
		RuntimeVersion:      runtime.Version(),
	}
}

/*
ClientMetadata is transmitted once per remote broker connection during the
handshake.
*/
type ClientMetadata struct {
	SupportedConnections ConnectionKinds         `json:"supportedConnections"`
	LocalServiceHost     *ServiceHostInformation `json:"localServiceHost,omitempty"`
}
