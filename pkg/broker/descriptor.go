package broker

import (
	"context"
	"io"
)

// Formatter selects how RPC messages are encoded on the wire.
type Formatter string

const (
	// FormatterUTF8JSON is human-readable UTF-8 JSON.
	FormatterUTF8JSON Formatter = "utf8Json"
	// FormatterMessagePack is the compact binary form.
	FormatterMessagePack Formatter = "messagePack"
)

// MessageDelimiter selects how RPC messages are framed on the wire.
type MessageDelimiter string

const (
	// DelimiterBigEndianInt32 prefixes each message with a big-endian 32-bit
	// length.
	DelimiterBigEndianInt32 MessageDelimiter = "bigEndianInt32LengthHeader"
	// DelimiterHTTPLikeHeaders frames each message with HTTP-like headers.
	DelimiterHTTPLikeHeaders MessageDelimiter = "httpLikeHeaders"
)

/*
ServiceRpcDescriptor identifies one logical service contract and knows how to
stand up the RPC runtime on either end of a duplex pipe. Implementations are
immutable values; reshaping helpers return fresh copies.
*/
type ServiceRpcDescriptor interface {
	// Moniker returns the identity of the described service.
	Moniker() ServiceMoniker

	// Protocol names the RPC protocol, e.g. "json-rpc".
	Protocol() string

	// ConstructProxy builds a client proxy over the pipe. When options carry
	// a ClientRPCTarget, the descriptor also exposes that target to the
	// service for callbacks. The returned proxy is owned by the caller and
	// is disposed by closing it when it implements io.Closer.
	ConstructProxy(ctx context.Context, pipe io.ReadWriteCloser, options *ServiceActivationOptions) (any, error)

	// ConstructServer hosts target as the service on the other half of a
	// pipe. Closing the returned value tears the connection down.
	ConstructServer(pipe io.ReadWriteCloser, target any) (io.Closer, error)
}
