package relay

import (
	"context"
	"io"
	"net"

	"github.com/charmbracelet/log"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
	"github.com/brokerhub/brokerhub-go/pkg/disposal"
	"github.com/brokerhub/brokerhub-go/pkg/ipc"
	"github.com/brokerhub/brokerhub-go/pkg/mux"
	"github.com/brokerhub/brokerhub-go/pkg/remote"
)

// HostOptions tune a relay host.
type HostOptions struct {
	// OneClientOnly stops listening after the first consumer connects.
	OneClientOnly bool

	// CurrentUserOnly restricts the pipe to the hosting user.
	CurrentUserOnly bool

	Logger *log.Logger
}

/*
HostOnPipe serves the broker protocol on the named pipe, giving each
connecting consumer its own IPC relay over inner. Consumers are served one
at a time; a host expecting a single consumer should set OneClientOnly.
Closing the returned server stops accepting; the live conversation runs
until its connection drops.
*/
func HostOnPipe(name string, inner broker.ServiceBroker, opts *HostOptions) (*ipc.Server, error) {
	if opts == nil {
		opts = &HostOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return ipc.NewServer(name, func(ctx context.Context, conn net.Conn) error {
		r := NewIPCRelay(inner, logger)

		serving, err := remote.ServeBrokerOnPipe(conn, r, logger)
		if err != nil {
			_ = r.Close()
			_ = conn.Close()
			return err
		}

		// The handler owns the connection; hold it until the consumer
		// hangs up, then unwind the relay's reservations.
		select {
		case <-serving.Done():
		case <-ctx.Done():
		}
		_ = serving.Close()
		return r.Close()
	}, &ipc.ServerOptions{
		OneClientOnly:   opts.OneClientOnly,
		CurrentUserOnly: opts.CurrentUserOnly,
		Logger:          logger,
	})
}

/*
HostOnStream treats stream as the server side of a shared multiplexed
stream: it accepts the consumer's first sub-channel and serves the broker
protocol over it, answering service requests with further sub-channels of
the same session. The stream is owned by the returned closer.
*/
func HostOnStream(ctx context.Context, stream io.ReadWriteCloser, inner broker.ServiceBroker, logger *log.Logger) (io.Closer, error) {
	if logger == nil {
		logger = log.Default()
	}

	session, err := mux.NewSession(stream, true, logger)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}

	brokerChannel, _, err := session.AcceptAny(ctx)
	if err != nil {
		_ = session.Close()
		return nil, err
	}

	r := NewMuxRelay(inner, session, logger)

	serving, err := remote.ServeBrokerOnPipe(brokerChannel, r, logger)
	if err != nil {
		_ = r.Close()
		_ = session.Close()
		return nil, err
	}

	bag := disposal.NewBag(logger)
	bag.Add(serving)
	bag.Add(r)
	bag.Add(session)
	return bag, nil
}
