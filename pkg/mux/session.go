/*
Package mux wraps a shared duplex stream in a session of numbered
sub-channels. A relay offers services by opening a fresh sub-channel per
request and sending its id through the broker protocol; the consumer accepts
exactly that channel and treats it as an ordinary duplex pipe.
*/
package mux

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/yamux"

	"github.com/brokerhub/brokerhub-go/pkg/errors"
)

// Session multiplexes sub-channels over one underlying duplex stream.
type Session struct {
	sess   *yamux.Session
	logger *log.Logger

	mu       sync.Mutex
	inbound  map[uint64]net.Conn
	arrived  chan struct{}
	accepter sync.Once
	closed   bool
}

// NewSession wraps stream in a multiplexing session. Exactly one side of the
// stream must pass server=true.
func NewSession(stream io.ReadWriteCloser, server bool, logger *log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.Default()
	}

	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard

	var (
		sess *yamux.Session
		err  error
	)

	if server {
		sess, err = yamux.Server(stream, cfg)
	} else {
		sess, err = yamux.Client(stream, cfg)
	}

	if err != nil {
		return nil, err
	}

	return &Session{
		sess:    sess,
		logger:  logger,
		inbound: make(map[uint64]net.Conn),
		arrived: make(chan struct{}),
	}, nil
}

// Open allocates a new sub-channel and returns it with its id. The peer
// learns the id out of band and accepts the channel with it.
func (s *Session) Open(ctx context.Context) (net.Conn, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	stream, err := s.sess.OpenStream()
	if err != nil {
		return nil, 0, err
	}

	return stream, uint64(stream.StreamID()), nil
}

// Accept waits for the peer to open the sub-channel with the given id.
func (s *Session) Accept(ctx context.Context, id uint64) (net.Conn, error) {
	s.startAccepter()

	for {
		s.mu.Lock()
		if conn, ok := s.inbound[id]; ok {
			delete(s.inbound, id)
			s.mu.Unlock()
			return conn, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, &errors.ObjectDisposedError{Name: "multiplexing session"}
		}
		arrived := s.arrived
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-arrived:
		}
	}
}

// AcceptAny waits for the next inbound sub-channel regardless of id. It is
// how a relay picks up the connection that carries the broker protocol
// itself.
func (s *Session) AcceptAny(ctx context.Context) (net.Conn, uint64, error) {
	type result struct {
		stream *yamux.Stream
		err    error
	}

	done := make(chan result, 1)
	go func() {
		stream, err := s.sess.AcceptStream()
		done <- result{stream, err}
	}()

	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, 0, r.err
		}
		return r.stream, uint64(r.stream.StreamID()), nil
	}
}

// startAccepter launches the background loop that files inbound channels by
// id. It is started lazily so that AcceptAny callers can drain the raw
// stream order themselves.
func (s *Session) startAccepter() {
	s.accepter.Do(func() {
		go func() {
			for {
				stream, err := s.sess.AcceptStream()
				if err != nil {
					s.mu.Lock()
					s.closed = true
					close(s.arrived)
					s.mu.Unlock()
					return
				}

				s.logger.Debug("accepted multiplexing sub-channel", "id", stream.StreamID())

				s.mu.Lock()
				s.inbound[uint64(stream.StreamID())] = stream
				close(s.arrived)
				s.arrived = make(chan struct{})
				s.mu.Unlock()
			}
		}()
	})
}

// IsClosed reports whether the underlying session has shut down.
func (s *Session) IsClosed() bool {
	return s.sess.IsClosed()
}

func (s *Session) Close() error {
	return s.sess.Close()
}
