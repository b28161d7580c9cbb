/*
Package ipc abstracts the platform's one-to-one bidirectional byte stream:
named pipes at \\.\pipe\<name> on Windows, Unix-domain sockets under the
temp directory elsewhere. It provides a server with an error-tolerant accept
loop and a CPU-friendly client-side connect-with-retry.
*/
package ipc

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/brokerhub/brokerhub-go/pkg/metrics"
)

// OnConnect handles one accepted client. Invocations are strictly
// sequential per server and never run on the accept goroutine. The handler
// owns the connection.
type OnConnect func(ctx context.Context, conn net.Conn) error

// ServerOptions tune pipe server behavior.
type ServerOptions struct {
	// OneClientOnly closes the listener after the first acceptance; later
	// connection attempts are refused.
	OneClientOnly bool

	// CurrentUserOnly restricts the pipe to the user the process runs as.
	// On Windows this applies a security descriptor; on POSIX the socket
	// file is created mode 0600 inside the caller's temp directory.
	CurrentUserOnly bool

	// Metrics, when non-nil, accumulates accept and dispatch counters.
	Metrics *metrics.ConnectionMetrics

	Logger *log.Logger
}

/*
Server listens on a named pipe or Unix-domain socket and dispatches accepted
clients to an OnConnect callback, one at a time. I/O failures during accept
tear down and rebind the listener rather than killing the loop.
*/
type Server struct {
	name   string
	addr   string
	opts   ServerOptions
	logger *log.Logger

	onConnect OnConnect
	conns     chan net.Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener

	closeOnce sync.Once
	done      chan struct{}
}

// RandomPipeName returns a pipe name that is unique with overwhelming
// probability, suitable for one-shot relay channels.
func RandomPipeName() string {
	return "brokerhub-" + uuid.NewString()
}

// NewServer binds a pipe with the given name (a fresh random name when
// empty) and begins accepting. The returned server is already live.
func NewServer(name string, onConnect OnConnect, opts *ServerOptions) (*Server, error) {
	if name == "" {
		name = RandomPipeName()
	}
	if opts == nil {
		opts = &ServerOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	listener, addr, err := listenPipe(name, opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		name:      name,
		addr:      addr,
		opts:      *opts,
		logger:    logger,
		onConnect: onConnect,
		conns:     make(chan net.Conn),
		ctx:       ctx,
		cancel:    cancel,
		listener:  listener,
		done:      make(chan struct{}),
	}

	go s.acceptLoop()
	go s.dispatchLoop()

	return s, nil
}

// Addr returns the full platform address clients connect to.
func (s *Server) Addr() string { return s.addr }

// Name returns the bare pipe name.
func (s *Server) Name() string { return s.name }

func (s *Server) acceptLoop() {
	for {
		s.mu.Lock()
		listener := s.listener
		s.mu.Unlock()

		if listener == nil {
			return
		}

		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}

			s.opts.Metrics.RecordAccept(false)

			// A client may disconnect between connect and accept; rebind
			// and keep serving.
			s.logger.Warn("pipe accept failed; rebinding", "pipe", s.name, "errorType", errorKind(err), "error", err)

			listener.Close()
			rebound, _, rebindErr := listenPipe(s.name, &s.opts)
			if rebindErr != nil {
				s.logger.Error("pipe rebind failed; server stopping", "pipe", s.name, "error", rebindErr)
				s.Close()
				return
			}

			s.mu.Lock()
			s.listener = rebound
			s.mu.Unlock()
			continue
		}

		s.opts.Metrics.RecordAccept(true)

		if s.opts.OneClientOnly {
			listener.Close()
			s.mu.Lock()
			s.listener = nil
			s.mu.Unlock()
		}

		select {
		case s.conns <- conn:
		case <-s.ctx.Done():
			conn.Close()
			return
		}

		if s.opts.OneClientOnly {
			return
		}
	}
}

// dispatchLoop yields to this worker before invoking OnConnect so handler
// work never blocks acceptance, while invocations stay sequential.
func (s *Server) dispatchLoop() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case conn := <-s.conns:
			started := time.Now()
			err := s.onConnect(s.ctx, conn)
			s.opts.Metrics.RecordDispatch(err == nil, time.Since(started))
			if err != nil {
				s.logger.Warn("pipe connection handler failed", "pipe", s.name, "error", err)
			}
			if s.opts.OneClientOnly {
				return
			}
		}
	}
}

// Close stops accepting and releases the listener. In-flight handler work
// is signaled through its context.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
			s.listener = nil
		}
		s.mu.Unlock()
	})
	return nil
}

// errorKind buckets an error for histograms and logs.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case isNotFound(err):
		return "notFound"
	default:
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return "timeout"
		}
		if strings.Contains(err.Error(), "refused") {
			return "refused"
		}
		return "io"
	}
}
