/*
Package rpc is the RPC runtime the broker graph delegates to: given a duplex
byte stream and a descriptor it yields a client proxy, and it can host a
local target on the other half. The engine is a small frame-based JSON-RPC
2.0 conversation; it is deliberately not a full framework.
*/
package rpc

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/brokerhub/brokerhub-go/pkg/errors"
)

/*
Caller is the generic invocation surface of a proxy. Typed adapters wrap a
Caller to expose a service contract as ordinary methods.
*/
type Caller interface {
	// Invoke calls a remote method and decodes its result into result when
	// result is non-nil.
	Invoke(ctx context.Context, method string, params any, result any) error

	// Notify sends a fire-and-forget notification.
	Notify(method string, params any) error

	Close() error
}

// Target is implemented by objects that serve RPC methods. Registration is
// an explicit method map, not reflection.
type Target interface {
	RegisterRPCMethods(conn *Conn)
}

// Method handles one RPC method. decode unmarshals the request parameters
// into the given value.
type Method func(ctx context.Context, decode func(into any) error) (any, error)

type message struct {
	JSONRPC string                        `json:"jsonrpc,omitempty" msgpack:"jsonrpc,omitempty"`
	ID      *uint64                       `json:"id,omitempty" msgpack:"id,omitempty"`
	Method  string                        `json:"method,omitempty" msgpack:"method,omitempty"`
	Params  any                           `json:"params,omitempty" msgpack:"params,omitempty"`
	Result  any                           `json:"result,omitempty" msgpack:"result,omitempty"`
	Error   *errors.RemoteInvocationError `json:"error,omitempty" msgpack:"error,omitempty"`
}

/*
Conn drives a JSON-RPC conversation over one duplex pipe. Both halves may
invoke and serve methods, which is what duplex service contracts with client
callbacks rely on.
*/
type Conn struct {
	pipe      io.ReadWriteCloser
	framer    Framer
	marshaler Marshaler
	logger    *log.Logger

	writeMu sync.Mutex
	reader  *bufio.Reader

	handlersMu sync.RWMutex
	handlers   map[string]Method

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan *message

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	onClose   []func(error)
	started   bool
}

// NewConn wraps pipe in an RPC connection. Register handlers before Start.
func NewConn(pipe io.ReadWriteCloser, framer Framer, marshaler Marshaler, logger *log.Logger) *Conn {
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Conn{
		pipe:      pipe,
		framer:    framer,
		marshaler: marshaler,
		logger:    logger,
		reader:    bufio.NewReader(pipe),
		handlers:  make(map[string]Method),
		pending:   make(map[uint64]chan *message),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Handle registers a method handler. Handlers registered after Start are
// picked up by subsequent requests.
func (c *Conn) Handle(method string, handler Method) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[method] = handler
}

// Start begins the read loop. It is idempotent.
func (c *Conn) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.readLoop()
}

func (c *Conn) readLoop() {
	for {
		payload, err := c.framer.ReadFrame(c.reader)
		if err != nil {
			c.closeWith(err)
			return
		}

		var msg message
		if err := c.marshaler.Unmarshal(payload, &msg); err != nil {
			c.logger.Warn("discarding undecodable rpc frame", "error", err)
			continue
		}

		switch {
		case msg.Method != "":
			go c.dispatch(&msg)
		case msg.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			if ok {
				delete(c.pending, *msg.ID)
			}
			c.mu.Unlock()

			if ok {
				ch <- &msg
			}
		default:
			c.logger.Warn("discarding rpc frame with neither method nor id")
		}
	}
}

func (c *Conn) dispatch(msg *message) {
	c.handlersMu.RLock()
	handler, ok := c.handlers[msg.Method]
	c.handlersMu.RUnlock()

	if !ok {
		if msg.ID != nil {
			c.reply(msg.ID, nil, errors.ErrMethodNotFound.WithMessagef("method %q not found", msg.Method))
		}
		return
	}

	decode := func(into any) error {
		if msg.Params == nil {
			return nil
		}
		raw, err := c.marshaler.Marshal(msg.Params)
		if err != nil {
			return err
		}
		return c.marshaler.Unmarshal(raw, into)
	}

	result, err := handler(c.ctx, decode)

	if msg.ID == nil {
		if err != nil {
			c.logger.Warn("rpc notification handler failed", "method", msg.Method, "error", err)
		}
		return
	}

	if err != nil {
		c.reply(msg.ID, nil, asRemoteError(err))
		return
	}
	c.reply(msg.ID, result, nil)
}

// asRemoteError wraps a raw failure into the remote-invocation shape so
// local and remote services present the same error surface.
func asRemoteError(err error) *errors.RemoteInvocationError {
	if remote, ok := err.(*errors.RemoteInvocationError); ok {
		return remote
	}
	return &errors.RemoteInvocationError{Code: -32000, Message: err.Error()}
}

func (c *Conn) reply(id *uint64, result any, rpcErr *errors.RemoteInvocationError) {
	msg := &message{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	if err := c.write(msg); err != nil {
		c.logger.Warn("rpc reply failed", "error", err)
	}
}

func (c *Conn) write(msg *message) error {
	payload, err := c.marshaler.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.framer.WriteFrame(c.pipe, payload)
}

// Invoke calls a remote method and waits for its response.
func (c *Conn) Invoke(ctx context.Context, method string, params any, result any) error {
	select {
	case <-c.done:
		return &errors.ObjectDisposedError{Name: "rpc connection"}
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan *message, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	msg := &message{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := c.write(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()

		select {
		case <-c.done:
			return &errors.ObjectDisposedError{Name: "rpc connection"}
		default:
			return err
		}
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.done:
		return &errors.ObjectDisposedError{Name: "rpc connection"}
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && resp.Result != nil {
			// Round-trip the decoded result into the caller's shape.
			raw, err := c.marshaler.Marshal(resp.Result)
			if err != nil {
				return err
			}
			return c.marshaler.Unmarshal(raw, result)
		}
		return nil
	}
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(method string, params any) error {
	select {
	case <-c.done:
		return &errors.ObjectDisposedError{Name: "rpc connection"}
	default:
	}

	return c.write(&message{JSONRPC: "2.0", Method: method, Params: params})
}

// OnClose registers fn to run when the connection shuts down, with the
// error that ended it (nil for a local Close).
func (c *Conn) OnClose(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		go fn(c.closeErr)
	default:
		c.onClose = append(c.onClose, fn)
	}
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) closeWith(cause error) {
	c.closeOnce.Do(func() {
		if stderrors.Is(cause, io.EOF) {
			cause = nil
		}

		c.mu.Lock()
		c.closeErr = cause
		callbacks := c.onClose
		c.onClose = nil
		pending := c.pending
		c.pending = make(map[uint64]chan *message)
		c.mu.Unlock()

		c.cancel()
		c.pipe.Close()
		close(c.done)

		// Pending calls observe disposal through done; dropping their
		// channels here just unblocks any late responses.
		_ = pending

		for _, fn := range callbacks {
			fn(cause)
		}
	})
}

func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

var _ Caller = (*Conn)(nil)

// IsConnClosed reports whether err came from invoking a disposed conn.
func IsConnClosed(err error) bool {
	var disposed *errors.ObjectDisposedError
	return stderrors.As(err, &disposed)
}
