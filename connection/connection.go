// Package connection owns the message channel to the automation engine.
// It keeps the tree of remote object proxies in sync with the engine,
// correlates replies with pending requests and delivers events to the
// objects they're addressed to.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/liuxd6825/pwclient/errext"
	"github.com/liuxd6825/pwclient/errext/exitcodes"
	"github.com/liuxd6825/pwclient/listener"
	"github.com/liuxd6825/pwclient/log"
	"github.com/liuxd6825/pwclient/protocol"
	"github.com/liuxd6825/pwclient/transport"
	"github.com/liuxd6825/pwclient/wait"
)

// EventClose is emitted on the connection's listener registry once it is
// closed. Its data is the *DisconnectedError pending requests failed with.
const EventClose = "close"

// RootType is the type of the implicit root object, whose guid is "".
const RootType = "Root"

const tracerName = "github.com/liuxd6825/pwclient/connection"

type pendingReply struct {
	w    *wait.Waitable[json.RawMessage]
	span trace.Span
}

// Connection multiplexes requests, replies and events over a transport.
type Connection struct {
	transport transport.Transport
	logger    *log.Logger
	tracer    trace.Tracer
	factories map[string]Factory

	registry *registry
	root     *ChannelOwner
	events   *listener.Registry

	lastID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]*pendingReply
	closeErr error

	// outbound frames, drained by sendLoop
	outMu  sync.Mutex
	out    *queue.Queue
	outSig chan struct{}

	// callbacks scheduled off the reader goroutine, drained by callbackLoop
	cbMu     sync.Mutex
	cbs      *queue.Queue
	cbSig    chan struct{}
	cbClosed bool

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger. It defaults to a null logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithFactory registers the proxy factory of a remote type.
func WithFactory(typ string, f Factory) Option {
	return func(c *Connection) {
		c.factories[typ] = f
	}
}

// WithFactories registers several proxy factories.
func WithFactories(fs map[string]Factory) Option {
	return func(c *Connection) {
		for typ, f := range fs {
			c.factories[typ] = f
		}
	}
}

// WithTracerProvider traces every request with a span.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Connection) {
		c.tracer = tp.Tracer(tracerName)
	}
}

// New returns a connection over t. Call Start to begin exchanging
// messages.
func New(t transport.Transport, opts ...Option) *Connection {
	c := &Connection{
		transport: t,
		logger:    log.NewNullLogger(),
		tracer:    noop.NewTracerProvider().Tracer(tracerName),
		factories: make(map[string]Factory),
		registry:  newRegistry(),
		pending:   make(map[int64]*pendingReply),
		out:       queue.New(),
		outSig:    make(chan struct{}, 1),
		cbs:       queue.New(),
		cbSig:     make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = listener.NewRegistry(c.logger)
	c.root = newChannelOwner(c, nil, RootType, "", []byte("{}"))
	_ = c.registry.insert(c.root)

	return c
}

// Start launches the reader, writer and callback goroutines. It's safe to
// call more than once.
func (c *Connection) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(3)
		go c.recvLoop()
		go c.sendLoop()
		go c.callbackLoop()
	})
}

// Root returns the root object, the parent of the top level objects.
func (c *Connection) Root() *ChannelOwner { return c.root }

// Events returns the connection's listener registry.
func (c *Connection) Events() *listener.Registry { return c.events }

// Logger returns the connection's logger.
func (c *Connection) Logger() *log.Logger { return c.logger }

// Done returns a channel that's closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Err returns the error requests fail with after the connection closed,
// or nil while it's open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Wait blocks until the connection's goroutines exited. It must not be
// called from an event handler.
func (c *Connection) Wait() {
	c.wg.Wait()
}

// Lookup returns the owner of guid.
func (c *Connection) Lookup(guid string) (*ChannelOwner, error) {
	return c.registry.lookup(guid)
}

// Get returns the proxy of guid as a T.
func Get[T Object](c *Connection, guid string) (T, error) {
	var zero T
	o, err := c.Lookup(guid)
	if err != nil {
		return zero, err
	}
	v, ok := o.Object().(T)
	if !ok {
		return zero, fmt.Errorf("object %q is a %s, not a %T", guid, o.Type(), zero)
	}
	return v, nil
}

// Send sends a request to the object guid. The returned waitable resolves
// with the result of the reply. Releasing it before the reply arrives
// abandons the request; the late reply is then reported and dropped.
func (c *Connection) Send(ctx context.Context, guid, method string, params any) *wait.Waitable[json.RawMessage] {
	raw, err := protocol.MarshalParams(params)
	if err != nil {
		return wait.Rejected[json.RawMessage](&ProtocolError{GUID: guid, Method: method, Err: err})
	}

	id := c.lastID.Add(1)
	_, span := c.tracer.Start(ctx, method, trace.WithAttributes(
		attribute.String("guid", guid),
		attribute.String("method", method),
		attribute.Int64("id", id),
	))

	frame, err := protocol.Encode(&protocol.Message{ID: id, GUID: guid, Method: method, Params: raw})
	if err != nil {
		span.End()
		return wait.Rejected[json.RawMessage](&ProtocolError{GUID: guid, Method: method, Err: err})
	}

	w := wait.New[json.RawMessage]()
	p := &pendingReply{w: w, span: span}

	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return wait.Rejected[json.RawMessage](err)
	}
	c.pending[id] = p
	c.mu.Unlock()

	w.OnRelease(func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()

		if _, err := w.Result(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	})

	c.enqueue(frame)

	return w
}

// Pending returns the number of requests waiting for a reply.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Initialize performs the handshake and returns the object the engine
// names in its reply.
func (c *Connection) Initialize(ctx context.Context, sdkLanguage string) (*ChannelOwner, error) {
	res, err := c.root.Send(ctx, "initialize", map[string]string{"sdkLanguage": sdkLanguage})
	if err != nil {
		return nil, fmt.Errorf("initializing: %w", err)
	}
	guid, ok := protocol.GUIDRef(res, "playwright")
	if !ok {
		return nil, &ProtocolError{Method: "initialize", Err: errMissingRef("playwright")}
	}

	return c.Lookup(guid)
}

// Schedule runs fn on the connection's callback goroutine, in the order
// calls are scheduled. Event handlers use it to run code that may block,
// such as sending requests, without stalling the reader.
func (c *Connection) Schedule(fn func()) {
	c.cbMu.Lock()
	if c.cbClosed {
		c.cbMu.Unlock()
		return
	}
	c.cbs.Add(fn)
	c.cbMu.Unlock()

	select {
	case c.cbSig <- struct{}{}:
	default:
	}
}

// Dispatch processes one inbound message. It's called by the reader
// goroutine, in arrival order.
func (c *Connection) Dispatch(msg *protocol.Message) error {
	if msg.IsReply() {
		return c.dispatchReply(msg)
	}

	switch msg.Method {
	case protocol.MethodCreate:
		return c.create(msg.GUID, msg.Params)
	case protocol.MethodDispose:
		return c.dispose(msg.GUID)
	}

	o, err := c.registry.lookup(msg.GUID)
	if err != nil {
		return &ProtocolError{GUID: msg.GUID, Method: msg.Method, Err: err}
	}
	if err := o.dispatch(msg.Method, msg.Params); err != nil {
		return fmt.Errorf("%s event %s: %w", o.typ, msg.Method, err)
	}

	return nil
}

func (c *Connection) dispatchReply(msg *protocol.Message) error {
	c.mu.Lock()
	p, ok := c.pending[msg.ID]
	c.mu.Unlock()
	if !ok {
		return &ProtocolError{ID: msg.ID, Err: errUnknownReply}
	}

	if msg.Error != nil {
		p.w.Reject(&RemoteError{Name: msg.Error.Name, Message: msg.Error.Message, Stack: msg.Error.Stack})
		return nil
	}
	result := json.RawMessage(msg.Result)
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	p.w.Resolve(result)

	return nil
}

func (c *Connection) create(guid string, params []byte) error {
	cr, err := protocol.ParseCreate(guid, params)
	if err != nil {
		return &ProtocolError{GUID: guid, Method: protocol.MethodCreate, Fatal: true, Err: err}
	}
	parent, err := c.registry.check(cr.ParentGUID, cr.GUID)
	if err != nil {
		return &ProtocolError{GUID: cr.GUID, Method: protocol.MethodCreate, Fatal: true, Err: err}
	}

	o := newChannelOwner(c, parent, cr.Type, cr.GUID, cr.Initializer)
	if f, ok := c.factories[cr.Type]; ok {
		obj, err := f(o)
		if err != nil {
			return &ProtocolError{
				GUID: cr.GUID, Method: protocol.MethodCreate, Fatal: true,
				Err: fmt.Errorf("creating %s: %w", cr.Type, err),
			}
		}
		o.object = obj
	} else {
		c.logger.Debugf("connection:create", "no proxy for type %s, guid:%q", cr.Type, cr.GUID)
	}

	if err := c.registry.insert(o); err != nil {
		return &ProtocolError{GUID: cr.GUID, Method: protocol.MethodCreate, Fatal: true, Err: err}
	}
	c.logger.Tracef("connection:create", "type:%s guid:%q parent:%q", cr.Type, cr.GUID, cr.ParentGUID)

	return nil
}

func (c *Connection) dispose(guid string) error {
	o, err := c.registry.lookup(guid)
	if err != nil {
		return &ProtocolError{GUID: guid, Method: protocol.MethodDispose, Err: err}
	}
	if o == c.root {
		return &ProtocolError{GUID: guid, Method: protocol.MethodDispose, Err: errors.New("the root can't be disposed")}
	}

	removed := c.registry.dispose(o, func(o *ChannelOwner) error {
		return &DetachedError{GUID: o.guid, Type: o.typ}
	})
	c.logger.Tracef("connection:dispose", "guid:%q objects:%d", guid, len(removed))

	return nil
}

// Disconnect closes the connection: every pending request fails with a
// *DisconnectedError carrying reason, the object tree is disposed and the
// transport is closed. It's idempotent.
func (c *Connection) Disconnect(reason string) {
	c.disconnect(reason, nil)
}

// Close disconnects from the engine.
func (c *Connection) Close() error {
	c.disconnect("closed by the client", nil)
	return nil
}

func (c *Connection) disconnect(reason string, cause error) {
	var (
		err     error
		pending []*pendingReply
		won     bool
	)
	c.closeOnce.Do(func() {
		err = &DisconnectedError{Reason: reason, Err: cause}
		if errors.Is(cause, io.EOF) {
			err = errext.WithHint(err, "the engine closed the connection, it may have crashed or been stopped")
		}
		err = errext.WithExitCodeIfNone(err, exitcodes.Disconnected)

		c.mu.Lock()
		c.closeErr = err
		pending = make([]*pendingReply, 0, len(c.pending))
		for _, p := range c.pending {
			pending = append(pending, p)
		}
		c.mu.Unlock()
		close(c.closed)
		won = true
	})
	if !won {
		return
	}

	// The teardown runs user callbacks, which may call Close again.
	c.logger.Debugf("connection:close", "reason:%q pending:%d", reason, len(pending))

	for _, p := range pending {
		p.w.Reject(err)
	}
	c.registry.dispose(c.root, func(*ChannelOwner) error { return err })
	if cerr := c.transport.Close(); cerr != nil {
		c.logger.Debugf("connection:close", "closing transport: %v", cerr)
	}
	if nerr := c.events.Notify(EventClose, err); nerr != nil {
		c.logger.Warnf("connection:close", "%v", nerr)
	}

	c.cbMu.Lock()
	c.cbClosed = true
	c.cbMu.Unlock()
	select {
	case c.cbSig <- struct{}{}:
	default:
	}
}

func (c *Connection) enqueue(frame []byte) {
	c.outMu.Lock()
	c.out.Add(frame)
	c.outMu.Unlock()

	select {
	case c.outSig <- struct{}{}:
	default:
	}
}

func (c *Connection) dequeue() ([]byte, bool) {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	if c.out.Length() == 0 {
		return nil, false
	}
	return c.out.Remove().([]byte), true //nolint:forcetypeassert
}

func (c *Connection) recvLoop() {
	defer c.wg.Done()

	for {
		buf, err := c.transport.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				c.disconnect("transport closed", err)
			} else {
				c.disconnect(fmt.Sprintf("reading: %v", err), err)
			}
			return
		}
		c.logger.Tracef("connection:recv", "<- %s", buf)

		msg, err := protocol.Decode(buf)
		if err != nil {
			c.logger.Errorf("connection:recv", "%v", &ProtocolError{Err: err})
			continue
		}

		if err := c.Dispatch(msg); err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) && perr.Fatal {
				c.logger.Errorf("connection:recv", "%v", err)
				c.disconnect(err.Error(), err)
				return
			}
			c.logger.Warnf("connection:recv", "%v", err)
		}
	}
}

func (c *Connection) sendLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.outSig:
		case <-c.closed:
			return
		}
		for {
			frame, ok := c.dequeue()
			if !ok {
				break
			}
			c.logger.Tracef("connection:send", "-> %s", frame)
			if err := c.transport.Send(frame); err != nil {
				c.disconnect(fmt.Sprintf("writing: %v", err), err)
				return
			}
		}
	}
}

func (c *Connection) callbackLoop() {
	defer c.wg.Done()

	for {
		c.cbMu.Lock()
		var fn func()
		if c.cbs.Length() > 0 {
			fn = c.cbs.Remove().(func()) //nolint:forcetypeassert
		}
		closed := c.cbClosed
		c.cbMu.Unlock()

		if fn != nil {
			c.runCallback(fn)
			continue
		}
		if closed {
			return
		}
		<-c.cbSig
	}
}

func (c *Connection) runCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("connection:callback", "callback panicked: %v", r)
		}
	}()
	fn()
}
