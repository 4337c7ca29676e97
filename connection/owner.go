package connection

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/liuxd6825/pwclient/listener"
	"github.com/liuxd6825/pwclient/protocol"
	"github.com/liuxd6825/pwclient/wait"
)

// Object is the local proxy of a remote object.
type Object interface {
	Owner() *ChannelOwner
}

// Factory builds the proxy for a newly created remote object. It runs on
// the reader goroutine before the object becomes addressable, which is
// the only time event handlers may be registered on o.
type Factory func(o *ChannelOwner) (Object, error)

// EventHandler decodes and handles the params of an event. It runs on the
// reader goroutine and must not block.
type EventHandler func(params []byte) error

// ChannelOwner is the addressable half of a remote object proxy. It knows
// its place in the object tree, sends requests on behalf of the proxy and
// delivers the object's events.
type ChannelOwner struct {
	conn        *Connection
	parent      *ChannelOwner
	guid        string
	typ         string
	initializer json.RawMessage
	object      Object
	events      *listener.Registry
	handlers    map[string]EventHandler

	// guarded by the registry lock
	children map[string]*ChannelOwner

	mu        sync.Mutex
	disposed  error
	watcherID uint64
	watchers  map[uint64]func(error)
	onDispose []func(error)
}

func newChannelOwner(c *Connection, parent *ChannelOwner, typ, guid string, init []byte) *ChannelOwner {
	return &ChannelOwner{
		conn:        c,
		parent:      parent,
		guid:        guid,
		typ:         typ,
		initializer: json.RawMessage(init),
		events:      listener.NewRegistry(c.logger),
		handlers:    make(map[string]EventHandler),
		children:    make(map[string]*ChannelOwner),
		watchers:    make(map[uint64]func(error)),
	}
}

// GUID returns the engine assigned identifier.
func (o *ChannelOwner) GUID() string { return o.guid }

// Type returns the remote type name, e.g. "Page".
func (o *ChannelOwner) Type() string { return o.typ }

// Parent returns the owner this object was created under. It's nil for
// the connection root.
func (o *ChannelOwner) Parent() *ChannelOwner { return o.parent }

// Connection returns the connection the object lives on.
func (o *ChannelOwner) Connection() *Connection { return o.conn }

// Initializer returns the initial state sent with __create__.
func (o *ChannelOwner) Initializer() json.RawMessage { return o.initializer }

// Object returns the proxy built for this owner, or nil if its type has no
// registered factory.
func (o *ChannelOwner) Object() Object { return o.object }

// Events returns the listener registry events of this object are
// delivered to.
func (o *ChannelOwner) Events() *listener.Registry { return o.events }

// Children returns the objects currently owned by o.
func (o *ChannelOwner) Children() []*ChannelOwner {
	o.conn.registry.mu.Lock()
	defer o.conn.registry.mu.Unlock()

	children := make([]*ChannelOwner, 0, len(o.children))
	for _, ch := range o.children {
		children = append(children, ch)
	}
	return children
}

// Handle registers the handler of an event. It may only be called from a
// Factory.
func (o *ChannelOwner) Handle(method string, h EventHandler) {
	o.handlers[method] = h
}

// Err returns why the object was disposed, or nil while it's alive.
func (o *ChannelOwner) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disposed
}

// IsDisposed reports whether the object was disposed.
func (o *ChannelOwner) IsDisposed() bool {
	return o.Err() != nil
}

// OnDispose registers fn to be called with the cause once the object is
// disposed. fn runs on the goroutine disposing the object.
func (o *ChannelOwner) OnDispose(fn func(error)) {
	o.mu.Lock()
	if o.disposed == nil {
		o.onDispose = append(o.onDispose, fn)
		o.mu.Unlock()
		return
	}
	cause := o.disposed
	o.mu.Unlock()
	fn(cause)
}

// SendAsync sends a request addressed to this object.
func (o *ChannelOwner) SendAsync(ctx context.Context, method string, params any) *wait.Waitable[json.RawMessage] {
	if err := o.Err(); err != nil {
		return wait.Rejected[json.RawMessage](err)
	}
	return o.conn.Send(ctx, o.guid, method, params)
}

// Send sends a request addressed to this object and waits for its reply.
func (o *ChannelOwner) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return o.SendAsync(ctx, method, params).Get(ctx)
}

// SendNoReply sends a request without waiting for the reply. A failure is
// only logged.
func (o *ChannelOwner) SendNoReply(ctx context.Context, method string, params any) {
	o.SendAsync(ctx, method, params).Then(func(_ json.RawMessage, err error) {
		if err != nil {
			o.conn.logger.Debugf("connection:send", "%s.%s without reply failed: %v", o.typ, method, err)
		}
	})
}

// Watch binds w to the lifetime of o: if o is disposed while w is still
// pending, w fails with the cause of the disposal, a *DetachedError or a
// *DisconnectedError.
func Watch[T any](o *ChannelOwner, w *wait.Waitable[T]) *wait.Waitable[T] {
	remove, err := o.addWatcher(func(cause error) { w.Reject(cause) })
	if err != nil {
		w.Reject(err)
		return w
	}
	w.OnRelease(remove)

	return w
}

func (o *ChannelOwner) addWatcher(fn func(error)) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.disposed != nil {
		return nil, o.disposed
	}
	o.watcherID++
	id := o.watcherID
	o.watchers[id] = fn

	return func() {
		o.mu.Lock()
		delete(o.watchers, id)
		o.mu.Unlock()
	}, nil
}

// HandleObject registers the handler of an event whose params reference
// another object at path, e.g. {"page": {"guid": "page@1"}}.
func HandleObject[T Object](o *ChannelOwner, method, path string, fn func(T)) {
	o.Handle(method, func(params []byte) error {
		guid, ok := protocol.GUIDRef(params, path)
		if !ok {
			return &ProtocolError{GUID: o.guid, Method: method, Err: errMissingRef(path)}
		}
		v, err := Get[T](o.conn, guid)
		if err != nil {
			return err
		}
		fn(v)
		return nil
	})
}

// dispatch delivers an event to its handler, or to the listeners of the
// event if no handler is registered.
func (o *ChannelOwner) dispatch(method string, params []byte) error {
	if h, ok := o.handlers[method]; ok {
		return h(params)
	}
	if len(params) == 0 {
		params = []byte("{}")
	}
	return o.events.Notify(method, json.RawMessage(params))
}

// markDisposed is called with the registry lock held.
func (o *ChannelOwner) markDisposed(cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed == nil {
		o.disposed = cause
	}
}

// release fails the waitables watching o and runs the dispose hooks.
func (o *ChannelOwner) release() {
	o.mu.Lock()
	cause := o.disposed
	watchers := o.watchers
	hooks := o.onDispose
	o.watchers = make(map[uint64]func(error))
	o.onDispose = nil
	o.mu.Unlock()

	for _, fn := range watchers {
		fn(cause)
	}
	for _, fn := range hooks {
		fn(cause)
	}
}
