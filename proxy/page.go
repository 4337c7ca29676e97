package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/pwclient/connection"
	"github.com/liuxd6825/pwclient/protocol"
	"github.com/liuxd6825/pwclient/router"
	"github.com/liuxd6825/pwclient/wait"
)

// Page is a browser tab.
type Page struct {
	base
	timeouts      *wait.TimeoutSettings
	routes        *router.Router[*Route]
	mainFrameGUID string

	// set when the page was created with Browser.NewPage
	ownedContext *BrowserContext

	mu       sync.Mutex
	context  *BrowserContext
	bindings map[string]BindingFunc
	closed   bool
}

func newPage(o *connection.ChannelOwner) (connection.Object, error) {
	p := &Page{
		base:     base{owner: o},
		bindings: make(map[string]BindingFunc),
	}
	p.mainFrameGUID, _ = protocol.GUIDRef(o.Initializer(), "mainFrame")

	var parent *wait.TimeoutSettings
	if bc, ok := o.Parent().Object().(*BrowserContext); ok {
		p.context = bc
		parent = bc.timeouts
	}
	p.timeouts = wait.NewTimeoutSettings(parent)
	p.routes = router.New[*Route](func(ctx context.Context, enabled bool) error {
		return setInterception(ctx, o, enabled)
	})

	connection.HandleObject(o, "route", "route", func(r *Route) {
		go p.handleRoute(r)
	})
	connection.HandleObject(o, "bindingCall", "binding", func(call *BindingCall) {
		go p.handleBinding(call)
	})
	o.Handle("close", func([]byte) error {
		p.didClose()
		return nil
	})
	o.OnDispose(func(error) { p.didClose() })

	return p, nil
}

func (p *Page) setContext(bc *BrowserContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.context = bc
}

// Context returns the browser context of the page.
func (p *Page) Context() *BrowserContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.context
}

// MainFrame returns the top level frame.
func (p *Page) MainFrame() (*Frame, error) {
	if p.mainFrameGUID == "" {
		return nil, fmt.Errorf("page %q has no main frame", p.owner.GUID())
	}
	return connection.Get[*Frame](p.owner.Connection(), p.mainFrameGUID)
}

// URL returns the URL of the main frame.
func (p *Page) URL() string {
	f, err := p.MainFrame()
	if err != nil {
		return ""
	}
	return f.URL()
}

// GotoOptions configures a navigation.
type GotoOptions struct {
	// Timeout in milliseconds, 0 disables it.
	Timeout   null.Int
	WaitUntil string
	Referer   string
}

// Goto navigates the main frame to url.
func (p *Page) Goto(ctx context.Context, url string, opts GotoOptions) error {
	f, err := p.MainFrame()
	if err != nil {
		return err
	}
	return f.Goto(ctx, url, opts)
}

// SetDefaultTimeout sets the timeout of every wait on the page.
func (p *Page) SetDefaultTimeout(ctx context.Context, timeout time.Duration) {
	p.timeouts.SetDefaultTimeout(timeout)
	p.owner.SendNoReply(ctx, "setDefaultTimeoutNoReply", map[string]any{"timeout": timeout.Milliseconds()})
}

// SetDefaultNavigationTimeout sets the timeout of navigations of the page.
func (p *Page) SetDefaultNavigationTimeout(ctx context.Context, timeout time.Duration) {
	p.timeouts.SetDefaultNavigationTimeout(timeout)
	p.owner.SendNoReply(ctx, "setDefaultNavigationTimeoutNoReply", map[string]any{"timeout": timeout.Milliseconds()})
}

// Route intercepts the page's requests whose URL m accepts. The returned
// entry identifies this registration for Unroute.
func (p *Page) Route(ctx context.Context, m *router.URLMatcher, h router.Handler[*Route]) (*router.Entry[*Route], error) {
	return p.routes.Add(ctx, m, h)
}

// Unroute removes routes returned by Route.
func (p *Page) Unroute(ctx context.Context, entries ...*router.Entry[*Route]) error {
	return p.routes.Remove(ctx, entries...)
}

// UnrouteAll removes every route added with a matcher equal to m.
func (p *Page) UnrouteAll(ctx context.Context, m *router.URLMatcher) error {
	return p.routes.RemoveMatching(ctx, m)
}

// ExposeBinding makes fn callable from the page under name.
func (p *Page) ExposeBinding(ctx context.Context, name string, fn BindingFunc) error {
	if bc := p.Context(); bc != nil && bc.binding(name) != nil {
		return fmt.Errorf("function %q has been already registered in the browser context", name)
	}

	p.mu.Lock()
	if _, ok := p.bindings[name]; ok {
		p.mu.Unlock()
		return fmt.Errorf("function %q has been already registered", name)
	}
	p.bindings[name] = fn
	p.mu.Unlock()

	if _, err := p.owner.Send(ctx, "exposeBinding", map[string]any{"name": name}); err != nil {
		p.mu.Lock()
		delete(p.bindings, name)
		p.mu.Unlock()
		return fmt.Errorf("exposing %q: %w", name, err)
	}

	return nil
}

func (p *Page) hasBinding(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.bindings[name]
	return ok
}

// On subscribes fn to a page event. It returns a function removing the
// subscription.
func (p *Page) On(event string, fn func(any)) func() {
	sub := p.on(event, fn)
	return func() { p.owner.Events().Remove(sub) }
}

// WaitForEvent waits for the first event accepted by predicate, which may
// be nil. timeout is in milliseconds, 0 disables it.
func (p *Page) WaitForEvent(ctx context.Context, event string, predicate func(any) bool, timeout null.Int) (any, error) {
	return waitForEvent(ctx, &p.base, p.timeouts, event, predicate, timeout)
}

// WaitForClose waits until the page is closed.
func (p *Page) WaitForClose(ctx context.Context, timeout null.Int) error {
	if p.IsClosed() {
		return nil
	}
	_, err := waitForEvent[any](ctx, &p.base, p.timeouts, EventClose, nil, timeout)
	return err
}

// IsClosed reports whether the page was closed.
func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close closes the page, and its context if it was created with
// Browser.NewPage.
func (p *Page) Close(ctx context.Context) error {
	if p.IsClosed() {
		return nil
	}
	if _, err := p.owner.Send(ctx, "close", nil); err != nil && !isSafeCloseError(err) {
		return fmt.Errorf("closing page: %w", err)
	}
	if p.ownedContext != nil {
		return p.ownedContext.Close(ctx)
	}
	return nil
}

func (p *Page) didClose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	bc := p.context
	p.mu.Unlock()

	if bc != nil {
		bc.removePage(p)
	}
	p.emit(EventClose, p)
}

// handleRoute tries the routes of the page, then those of its context.
func (p *Page) handleRoute(r *Route) {
	if p.routes.Dispatch(r) {
		return
	}
	if bc := p.Context(); bc != nil {
		bc.handleRoute(r)
		return
	}
	if err := r.Continue(context.Background(), ContinueOptions{}); err != nil && !isSafeCloseError(err) {
		p.logger().Warnf("proxy:route", "continuing %s: %v", r.URL(), err)
	}
}

func (p *Page) handleBinding(call *BindingCall) {
	p.mu.Lock()
	fn := p.bindings[call.Name()]
	bc := p.context
	p.mu.Unlock()

	if fn == nil && bc != nil {
		fn = bc.binding(call.Name())
	}
	if fn == nil {
		p.logger().Warnf("proxy:binding", "no binding %q", call.Name())
		return
	}
	call.call(fn)
}
