package proxy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/pwclient/connection"
	"github.com/liuxd6825/pwclient/protocol"
	"github.com/liuxd6825/pwclient/router"
	"github.com/liuxd6825/pwclient/wait"
)

// BrowserContext is an isolated browser session holding pages.
type BrowserContext struct {
	base
	timeouts *wait.TimeoutSettings
	routes   *router.Router[*Route]

	mu        sync.Mutex
	browser   *Browser
	baseURL   string
	pages     []*Page
	bindings  map[string]BindingFunc
	ownerPage *Page
	closed    bool
	closing   bool
}

func newBrowserContext(o *connection.ChannelOwner) (connection.Object, error) {
	bc := &BrowserContext{
		base:     base{owner: o},
		timeouts: wait.NewTimeoutSettings(nil),
		bindings: make(map[string]BindingFunc),
	}
	bc.routes = router.New[*Route](func(ctx context.Context, enabled bool) error {
		return setInterception(ctx, o, enabled)
	})
	if b, ok := o.Parent().Object().(*Browser); ok {
		bc.browser = b
	}

	connection.HandleObject(o, "page", "page", bc.didCreatePage)
	connection.HandleObject(o, "route", "route", func(r *Route) {
		go bc.handleRoute(r)
	})
	connection.HandleObject(o, "bindingCall", "binding", func(call *BindingCall) {
		go bc.handleBinding(call)
	})
	o.Handle("close", func([]byte) error {
		bc.didClose()
		return nil
	})
	o.OnDispose(func(error) { bc.didClose() })

	return bc, nil
}

func setInterception(ctx context.Context, o *connection.ChannelOwner, enabled bool) error {
	_, err := o.Send(ctx, "setNetworkInterceptionEnabled", map[string]bool{"enabled": enabled})
	return err
}

func (bc *BrowserContext) setBrowser(b *Browser, opts NewContextOptions) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.browser = b
	bc.baseURL = opts.BaseURL
}

// Browser returns the browser owning the context, or nil for a persistent
// context.
func (bc *BrowserContext) Browser() *Browser {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.browser
}

// Pages returns the open pages.
func (bc *BrowserContext) Pages() []*Page {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return slices.Clone(bc.pages)
}

// NewPage opens a page in the context.
func (bc *BrowserContext) NewPage(ctx context.Context) (*Page, error) {
	bc.mu.Lock()
	owned := bc.ownerPage != nil
	bc.mu.Unlock()
	if owned {
		return nil, errors.New("please use browser.NewContext()")
	}

	res, err := bc.owner.Send(ctx, "newPage", nil)
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	guid, ok := protocol.GUIDRef(res, "page")
	if !ok {
		return nil, errors.New("creating page: no page in reply")
	}
	return connection.Get[*Page](bc.owner.Connection(), guid)
}

// Glob returns a URL matcher for pattern, resolved against the context's
// base URL.
func (bc *BrowserContext) Glob(pattern string) (*router.URLMatcher, error) {
	bc.mu.Lock()
	baseURL := bc.baseURL
	bc.mu.Unlock()
	return router.Glob(baseURL, pattern)
}

// Route intercepts the requests of every page of the context whose URL m
// accepts. Routes of a page take precedence. The returned entry
// identifies this registration for Unroute.
func (bc *BrowserContext) Route(ctx context.Context, m *router.URLMatcher, h router.Handler[*Route]) (*router.Entry[*Route], error) {
	return bc.routes.Add(ctx, m, h)
}

// Unroute removes routes returned by Route.
func (bc *BrowserContext) Unroute(ctx context.Context, entries ...*router.Entry[*Route]) error {
	return bc.routes.Remove(ctx, entries...)
}

// UnrouteAll removes every route added with a matcher equal to m.
func (bc *BrowserContext) UnrouteAll(ctx context.Context, m *router.URLMatcher) error {
	return bc.routes.RemoveMatching(ctx, m)
}

// ExposeBinding makes fn callable from every page of the context under
// name.
func (bc *BrowserContext) ExposeBinding(ctx context.Context, name string, fn BindingFunc) error {
	bc.mu.Lock()
	_, dup := bc.bindings[name]
	for _, p := range bc.pages {
		if p.hasBinding(name) {
			dup = true
		}
	}
	if dup {
		bc.mu.Unlock()
		return fmt.Errorf("function %q has been already registered", name)
	}
	bc.bindings[name] = fn
	bc.mu.Unlock()

	if _, err := bc.owner.Send(ctx, "exposeBinding", map[string]any{"name": name}); err != nil {
		bc.mu.Lock()
		delete(bc.bindings, name)
		bc.mu.Unlock()
		return fmt.Errorf("exposing %q: %w", name, err)
	}

	return nil
}

// ExposeFunction is ExposeBinding for functions that don't need to know
// the caller.
func (bc *BrowserContext) ExposeFunction(ctx context.Context, name string, fn func(args ...any) (any, error)) error {
	return bc.ExposeBinding(ctx, name, func(_ *BindingSource, args ...any) (any, error) {
		return fn(args...)
	})
}

func (bc *BrowserContext) binding(name string) BindingFunc {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.bindings[name]
}

// SetDefaultTimeout sets the timeout of every wait of the context and its
// pages.
func (bc *BrowserContext) SetDefaultTimeout(ctx context.Context, timeout time.Duration) {
	bc.timeouts.SetDefaultTimeout(timeout)
	bc.owner.SendNoReply(ctx, "setDefaultTimeoutNoReply", map[string]any{"timeout": timeout.Milliseconds()})
}

// SetDefaultNavigationTimeout sets the timeout of navigations of every
// page of the context.
func (bc *BrowserContext) SetDefaultNavigationTimeout(ctx context.Context, timeout time.Duration) {
	bc.timeouts.SetDefaultNavigationTimeout(timeout)
	bc.owner.SendNoReply(ctx, "setDefaultNavigationTimeoutNoReply", map[string]any{"timeout": timeout.Milliseconds()})
}

// SetOffline emulates losing network connectivity.
func (bc *BrowserContext) SetOffline(ctx context.Context, offline bool) error {
	_, err := bc.owner.Send(ctx, "setOffline", map[string]bool{"offline": offline})
	return err
}

// On subscribes fn to a context event. It returns a function removing the
// subscription.
func (bc *BrowserContext) On(event string, fn func(any)) func() {
	sub := bc.on(event, fn)
	return func() { bc.owner.Events().Remove(sub) }
}

// WaitForEvent waits for the first event accepted by predicate, which may
// be nil. timeout is in milliseconds, 0 disables it.
func (bc *BrowserContext) WaitForEvent(ctx context.Context, event string, predicate func(any) bool, timeout null.Int) (any, error) {
	return waitForEvent(ctx, &bc.base, bc.timeouts, event, predicate, timeout)
}

// WaitForPage waits for a new page accepted by predicate, which may be nil.
func (bc *BrowserContext) WaitForPage(ctx context.Context, predicate func(*Page) bool, timeout null.Int) (*Page, error) {
	return waitForEvent(ctx, &bc.base, bc.timeouts, EventPage, predicate, timeout)
}

// IsClosed reports whether the context was closed or is closing.
func (bc *BrowserContext) IsClosed() bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.closed || bc.closing
}

// Close closes the context and its pages. It's safe to call more than once.
func (bc *BrowserContext) Close(ctx context.Context) error {
	bc.mu.Lock()
	if bc.closed || bc.closing {
		bc.mu.Unlock()
		return nil
	}
	bc.closing = true
	bc.mu.Unlock()

	if _, err := bc.owner.Send(ctx, "close", nil); err != nil && !isSafeCloseError(err) {
		return fmt.Errorf("closing context: %w", err)
	}
	bc.didClose()

	return nil
}

func (bc *BrowserContext) didCreatePage(p *Page) {
	bc.mu.Lock()
	if slices.Contains(bc.pages, p) {
		bc.mu.Unlock()
		return
	}
	bc.pages = append(bc.pages, p)
	bc.mu.Unlock()

	p.setContext(bc)
	bc.emit(EventPage, p)
}

func (bc *BrowserContext) removePage(p *Page) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.pages = slices.DeleteFunc(bc.pages, func(o *Page) bool { return o == p })
}

func (bc *BrowserContext) didClose() {
	bc.mu.Lock()
	if bc.closed {
		bc.mu.Unlock()
		return
	}
	bc.closed = true
	b := bc.browser
	bc.mu.Unlock()

	if b != nil {
		b.removeContext(bc)
	}
	bc.emit(EventClose, bc)
}

// handleRoute runs the first matching route handler of the context, or
// lets the request continue.
func (bc *BrowserContext) handleRoute(r *Route) {
	if bc.routes.Dispatch(r) {
		return
	}
	if err := r.Continue(context.Background(), ContinueOptions{}); err != nil && !isSafeCloseError(err) {
		bc.logger().Warnf("proxy:route", "continuing %s: %v", r.URL(), err)
	}
}

func (bc *BrowserContext) handleBinding(call *BindingCall) {
	fn := bc.binding(call.Name())
	if fn == nil {
		bc.logger().Warnf("proxy:binding", "no binding %q", call.Name())
		return
	}
	call.call(fn)
}
