package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/pwclient/connection"
	"github.com/liuxd6825/pwclient/internal/enginetest"
	"github.com/liuxd6825/pwclient/log"
	"github.com/liuxd6825/pwclient/protocol"
	"github.com/liuxd6825/pwclient/router"
	"github.com/liuxd6825/pwclient/wait"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	e       *enginetest.Engine
	pw      *Playwright
	browser *Browser

	mu           sync.Mutex
	interception map[string][]bool
	gotos        chan *protocol.Message
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	e := enginetest.New(t)
	f := &fixture{
		e:            e,
		interception: make(map[string][]bool),
		gotos:        make(chan *protocol.Message, 16),
	}
	var contexts, pages atomic.Int64

	e.Handle("initialize", func(e *enginetest.Engine, msg *protocol.Message) {
		e.Create("", "BrowserType", "bt@chromium", map[string]any{"name": "chromium"})
		e.Create("", "Playwright", "pw", map[string]any{"chromium": enginetest.Object("bt@chromium")})
		e.Reply(msg.ID, map[string]any{"playwright": enginetest.Object("pw")})
	})
	e.Handle("launch", func(e *enginetest.Engine, msg *protocol.Message) {
		e.Create(msg.GUID, "Browser", "browser@1", map[string]any{"version": "120.0"})
		e.Reply(msg.ID, map[string]any{"browser": enginetest.Object("browser@1")})
	})
	e.Handle("newContext", func(e *enginetest.Engine, msg *protocol.Message) {
		guid := fmt.Sprintf("ctx@%d", contexts.Add(1))
		e.Create(msg.GUID, "BrowserContext", guid, nil)
		e.Reply(msg.ID, map[string]any{"context": enginetest.Object(guid)})
	})
	e.Handle("newPage", func(e *enginetest.Engine, msg *protocol.Message) {
		n := pages.Add(1)
		page, frame := fmt.Sprintf("page@%d", n), fmt.Sprintf("frame@%d", n)
		e.Create(msg.GUID, "Page", page, map[string]any{"mainFrame": enginetest.Object(frame)})
		e.Create(page, "Frame", frame, map[string]any{"url": "about:blank"})
		e.Emit(msg.GUID, "page", map[string]any{"page": enginetest.Object(page)})
		e.Reply(msg.ID, map[string]any{"page": enginetest.Object(page)})
	})
	e.Handle("goto", func(e *enginetest.Engine, msg *protocol.Message) {
		f.gotos <- msg
		e.Emit(msg.GUID, "navigated", map[string]any{"url": protocol.String(msg.Params, "url")})
		e.Reply(msg.ID, nil)
	})
	e.Handle("close", func(e *enginetest.Engine, msg *protocol.Message) {
		e.Emit(msg.GUID, "close", nil)
		e.Reply(msg.ID, nil)
	})
	e.Handle("setNetworkInterceptionEnabled", func(e *enginetest.Engine, msg *protocol.Message) {
		f.mu.Lock()
		f.interception[msg.GUID] = append(f.interception[msg.GUID], protocol.String(msg.Params, "enabled") == "true")
		f.mu.Unlock()
		e.Reply(msg.ID, nil)
	})
	for _, m := range []string{"exposeBinding", "setDefaultTimeoutNoReply", "setDefaultNavigationTimeoutNoReply", "ping"} {
		e.HandleResult(m, nil)
	}

	ctx := context.Background()
	pw, err := Connect(ctx, e.Transport(), log.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pw.Close())
		pw.Owner().Connection().Wait()
	})
	f.pw = pw

	bt, err := pw.BrowserType("chromium")
	require.NoError(t, err)
	f.browser, err = bt.Launch(ctx, LaunchOptions{Headless: null.BoolFrom(true)})
	require.NoError(t, err)

	return f
}

func (f *fixture) newContext(t *testing.T) *BrowserContext {
	t.Helper()

	bc, err := f.browser.NewContext(context.Background(), NewContextOptions{BaseURL: "http://localhost/"})
	require.NoError(t, err)
	return bc
}

func (f *fixture) newPage(t *testing.T, bc *BrowserContext) *Page {
	t.Helper()

	p, err := bc.NewPage(context.Background())
	require.NoError(t, err)
	return p
}

func (f *fixture) toggles(guid string) []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.interception[guid]...)
}

// flush returns once the client dispatched every message sent before.
func (f *fixture) flush(t *testing.T) {
	t.Helper()

	_, err := f.pw.Owner().Connection().Root().Send(context.Background(), "ping", nil)
	require.NoError(t, err)
}

func TestLaunchAndNewPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	assert.Equal(t, "120.0", f.browser.Version())
	assert.Equal(t, "chromium", f.browser.BrowserType().Name())
	assert.True(t, f.browser.IsConnected())

	_, err := f.pw.BrowserType("webkit")
	require.Error(t, err)

	bc := f.newContext(t)
	assert.Equal(t, []*BrowserContext{bc}, f.browser.Contexts())
	assert.Same(t, f.browser, bc.Browser())

	p := f.newPage(t, bc)
	assert.Equal(t, []*Page{p}, bc.Pages())
	assert.Same(t, bc, p.Context())
	assert.Equal(t, "about:blank", p.URL())

	frame, err := p.MainFrame()
	require.NoError(t, err)
	assert.Same(t, p, frame.Page())
}

func TestGotoUsesNavigationTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	bc := f.newContext(t)
	p := f.newPage(t, bc)

	require.NoError(t, p.Goto(ctx, "http://localhost/a", GotoOptions{}))
	assert.Equal(t, "http://localhost/a", p.URL())
	assert.Equal(t, "30000", protocol.String((<-f.gotos).Params, "timeout"))

	bc.SetDefaultNavigationTimeout(ctx, 5*time.Second)
	require.NoError(t, p.Goto(ctx, "http://localhost/b", GotoOptions{}))
	assert.Equal(t, "5000", protocol.String((<-f.gotos).Params, "timeout"))

	// the page's own default wins over the context's navigation default
	p.SetDefaultTimeout(ctx, 2*time.Second)
	require.NoError(t, p.Goto(ctx, "http://localhost/c", GotoOptions{}))
	assert.Equal(t, "2000", protocol.String((<-f.gotos).Params, "timeout"))

	require.NoError(t, p.Goto(ctx, "http://localhost/d", GotoOptions{Timeout: null.IntFrom(0)}))
	assert.Equal(t, "0", protocol.String((<-f.gotos).Params, "timeout"))
	assert.Equal(t, "http://localhost/d", p.URL())
}

func TestRouteTogglesInterception(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	bc := f.newContext(t)
	guid := bc.Owner().GUID()

	api, err := bc.Glob("api/*")
	require.NoError(t, err)
	h := func(*Route) {}

	apiRoute, err := bc.Route(ctx, api, h)
	require.NoError(t, err)
	_, err = bc.Route(ctx, router.Any(), h)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, f.toggles(guid))

	require.NoError(t, bc.Unroute(ctx, apiRoute))
	assert.Equal(t, []bool{true}, f.toggles(guid))
	require.NoError(t, bc.UnrouteAll(ctx, router.Any()))
	assert.Equal(t, []bool{true, false}, f.toggles(guid))
}

func (f *fixture) intercept(t *testing.T, target string, n int, url string) string {
	t.Helper()

	req, route := fmt.Sprintf("req@%d", n), fmt.Sprintf("route@%d", n)
	f.e.Create(target, "Request", req, map[string]any{"url": url, "method": "GET"})
	f.e.Create(target, "Route", route, map[string]any{"request": enginetest.Object(req)})
	f.e.Emit(target, "route", map[string]any{"route": enginetest.Object(route)})
	return route
}

func TestRouteDispatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	bc := f.newContext(t)
	p := f.newPage(t, bc)

	api, err := router.Glob("", "**/api/*")
	require.NoError(t, err)
	_, err = p.Route(ctx, api, func(r *Route) {
		assert.NoError(t, r.Fulfill(context.Background(), FulfillOptions{Body: []byte("{}"), ContentType: "application/json"}))
		assert.ErrorIs(t, r.Continue(context.Background(), ContinueOptions{}), errRouteHandled)
	})
	require.NoError(t, err)
	abort, err := bc.Route(ctx, router.Any(), func(r *Route) {
		assert.NoError(t, r.Abort(context.Background(), ""))
	})
	require.NoError(t, err)

	// page routes win
	guid := f.intercept(t, p.Owner().GUID(), 1, "http://localhost/api/users")
	msg := f.e.Expect("fulfill")
	assert.Equal(t, guid, msg.GUID)
	assert.Equal(t, "200", protocol.String(msg.Params, "status"))
	f.e.Reply(msg.ID, nil)

	// then context routes
	guid = f.intercept(t, p.Owner().GUID(), 2, "http://localhost/index.html")
	msg = f.e.Expect("abort")
	assert.Equal(t, guid, msg.GUID)
	assert.Equal(t, "failed", protocol.String(msg.Params, "errorCode"))
	f.e.Reply(msg.ID, nil)

	// unhandled requests continue
	require.NoError(t, bc.Unroute(ctx, abort))
	guid = f.intercept(t, p.Owner().GUID(), 3, "http://localhost/index.html")
	msg = f.e.Expect("continue")
	assert.Equal(t, guid, msg.GUID)
	f.e.Reply(msg.ID, nil)

	route, err := connection.Get[*Route](p.Owner().Connection(), guid)
	require.NoError(t, err)
	assert.Equal(t, "GET", route.Request().Method())
	assert.Equal(t, "http://localhost/index.html", route.URL())
}

func TestRouteKeepsURLOfDisposedRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	p := f.newPage(t, f.newContext(t))
	target := p.Owner().GUID()

	api, err := router.Glob("", "**/api/*")
	require.NoError(t, err)
	_, err = p.Route(ctx, api, func(r *Route) {
		assert.NoError(t, r.Abort(context.Background(), "blockedbyclient"))
	})
	require.NoError(t, err)

	f.e.Create(target, "Request", "req@9", map[string]any{"url": "http://localhost/api/users", "method": "GET"})
	f.e.Create(target, "Route", "route@9", map[string]any{"request": enginetest.Object("req@9")})
	f.e.Dispose("req@9")
	f.e.Emit(target, "route", map[string]any{"route": enginetest.Object("route@9")})

	msg := f.e.Expect("abort")
	assert.Equal(t, "route@9", msg.GUID)
	assert.Equal(t, "blockedbyclient", protocol.String(msg.Params, "errorCode"))
	f.e.Reply(msg.ID, nil)
}

func TestExposeBindingRejectsDuplicates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	bc := f.newContext(t)
	p := f.newPage(t, bc)
	fn := func(*BindingSource, ...any) (any, error) { return nil, nil }

	require.NoError(t, bc.ExposeBinding(ctx, "foo", fn))
	require.Error(t, bc.ExposeBinding(ctx, "foo", fn))
	require.ErrorContains(t, p.ExposeBinding(ctx, "foo", fn), "browser context")

	require.NoError(t, p.ExposeBinding(ctx, "bar", fn))
	require.Error(t, p.ExposeBinding(ctx, "bar", fn))
	require.Error(t, bc.ExposeBinding(ctx, "bar", fn))
}

func TestBindingCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	bc := f.newContext(t)
	p := f.newPage(t, bc)
	pageGUID := p.Owner().GUID()

	var source *BindingSource
	require.NoError(t, p.ExposeBinding(ctx, "add", func(src *BindingSource, args ...any) (any, error) {
		source = src
		sum := 0.0
		for _, a := range args {
			sum += a.(float64) //nolint:forcetypeassert
		}
		return sum, nil
	}))
	require.NoError(t, bc.ExposeFunction(ctx, "fail", func(...any) (any, error) {
		return nil, errors.New("nope")
	}))

	call := func(n int, name string, args ...any) {
		guid := fmt.Sprintf("call@%d", n)
		f.e.Create(pageGUID, "BindingCall", guid, map[string]any{
			"name": name, "args": args, "frame": enginetest.Object("frame@1"),
		})
		f.e.Emit(pageGUID, "bindingCall", map[string]any{"binding": enginetest.Object(guid)})
	}

	call(1, "add", 1, 2)
	msg := f.e.Expect("resolve")
	assert.Equal(t, "call@1", msg.GUID)
	assert.Equal(t, "3", protocol.String(msg.Params, "result"))
	f.e.Reply(msg.ID, nil)
	require.NotNil(t, source)
	assert.Same(t, p, source.Page)
	assert.Same(t, bc, source.Context)

	// context bindings are reachable from the page
	call(2, "fail")
	msg = f.e.Expect("reject")
	assert.Equal(t, "nope", protocol.String(msg.Params, "error.message"))
	f.e.Reply(msg.ID, nil)
}

func TestWaitForPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	bc := f.newContext(t)
	events := bc.Owner().Events()

	t.Run("resolves", func(t *testing.T) {
		done := make(chan *Page, 1)
		go func() {
			p, err := bc.WaitForPage(ctx, nil, null.IntFrom(0))
			assert.NoError(t, err)
			done <- p
		}()
		require.Eventually(t, func() bool { return events.Count(EventPage) == 1 }, time.Second, time.Millisecond)

		p := f.newPage(t, bc)
		assert.Same(t, p, <-done)
		assert.Zero(t, events.Count(EventPage))
	})

	t.Run("times_out", func(t *testing.T) {
		_, err := bc.WaitForPage(ctx, func(*Page) bool { return false }, null.IntFrom(20))
		var timeout *wait.TimeoutError
		require.ErrorAs(t, err, &timeout)
		var detached *connection.DetachedError
		assert.False(t, errors.As(err, &detached))
		assert.Zero(t, events.Count(EventPage))
		assert.Zero(t, events.Count(EventClose))
	})

	t.Run("uses_default_timeout", func(t *testing.T) {
		bc.SetDefaultTimeout(ctx, 10*time.Millisecond)
		_, err := bc.WaitForEvent(ctx, "console", nil, null.Int{})
		var timeout *wait.TimeoutError
		require.ErrorAs(t, err, &timeout)
		assert.Equal(t, 10*time.Millisecond, timeout.Timeout)
	})

	t.Run("detached", func(t *testing.T) {
		errCh := make(chan error, 1)
		go func() {
			_, err := bc.WaitForPage(ctx, nil, null.IntFrom(0))
			errCh <- err
		}()
		require.Eventually(t, func() bool { return events.Count(EventPage) == 1 }, time.Second, time.Millisecond)

		f.e.Dispose(bc.Owner().GUID())
		err := <-errCh
		var detached *connection.DetachedError
		require.ErrorAs(t, err, &detached)
		var timeout *wait.TimeoutError
		assert.False(t, errors.As(err, &timeout))
		assert.True(t, bc.IsClosed())
		assert.Empty(t, f.browser.Contexts())
	})
}

func TestPageWaitForClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	p := f.newPage(t, f.newContext(t))

	errCh := make(chan error, 1)
	go func() { errCh <- p.WaitForClose(ctx, null.IntFrom(0)) }()
	require.Eventually(t, func() bool { return p.Owner().Events().Count(EventClose) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Close(ctx))
	require.NoError(t, <-errCh)
	assert.True(t, p.IsClosed())
	assert.Empty(t, p.Context().Pages())
	require.NoError(t, p.WaitForClose(ctx, null.IntFrom(0)))
}

func TestContextClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	bc := f.newContext(t)

	closed := make(chan struct{})
	bc.On(EventClose, func(any) { close(closed) })

	require.NoError(t, bc.Close(ctx))
	<-closed
	assert.True(t, bc.IsClosed())
	assert.Empty(t, f.browser.Contexts())
	require.NoError(t, bc.Close(ctx))
}

func TestWaitForPageFailsOnClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	bc := f.newContext(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := bc.WaitForPage(ctx, nil, null.IntFrom(0))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return bc.Owner().Events().Count(EventPage) == 1 }, time.Second, time.Millisecond)

	f.e.Emit(bc.Owner().GUID(), "close", nil)
	require.ErrorIs(t, <-errCh, errTargetClosed)
}

func TestBrowserNewPageOwnsContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	p, err := f.browser.NewPage(ctx, NewContextOptions{})
	require.NoError(t, err)
	_, err = p.Context().NewPage(ctx)
	require.ErrorContains(t, err, "browser.NewContext")

	require.NoError(t, p.Close(ctx))
	assert.True(t, p.Context().IsClosed())
}

func TestEventHandlersMayCallTheAPI(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	bc := f.newContext(t)

	done := make(chan error, 1)
	off := bc.On(EventPage, func(v any) {
		p := v.(*Page) //nolint:forcetypeassert
		done <- p.Goto(ctx, "http://localhost/from-handler", GotoOptions{})
	})
	defer off()

	p := f.newPage(t, bc)
	require.NoError(t, <-done)
	assert.Equal(t, "http://localhost/from-handler", p.URL())
}

func TestWaitForSelector(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	p := f.newPage(t, f.newContext(t))
	frame, err := p.MainFrame()
	require.NoError(t, err)

	f.e.Handle("waitForSelector", func(e *enginetest.Engine, msg *protocol.Message) {
		if protocol.String(msg.Params, "state") == "detached" {
			e.Reply(msg.ID, nil)
			return
		}
		e.Create(msg.GUID, "ElementHandle", "el@1", nil)
		e.Reply(msg.ID, map[string]any{"element": enginetest.Object("el@1")})
	})
	f.e.HandleResult("textContent", map[string]any{"value": "hello"})

	eh, err := frame.WaitForSelector(ctx, "#greeting", WaitForSelectorOptions{})
	require.NoError(t, err)
	require.NotNil(t, eh)
	text, err := eh.TextContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	eh, err = frame.WaitForSelector(ctx, "#greeting", WaitForSelectorOptions{State: "detached"})
	require.NoError(t, err)
	assert.Nil(t, eh)
}

func TestElementDetached(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	p := f.newPage(t, f.newContext(t))

	f.e.Create("frame@1", "ElementHandle", "el@1", nil)
	f.flush(t)
	eh, err := connection.Get[*ElementHandle](p.Owner().Connection(), "el@1")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- eh.Click(ctx, null.IntFrom(1000)) }()
	msg := f.e.Expect("click")
	assert.Equal(t, "1000", protocol.String(msg.Params, "timeout"))

	f.e.Dispose("el@1")
	var detached *connection.DetachedError
	require.ErrorAs(t, <-errCh, &detached)

	// a late reply is harmless
	f.e.Reply(msg.ID, nil)
	f.flush(t)
}

func TestBrowserClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	disconnected := make(chan struct{})
	off := f.browser.On(EventDisconnected, func(any) { close(disconnected) })
	defer off()

	require.NoError(t, f.browser.Close(ctx))
	<-disconnected
	assert.False(t, f.browser.IsConnected())
	require.NoError(t, f.browser.Close(ctx))
}

func TestIsSafeCloseError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		safe bool
	}{
		{err: nil, safe: false},
		{err: errors.New("boom"), safe: false},
		{err: &connection.DisconnectedError{Reason: "io error"}, safe: true},
		{err: fmt.Errorf("wrapped: %w", &connection.DetachedError{GUID: "page@1", Type: "Page"}), safe: true},
		{err: &connection.RemoteError{Name: "Error", Message: "Target page, context or browser has been closed"}, safe: true},
		{err: &connection.RemoteError{Name: "Error", Message: "Browser has been closed"}, safe: true},
		{err: errors.New("Protocol error: Target closed"), safe: true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.safe, isSafeCloseError(tt.err), "%v", tt.err)
	}
}
