package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/liuxd6825/pwclient/errext"
	"github.com/liuxd6825/pwclient/errext/exitcodes"
	"github.com/liuxd6825/pwclient/internal/enginetest"
	"github.com/liuxd6825/pwclient/listener"
	"github.com/liuxd6825/pwclient/protocol"
	"github.com/liuxd6825/pwclient/transport"
	"github.com/liuxd6825/pwclient/wait"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestConnection(t *testing.T, opts ...Option) (*enginetest.Engine, *Connection) {
	t.Helper()

	e := enginetest.New(t)
	e.HandleResult("ping", nil)

	opts = append([]Option{WithFactories(map[string]Factory{
		"BrowserContext": testFactory,
		"Page":           testFactory,
	})}, opts...)
	c := New(e.Transport(), opts...)
	c.Start()
	t.Cleanup(func() {
		require.NoError(t, c.Close())
		c.Wait()
	})

	return e, c
}

// roundTrip returns once every message the engine sent before is
// dispatched.
func roundTrip(t *testing.T, c *Connection) {
	t.Helper()

	_, err := c.Root().Send(context.Background(), "ping", nil)
	require.NoError(t, err)
}

func lookup(t *testing.T, c *Connection, guid string) *ChannelOwner {
	t.Helper()

	o, err := c.Lookup(guid)
	require.NoError(t, err)
	return o
}

func TestSendResolvesOnMatchingReply(t *testing.T) {
	t.Parallel()

	e, c := newTestConnection(t)
	e.Create("", "Page", "page@1", nil)
	e.Create("", "Page", "page@2", nil)
	roundTrip(t, c)

	page := lookup(t, c, "page@1")
	w := page.SendAsync(context.Background(), "navigate", map[string]string{"url": "http://localhost/"})

	msg := e.Expect("navigate")
	assert.Equal(t, "page@1", msg.GUID)
	assert.JSONEq(t, `{"url":"http://localhost/"}`, string(msg.Params))

	// an event for another object doesn't resolve the request
	e.Emit("page@2", "load", map[string]string{"url": "http://localhost/"})
	roundTrip(t, c)
	assert.Equal(t, wait.Pending, w.State())

	e.Reply(msg.ID, map[string]any{"response": enginetest.Object("response@1")})
	res, err := w.Get(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"response":{"guid":"response@1"}}`, string(res))
	assert.Zero(t, c.Pending())
}

func TestRepliesCompleteTheirOwnRequest(t *testing.T) {
	t.Parallel()

	c := newUnstarted(t)
	ctx := context.Background()

	a := c.Send(ctx, "", "a", nil)
	b := c.Send(ctx, "", "b", nil)
	require.Equal(t, 2, c.Pending())

	require.NoError(t, c.Dispatch(&protocol.Message{ID: 2, Result: []byte(`{"v":"b"}`)}))
	require.NoError(t, c.Dispatch(&protocol.Message{ID: 1, Result: []byte(`{"v":"a"}`)}))

	// a second reply for the same id
	err := c.Dispatch(&protocol.Message{ID: 1, Result: []byte(`{"v":"again"}`)})
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, int64(1), perr.ID)
	assert.False(t, perr.Fatal)

	av, err := a.Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"a"}`, string(av))
	bv, err := b.Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"b"}`, string(bv))
	assert.Zero(t, c.Pending())
}

func TestEmptyResult(t *testing.T) {
	t.Parallel()

	c := newUnstarted(t)
	w := c.Send(context.Background(), "", "noop", nil)
	require.NoError(t, c.Dispatch(&protocol.Message{ID: 1}))

	v, err := w.Result()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(v))
}

func TestCancelledRequestIsDropped(t *testing.T) {
	t.Parallel()

	c := newUnstarted(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Send(ctx, "", "slow", nil).Get(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.Pending())

	err = c.Dispatch(&protocol.Message{ID: 1, Result: []byte(`{}`)})
	require.ErrorIs(t, err, errUnknownReply)
}

func TestInvalidParams(t *testing.T) {
	t.Parallel()

	c := newUnstarted(t)
	_, err := c.Send(context.Background(), "", "x", map[string]any{"f": func() {}}).Result()

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "x", perr.Method)
	assert.Zero(t, c.Pending())
}

func TestRemoteErrors(t *testing.T) {
	t.Parallel()

	e, c := newTestConnection(t)
	ctx := context.Background()

	w := c.Root().SendAsync(ctx, "waitForSelector", nil)
	e.ReplyError(e.Expect("waitForSelector").ID, "TimeoutError", "Timeout 100ms exceeded.")
	_, err := w.Get(ctx)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "TimeoutError", remote.Name)
	var timeout *wait.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "Timeout 100ms exceeded.", timeout.Error())

	w = c.Root().SendAsync(ctx, "click", nil)
	e.ReplyError(e.Expect("click").ID, "Error", "element is not attached")
	_, err = w.Get(ctx)
	require.EqualError(t, err, "element is not attached")
	assert.False(t, errors.As(err, &timeout))
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	t.Parallel()

	e, c := newTestConnection(t)
	for i := range 3 {
		e.Create("", "Page", fmt.Sprintf("page@%d", i), nil)
	}
	roundTrip(t, c)

	var closeEvents []any
	var mu sync.Mutex
	c.Events().Add(EventClose, func(ev listener.Event) {
		mu.Lock()
		closeEvents = append(closeEvents, ev.Data)
		mu.Unlock()
	})

	pages := make([]*ChannelOwner, 3)
	watched := make([]*wait.Waitable[string], 3)
	for i := range pages {
		pages[i] = lookup(t, c, fmt.Sprintf("page@%d", i))
		watched[i] = Watch(pages[i], wait.New[string]())
	}

	var g errgroup.Group
	for _, p := range pages {
		g.Go(func() error {
			_, err := p.Send(context.Background(), "click", nil)
			var derr *DisconnectedError
			if !errors.As(err, &derr) {
				return fmt.Errorf("%s: unexpected error %v", p.GUID(), err)
			}
			if derr.Reason != "io error" {
				return fmt.Errorf("%s: unexpected reason %q", p.GUID(), derr.Reason)
			}
			return nil
		})
	}
	for range pages {
		e.Expect("click")
	}
	require.Eventually(t, func() bool { return c.Pending() == 3 }, time.Second, time.Millisecond)

	c.Disconnect("io error")
	require.NoError(t, g.Wait())
	assert.Zero(t, c.Pending())

	for _, w := range watched {
		_, err := w.Result()
		var derr *DisconnectedError
		require.ErrorAs(t, err, &derr)
	}

	// later requests fail at once
	_, err := c.Root().Send(context.Background(), "ping", nil)
	var derr *DisconnectedError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, exitcodes.Disconnected, errext.ExitCodeOf(err))
	assert.Zero(t, c.Pending())

	select {
	case <-c.Done():
	default:
		t.Fatal("connection isn't done")
	}
	require.ErrorAs(t, c.Err(), &derr)

	// idempotent
	c.Disconnect("again")
	require.ErrorAs(t, c.Err(), &derr)
	assert.Equal(t, "io error", derr.Reason)

	mu.Lock()
	assert.Len(t, closeEvents, 1)
	mu.Unlock()
}

func TestCloseFromCloseCallbacks(t *testing.T) {
	t.Parallel()

	e, c := newTestConnection(t)
	e.Create("", "Page", "page@1", nil)
	roundTrip(t, c)

	var hooks sync.WaitGroup
	hooks.Add(2)
	lookup(t, c, "page@1").OnDispose(func(error) {
		defer hooks.Done()
		c.Disconnect("from dispose hook")
	})
	c.Events().Add(EventClose, func(listener.Event) {
		defer hooks.Done()
		assert.NoError(t, c.Close())
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Disconnect("io error")
		hooks.Wait()
	}()
	select {
	case <-done:
	case <-time.After(enginetest.DefaultTimeout):
		t.Fatal("closing from a close callback didn't return")
	}

	var derr *DisconnectedError
	require.ErrorAs(t, c.Err(), &derr)
	assert.Equal(t, "io error", derr.Reason)
}

func TestEngineGoneAddsHint(t *testing.T) {
	t.Parallel()

	e, c := newTestConnection(t)
	w := c.Root().SendAsync(context.Background(), "launch", nil)
	e.Expect("launch")
	e.Close()

	_, err := w.Get(context.Background())
	var derr *DisconnectedError
	require.ErrorAs(t, err, &derr)
	_, fields := errext.Format(err)
	assert.Contains(t, fields, "hint")
	<-c.Done()
}

func TestUnknownReplyIsNotFatal(t *testing.T) {
	t.Parallel()

	e, c := newTestConnection(t)
	e.Reply(999, map[string]any{})
	e.Emit("nobody@1", "load", nil)
	roundTrip(t, c)
	assert.NoError(t, c.Err())
}

func TestCorruptRegistryClosesConnection(t *testing.T) {
	t.Parallel()

	e, c := newTestConnection(t)
	e.Create("", "Page", "page@1", nil)
	e.Create("", "Page", "page@1", nil)

	select {
	case <-c.Done():
	case <-time.After(enginetest.DefaultTimeout):
		t.Fatal("connection wasn't closed")
	}
	var perr *ProtocolError
	require.ErrorAs(t, c.Err(), &perr)
	assert.True(t, perr.Fatal)
}

func TestMalformedFrameIsSkipped(t *testing.T) {
	t.Parallel()

	e, c := newTestConnection(t)
	e.Raw([]byte(`{"id":`))
	roundTrip(t, c)
	assert.NoError(t, c.Err())
}

type contextObject struct {
	owner *ChannelOwner
	pages chan *testObject
}

func (o *contextObject) Owner() *ChannelOwner { return o.owner }

func TestEventDispatch(t *testing.T) {
	t.Parallel()

	e, c := newTestConnection(t, WithFactory("BrowserContext", func(o *ChannelOwner) (Object, error) {
		ctx := &contextObject{owner: o, pages: make(chan *testObject, 1)}
		HandleObject(o, "page", "page", func(p *testObject) {
			ctx.pages <- p
		})
		return ctx, nil
	}))

	e.Create("", "BrowserContext", "ctx@1", nil)
	e.Create("ctx@1", "Page", "page@1", nil)
	roundTrip(t, c)
	ctxOwner := lookup(t, c, "ctx@1")

	raw := wait.ForEvent[json.RawMessage](ctxOwner.Events(), "console", nil)

	e.Emit("ctx@1", "page", map[string]any{"page": enginetest.Object("page@1")})
	e.Emit("ctx@1", "console", map[string]any{"text": "hello"})
	roundTrip(t, c)

	ctxObj, err := Get[*contextObject](c, "ctx@1")
	require.NoError(t, err)
	select {
	case p := <-ctxObj.pages:
		assert.Equal(t, "page@1", p.Owner().GUID())
	default:
		t.Fatal("page event wasn't handled")
	}

	v, err := raw.Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello"}`, string(v))

	// a reference to an unknown object is reported, not fatal
	e.Emit("ctx@1", "page", map[string]any{"page": enginetest.Object("page@9")})
	e.Emit("ctx@1", "page", map[string]any{})
	roundTrip(t, c)
	assert.NoError(t, c.Err())
	assert.Empty(t, ctxObj.pages)
}

func TestInitializeOverWebSocket(t *testing.T) {
	t.Parallel()

	srv := enginetest.NewWebSocketServer(t)
	ws, err := transport.DialWebSocket(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	c := New(ws)
	c.Start()
	defer func() {
		require.NoError(t, c.Close())
		c.Wait()
	}()

	e := srv.Accept()
	e.Handle("initialize", func(e *enginetest.Engine, msg *protocol.Message) {
		e.Create("", "Playwright", "playwright", map[string]any{"chromium": enginetest.Object("bt@1")})
		e.Reply(msg.ID, map[string]any{"playwright": enginetest.Object("playwright")})
	})

	pw, err := c.Initialize(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "Playwright", pw.Type())
	assert.Equal(t, "bt@1", protocol.String(pw.Initializer(), "chromium.guid"))
}

func TestSendIsTraced(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	e, c := newTestConnection(t, WithTracerProvider(tp))
	e.Create("", "Page", "page@1", nil)
	roundTrip(t, c)

	w := lookup(t, c, "page@1").SendAsync(context.Background(), "close", nil)
	e.ReplyError(e.Expect("close").ID, "Error", "already closed")
	_, err := w.Get(context.Background())
	require.Error(t, err)

	var span sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		if s.Name() == "close" {
			span = s
		}
	}
	require.NotNil(t, span)
	assert.Contains(t, span.Attributes(), attribute.String("guid", "page@1"))
	assert.Equal(t, "already closed", span.Status().Description)
}

func TestScheduleRunsInOrder(t *testing.T) {
	t.Parallel()

	_, c := newTestConnection(t)

	done := make(chan struct{})
	var got []int
	for i := range 10 {
		c.Schedule(func() {
			got = append(got, i)
			if i == 3 {
				panic("callback failure")
			}
			if i == 9 {
				close(done)
			}
		})
	}
	<-done
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}
