// Package enginetest provides a scripted automation engine to test the
// client against, reachable over in-memory pipes or a WebSocket.
package enginetest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/pwclient/protocol"
	"github.com/liuxd6825/pwclient/transport"
)

// DefaultTimeout bounds how long Expect waits for a request.
const DefaultTimeout = 5 * time.Second

// HandlerFunc answers a request. It runs on the engine's reader goroutine.
type HandlerFunc func(e *Engine, msg *protocol.Message)

// Engine plays the engine side of a connection. Requests with a handler
// registered through Handle are answered by it; the others are queued for
// Expect.
type Engine struct {
	t    testing.TB
	conn transport.Transport

	client transport.Transport

	mu       sync.Mutex
	handlers map[string]HandlerFunc

	received chan *protocol.Message
	done     chan struct{}
}

// New returns an engine talking to the client over in-memory pipes with
// the real pipe framing. The client side is returned by Transport.
func New(t testing.TB) *Engine {
	t.Helper()

	clientR, engineW := io.Pipe()
	engineR, clientW := io.Pipe()

	e := newEngine(t, transport.NewPipe(engineR, engineW, engineR, engineW))
	e.client = transport.NewPipe(clientR, clientW, clientR, clientW)

	return e
}

func newEngine(t testing.TB, conn transport.Transport, setup ...func(*Engine)) *Engine {
	e := &Engine{
		t:        t,
		conn:     conn,
		handlers: make(map[string]HandlerFunc),
		received: make(chan *protocol.Message, 128),
		done:     make(chan struct{}),
	}
	for _, fn := range setup {
		fn(e)
	}
	go e.readLoop()
	t.Cleanup(e.Close)

	return e
}

// Transport returns the client side of the pipes.
func (e *Engine) Transport() transport.Transport {
	return e.client
}

// Close closes the engine side of the channel and waits for its reader.
func (e *Engine) Close() {
	_ = e.conn.Close()
	<-e.done
}

// Handle registers h for every request with method.
func (e *Engine) Handle(method string, h HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[method] = h
}

// HandleResult replies to every request with method with result.
func (e *Engine) HandleResult(method string, result any) {
	e.Handle(method, func(e *Engine, msg *protocol.Message) {
		e.Reply(msg.ID, result)
	})
}

// Expect waits for the next request that has no handler and checks its
// method.
func (e *Engine) Expect(method string) *protocol.Message {
	e.t.Helper()

	select {
	case msg := <-e.received:
		require.Equal(e.t, method, msg.Method, "unexpected request to %q", msg.GUID)
		return msg
	case <-time.After(DefaultTimeout):
		require.FailNow(e.t, "request not received", "waiting for %s", method)
		return nil
	}
}

// Create announces a new object.
func (e *Engine) Create(parentGUID, typ, guid string, initializer any) {
	e.t.Helper()

	if initializer == nil {
		initializer = map[string]any{}
	}
	e.Emit(parentGUID, protocol.MethodCreate, map[string]any{
		"type":        typ,
		"guid":        guid,
		"initializer": initializer,
	})
}

// Dispose announces that an object and its descendants are gone.
func (e *Engine) Dispose(guid string) {
	e.t.Helper()
	e.Emit(guid, protocol.MethodDispose, nil)
}

// Emit sends an event.
func (e *Engine) Emit(guid, method string, params any) {
	e.t.Helper()
	e.send(&protocol.Message{GUID: guid, Method: method, Params: e.marshal(params)})
}

// Reply answers request id with result.
func (e *Engine) Reply(id int64, result any) {
	e.t.Helper()
	e.send(&protocol.Message{ID: id, Result: e.marshal(result)})
}

// ReplyError fails request id.
func (e *Engine) ReplyError(id int64, name, message string) {
	e.t.Helper()
	e.send(&protocol.Message{ID: id, Error: &protocol.ErrorPayload{Name: name, Message: message}})
}

// Raw sends an arbitrary frame.
func (e *Engine) Raw(frame []byte) {
	e.t.Helper()
	err := e.conn.Send(frame)
	if err != nil && !errors.Is(err, transport.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		e.t.Errorf("engine: sending frame: %v", err)
	}
}

// Object returns a protocol reference to guid, e.g. for event params.
func Object(guid string) map[string]string {
	return map[string]string{"guid": guid}
}

func (e *Engine) marshal(v any) easyjson.RawMessage {
	e.t.Helper()

	if v == nil {
		return easyjson.RawMessage("{}")
	}
	buf, err := json.Marshal(v)
	require.NoError(e.t, err)
	return buf
}

func (e *Engine) send(msg *protocol.Message) {
	e.t.Helper()

	frame, err := protocol.Encode(msg)
	require.NoError(e.t, err)
	e.Raw(frame)
}

func (e *Engine) readLoop() {
	defer close(e.done)

	for {
		buf, err := e.conn.Recv()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(buf)
		if err != nil {
			e.t.Errorf("engine: decoding %q: %v", buf, err)
			return
		}

		e.mu.Lock()
		h, ok := e.handlers[msg.Method]
		e.mu.Unlock()
		if ok {
			h(e, msg)
			continue
		}

		select {
		case e.received <- msg:
		default:
			e.t.Errorf("engine: too many unexpected requests, dropping %s", msg.Method)
		}
	}
}

// WebSocketServer accepts a single client connection over a WebSocket.
type WebSocketServer struct {
	URL string

	t       testing.TB
	server  *httptest.Server
	engines chan *Engine
}

// NewWebSocketServer starts a server whose engines are returned by Accept.
// setup runs on every engine before it reads its first request.
func NewWebSocketServer(t testing.TB, setup ...func(*Engine)) *WebSocketServer {
	t.Helper()

	s := &WebSocketServer{t: t, engines: make(chan *Engine, 1)}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		e := newEngine(t, transport.NewWebSocket(conn), setup...)
		select {
		case s.engines <- e:
		default:
		}
	}))
	s.URL = "ws" + strings.TrimPrefix(s.server.URL, "http")
	t.Cleanup(s.server.Close)

	return s
}

// Accept waits for a client to connect.
func (s *WebSocketServer) Accept() *Engine {
	s.t.Helper()

	select {
	case e := <-s.engines:
		return e
	case <-time.After(DefaultTimeout):
		require.FailNow(s.t, "no client connected")
		return nil
	}
}
