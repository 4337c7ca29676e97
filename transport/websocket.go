package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteBufferSize = 1 << 20
	wsCloseTimeout    = 10 * time.Second
)

// WebSocket sends each frame as a single text message.
type WebSocket struct {
	conn *websocket.Conn

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

var _ Transport = &WebSocket{}

// DialWebSocket connects to an engine listening on url.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocket, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, resp, err := wsd.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", url, err)
	}

	return NewWebSocket(conn), nil
}

// NewWebSocket wraps an established connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn, closed: make(chan struct{})}
}

// Send writes frame as one text message.
func (ws *WebSocket) Send(frame []byte) error {
	ws.wmu.Lock()
	defer ws.wmu.Unlock()

	select {
	case <-ws.closed:
		return ErrClosed
	default:
	}

	writer, err := ws.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := writer.Write(frame); err != nil {
		return err
	}
	return writer.Close()
}

// Recv reads the next message. A normal closure by the peer is reported
// as io.EOF.
func (ws *WebSocket) Recv() ([]byte, error) {
	_, buf, err := ws.conn.ReadMessage()
	if err == nil {
		return buf, nil
	}

	select {
	case <-ws.closed:
		return nil, ErrClosed
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil, io.EOF
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return nil, fmt.Errorf("websocket closed abnormally: %w", err)
	}

	return nil, err
}

// Close sends a close frame and closes the connection. It's safe to call
// more than once.
func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		ws.wmu.Lock()
		close(ws.closed)
		werr := ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsCloseTimeout),
		)
		ws.wmu.Unlock()

		err = ws.conn.Close()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = errors.Join(werr, err)
		}
	})

	return err
}
