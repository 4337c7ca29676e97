package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPipeRoundTrip(t *testing.T) {
	t.Parallel()

	clientR, engineW := io.Pipe()
	engineR, clientW := io.Pipe()
	client := NewPipe(clientR, clientW, clientR, clientW)
	engine := NewPipe(engineR, engineW, engineR, engineW)
	defer func() {
		assert.NoError(t, client.Close())
		assert.NoError(t, engine.Close())
	}()

	frames := [][]byte{[]byte(`{"id":1}`), {}, bytes.Repeat([]byte("x"), 70000)}
	go func() {
		for _, f := range frames {
			_ = client.Send(f)
		}
	}()
	for _, want := range frames {
		got, err := engine.Recv()
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got))
		assert.Equal(t, want, got)
	}
}

func TestPipeFraming(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p := NewPipe(strings.NewReader(""), &out)
	require.NoError(t, p.Send([]byte("abc")))
	assert.Equal(t, []byte{3, 0, 0, 0, 'a', 'b', 'c'}, out.Bytes())

	_, err := p.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestPipeTruncatedFrame(t *testing.T) {
	t.Parallel()

	var in bytes.Buffer
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], 10)
	in.Write(hdr[:])
	in.WriteString("abc")

	p := NewPipe(&in, io.Discard)
	_, err := p.Recv()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestPipeOversizedFrame(t *testing.T) {
	t.Parallel()

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], MaxFrameSize+1)
	p := NewPipe(bytes.NewReader(hdr[:]), io.Discard)
	_, err := p.Recv()
	require.ErrorContains(t, err, "exceeds the limit")
}

func TestPipeClose(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	p := NewPipe(r, w, r, w)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Recv()
		errCh <- err
	}()

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	require.ErrorIs(t, <-errCh, ErrClosed)
	require.ErrorIs(t, p.Send([]byte("x")), ErrClosed)
}

func newEchoServer(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck
		handler(conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketEcho(t *testing.T) {
	t.Parallel()

	url := newEchoServer(t, func(conn *websocket.Conn) {
		for {
			mt, buf, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, buf); err != nil {
				return
			}
		}
	})

	ws, err := DialWebSocket(context.Background(), url, nil)
	require.NoError(t, err)

	require.NoError(t, ws.Send([]byte(`{"id":1,"guid":"","method":"initialize"}`)))
	got, err := ws.Recv()
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"guid":"","method":"initialize"}`, string(got))

	require.NoError(t, ws.Close())
	require.ErrorIs(t, ws.Send([]byte("x")), ErrClosed)
}

func TestWebSocketPeerClose(t *testing.T) {
	t.Parallel()

	url := newEchoServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_, _, _ = conn.ReadMessage()
	})

	ws, err := DialWebSocket(context.Background(), url, nil)
	require.NoError(t, err)
	defer ws.Close() //nolint:errcheck

	_, err = ws.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestWebSocketAbnormalClose(t *testing.T) {
	t.Parallel()

	url := newEchoServer(t, func(*websocket.Conn) {})

	ws, err := DialWebSocket(context.Background(), url, nil)
	require.NoError(t, err)
	defer ws.Close() //nolint:errcheck

	_, err = ws.Recv()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestDialWebSocketFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := DialWebSocket(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
}
