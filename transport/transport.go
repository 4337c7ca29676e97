// Package transport moves whole protocol frames between the client and the
// automation engine, either over the driver's stdio pipes or a WebSocket.
package transport

import "errors"

// Transport is a bidirectional, frame oriented channel. Send may be called
// concurrently with Recv, but neither is safe for concurrent use with
// itself. Recv returns io.EOF once the peer closed the channel cleanly.
type Transport interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
}

// ErrClosed is returned when using a transport after Close.
var ErrClosed = errors.New("transport closed")
