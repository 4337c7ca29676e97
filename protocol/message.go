// Package protocol defines the messages exchanged with the automation
// engine: requests addressed by object guid, replies correlated by id and
// events, including the reserved object lifecycle events.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Reserved event methods announcing the lifecycle of remote objects.
const (
	MethodCreate  = "__create__"
	MethodDispose = "__dispose__"
)

// Message is a single frame on the channel.
//
//	request: {id, guid, method, params}
//	reply:   {id, result} or {id, error}
//	event:   {guid, method, params}
type Message struct {
	ID     int64
	GUID   string
	Method string
	Params easyjson.RawMessage
	Result easyjson.RawMessage
	Error  *ErrorPayload
}

// IsReply reports whether the message answers a request.
func (m *Message) IsReply() bool {
	return m.ID != 0 && m.Method == ""
}

// ErrorPayload is the error of a failed request as reported by the engine.
type ErrorPayload struct {
	Name    string
	Message string
	Stack   string
}

// Decode parses a single message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	l := jlexer.Lexer{Data: data}
	msg.UnmarshalEasyJSON(&l)
	if err := l.Error(); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &msg, nil
}

// Encode serializes a single message.
func Encode(msg *Message) ([]byte, error) {
	w := jwriter.Writer{}
	msg.MarshalEasyJSON(&w)
	buf, err := w.BuildBytes()
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return buf, nil
}

// MarshalParams serializes request params. Nil params become an empty
// object; easyjson marshalers and raw JSON are used as they are.
func MarshalParams(params any) (easyjson.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return easyjson.RawMessage("{}"), nil
	case easyjson.RawMessage:
		return p, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("params are not valid JSON")
		}
		return easyjson.RawMessage(p), nil
	case easyjson.Marshaler:
		buf, err := easyjson.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		return buf, nil
	default:
		buf, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		return buf, nil
	}
}
