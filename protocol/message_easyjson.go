package protocol

import (
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

var (
	_ easyjson.Marshaler   = Message{}
	_ easyjson.Unmarshaler = (*Message)(nil)
	_ easyjson.Marshaler   = ErrorPayload{}
	_ easyjson.Unmarshaler = (*ErrorPayload)(nil)
)

// MarshalEasyJSON supports easyjson.Marshaler interface.
func (m Message) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawByte('{')
	first := true
	field := func(name string) {
		if !first {
			out.RawByte(',')
		}
		first = false
		out.RawString(name)
	}
	if m.ID != 0 {
		field(`"id":`)
		out.Int64(m.ID)
	}
	if m.Method != "" || m.GUID != "" {
		field(`"guid":`)
		out.String(m.GUID)
	}
	if m.Method != "" {
		field(`"method":`)
		out.String(m.Method)
	}
	if len(m.Params) != 0 {
		field(`"params":`)
		out.Raw(m.Params, nil)
	}
	if len(m.Result) != 0 {
		field(`"result":`)
		out.Raw(m.Result, nil)
	}
	if m.Error != nil {
		field(`"error":`)
		m.Error.MarshalEasyJSON(out)
	}
	out.RawByte('}')
}

// MarshalJSON supports json.Marshaler interface.
func (m Message) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	m.MarshalEasyJSON(&w)
	return w.Buffer.BuildBytes(), w.Error
}

// UnmarshalEasyJSON supports easyjson.Unmarshaler interface.
func (m *Message) UnmarshalEasyJSON(in *jlexer.Lexer) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "id":
			m.ID = in.Int64()
		case "guid":
			m.GUID = in.String()
		case "method":
			m.Method = in.String()
		case "params":
			m.Params = append(easyjson.RawMessage(nil), in.Raw()...)
		case "result":
			m.Result = append(easyjson.RawMessage(nil), in.Raw()...)
		case "error":
			if m.Error == nil {
				m.Error = new(ErrorPayload)
			}
			m.Error.UnmarshalEasyJSON(in)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

// UnmarshalJSON supports json.Unmarshaler interface.
func (m *Message) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	m.UnmarshalEasyJSON(&r)
	return r.Error()
}

// MarshalEasyJSON supports easyjson.Marshaler interface.
func (e ErrorPayload) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawString(`{"name":`)
	out.String(e.Name)
	out.RawString(`,"message":`)
	out.String(e.Message)
	if e.Stack != "" {
		out.RawString(`,"stack":`)
		out.String(e.Stack)
	}
	out.RawByte('}')
}

// UnmarshalEasyJSON supports easyjson.Unmarshaler interface. Both the flat
// {message, name, stack} shape and the nested {error: {...}} shape are
// accepted.
func (e *ErrorPayload) UnmarshalEasyJSON(in *jlexer.Lexer) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "name":
			e.Name = in.String()
		case "message":
			e.Message = in.String()
		case "stack":
			e.Stack = in.String()
		case "error":
			e.UnmarshalEasyJSON(in)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}
