package connection

import (
	"fmt"

	"github.com/liuxd6825/pwclient/wait"
)

// ProtocolError reports malformed or desynchronized traffic. A fatal
// protocol error means the object registry can't be trusted anymore and
// the connection gets closed; any other only affects a single message.
type ProtocolError struct {
	ID     int64
	GUID   string
	Method string
	Fatal  bool
	Err    error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.ID != 0:
		return fmt.Sprintf("protocol error: reply %d: %v", e.ID, e.Err)
	case e.Method != "":
		return fmt.Sprintf("protocol error: %s on %q: %v", e.Method, e.GUID, e.Err)
	default:
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// DisconnectedError is returned by every pending and future request once
// the connection is closed.
type DisconnectedError struct {
	Reason string
	Err    error
}

func (e *DisconnectedError) Error() string {
	if e.Reason == "" {
		return "connection closed"
	}
	return "connection closed: " + e.Reason
}

func (e *DisconnectedError) Unwrap() error { return e.Err }

// UnknownObjectError is returned when looking up a guid that was never
// created on the connection.
type UnknownObjectError struct {
	GUID string
}

func (e *UnknownObjectError) Error() string {
	return fmt.Sprintf("object %q doesn't exist", e.GUID)
}

// DetachedError is returned when using an object that existed but has
// been disposed since.
type DetachedError struct {
	GUID string
	Type string
}

func (e *DetachedError) Error() string {
	return fmt.Sprintf("%s %q has been detached", e.Type, e.GUID)
}

// RemoteError is an error reported by the engine in reply to a request.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// As makes engine side timeouts match *wait.TimeoutError.
func (e *RemoteError) As(target any) bool {
	if e.Name != "TimeoutError" {
		return false
	}
	t, ok := target.(**wait.TimeoutError)
	if !ok {
		return false
	}
	*t = &wait.TimeoutError{Message: e.Message}
	return true
}
