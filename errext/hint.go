// Package errext attaches user facing details, a hint and a process exit
// code, to the errors pwclient reports.
package errext

import "errors"

// HasHint is an error that carries a suggestion for the user, e.g. which
// flag to set when the engine can't be started.
type HasHint interface {
	error
	Hint() string
}

// WithHint wraps err with hint. A nil err stays nil. Hints already present
// in the chain are kept, in parentheses after the new one, unless they are
// the same text.
func WithHint(err error, hint string) error {
	if err == nil {
		return nil
	}
	return hinted{err, hint}
}

// HintOf returns the hint of err, or "" if it has none.
func HintOf(err error) string {
	var herr HasHint
	if errors.As(err, &herr) {
		return herr.Hint()
	}
	return ""
}

type hinted struct {
	error
	hint string
}

func (h hinted) Unwrap() error { return h.error }

func (h hinted) Hint() string {
	inner := HintOf(h.error)
	if inner == "" || inner == h.hint {
		return h.hint
	}
	return h.hint + " (" + inner + ")"
}

var _ HasHint = hinted{}
