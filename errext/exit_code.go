package errext

import (
	"errors"

	"github.com/liuxd6825/pwclient/errext/exitcodes"
)

// HasExitCode is a wrapper around an error with an attached exit code.
type HasExitCode interface {
	error
	ExitCode() exitcodes.ExitCode
}

// WithExitCodeIfNone can attach an exit code to the given error, if it doesn't
// have one already. It won't do anything if the error already had an exit code
// attached. Similarly, if there is no error (i.e. the given error is nil), it
// also won't do anything.
func WithExitCodeIfNone(err error, exitCode exitcodes.ExitCode) error {
	if err == nil {
		return nil
	}
	var ecerr HasExitCode
	if errors.As(err, &ecerr) {
		return err
	}
	return withExitCode{err, exitCode}
}

// ExitCodeOf returns the exit code attached to err, or
// exitcodes.GenericError if there is none.
func ExitCodeOf(err error) exitcodes.ExitCode {
	var ecerr HasExitCode
	if errors.As(err, &ecerr) {
		return ecerr.ExitCode()
	}
	return exitcodes.GenericError
}

type withExitCode struct {
	error
	exitCode exitcodes.ExitCode
}

func (wh withExitCode) Unwrap() error {
	return wh.error
}

func (wh withExitCode) ExitCode() exitcodes.ExitCode {
	return wh.exitCode
}

var _ HasExitCode = withExitCode{}
