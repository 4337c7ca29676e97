package errext

import (
	"errors"
)

// Format returns the error text and a set of log fields describing err,
// such as its hint and exit code.
func Format(err error) (string, map[string]any) {
	if err == nil {
		return "", nil
	}

	fields := make(map[string]any)
	if hint := HintOf(err); hint != "" {
		fields["hint"] = hint
	}
	var ecerr HasExitCode
	if errors.As(err, &ecerr) {
		fields["exit_code"] = ecerr.ExitCode()
	}

	return err.Error(), fields
}
