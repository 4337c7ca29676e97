// Package exitcodes contains the constants representing possible pwclient exit error codes.
package exitcodes

// ExitCode is just a type representing a process exit code for pwclient.
type ExitCode uint8

// list of exit codes used by pwclient
const (
	GenericError   ExitCode = 1
	InvalidConfig  ExitCode = 104
	Timeout        ExitCode = 105
	Disconnected   ExitCode = 106
	DriverFailed   ExitCode = 107
	ProtocolFailed ExitCode = 108
)
