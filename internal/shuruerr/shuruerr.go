// Package shuruerr defines the error-kind taxonomy shared by host and
// guest: each recoverable failure mode in the control plane carries a
// Kind so callers can decide whether to retry, abort the session, or
// exit with a specific code, without string-matching error text.
package shuruerr

import "fmt"

// Kind classifies a control-plane error.
type Kind int

const (
	_ Kind = iota
	ConfigError
	AssetMissing
	BootError
	VsockTimeout
	ProtocolError
	GuestExecError
	PortForwardError
	IoError
	CheckpointError
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case AssetMissing:
		return "AssetMissing"
	case BootError:
		return "BootError"
	case VsockTimeout:
		return "VsockTimeout"
	case ProtocolError:
		return "ProtocolError"
	case GuestExecError:
		return "GuestExecError"
	case PortForwardError:
		return "PortForwardError"
	case IoError:
		return "IoError"
	case CheckpointError:
		return "CheckpointError"
	default:
		return "UnknownError"
	}
}

// Error wraps an underlying error with a Kind for the control plane's
// taxonomy (spec §7). ExitCode reports the process exit code a CLI
// frontend should use when this error reaches the top level.
type Error struct {
	Kind Kind
	Err  error
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit code spec §7/§6 assigns to this
// error's kind when it reaches the CLI without a guest exit code to
// report instead.
func (e *Error) ExitCode() int {
	switch e.Kind {
	case ConfigError, AssetMissing:
		return 2
	default:
		return 255
	}
}
