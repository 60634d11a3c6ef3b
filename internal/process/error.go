package process

import (
	"fmt"
	"syscall"

	"github.com/keeperd/keeper/internal/event"
)

// ErrorKind classifies how a child process came down.
type ErrorKind int

const (
	// ExitCode: the child exited on its own with a status code.
	ExitCode ErrorKind = iota
	// Signaled: the child was taken down by a signal.
	Signaled
	// StartupTimeout: no loaded message arrived within the startup
	// window.
	StartupTimeout
	// HeartbeatFailed: the child went silent past the liveness window.
	HeartbeatFailed
	// ConfigError: the child reported a configuration error.
	ConfigError
	// PipeError: the master↔worker channel broke while the child was
	// alive.
	PipeError
)

// Error is the classified exit surfaced to the worker supervisor. The
// supervisor's restart policy switches on Kind.
type Error struct {
	Kind   ErrorKind
	Code   int
	Signal syscall.Signal
	Msg    string
}

func ExitErr(code int) *Error           { return &Error{Kind: ExitCode, Code: code} }
func SignalErr(sig syscall.Signal) *Error { return &Error{Kind: Signaled, Signal: sig} }
func StartupTimeoutErr() *Error         { return &Error{Kind: StartupTimeout} }
func HeartbeatErr() *Error              { return &Error{Kind: HeartbeatFailed} }
func ConfigErr(msg string) *Error       { return &Error{Kind: ConfigError, Msg: msg} }
func PipeErr(err error) *Error          { return &Error{Kind: PipeError, Msg: err.Error()} }

func (e *Error) Error() string {
	switch e.Kind {
	case ExitCode:
		return fmt.Sprintf("exited with code %d", e.Code)
	case Signaled:
		return fmt.Sprintf("killed by signal %d", int(e.Signal))
	case StartupTimeout:
		return "startup timed out"
	case HeartbeatFailed:
		return "heartbeat failed"
	case ConfigError:
		return fmt.Sprintf("configuration error: %s", e.Msg)
	case PipeError:
		return fmt.Sprintf("channel error: %s", e.Msg)
	}
	return "unknown process error"
}

// Reason renders the exit as an event reason tag.
func (e *Error) Reason() event.Reason {
	switch e.Kind {
	case ExitCode:
		return event.Reason(fmt.Sprintf("Exited(%d)", e.Code))
	case Signaled:
		return event.Reason(fmt.Sprintf("Signaled(%d)", int(e.Signal)))
	case StartupTimeout:
		return event.Reason("StartupTimeout")
	case HeartbeatFailed:
		return event.Reason("HeartbeatFailed")
	case ConfigError:
		return event.Reason("ConfigError: " + e.Msg)
	case PipeError:
		return event.Reason("PipeError")
	}
	return event.ReasonNone
}
