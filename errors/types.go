package errors

import (
	"encoding/json"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kerr"
)

func marshal(s string) ([]byte, error) {
	return json.Marshal(s)
}

// ConfigError is returned for invalid configuration: malformed broker
// entries, missing broker lists, bad option values. Never retriable.
type ConfigError struct {
	// Index of the offending broker entry, -1 if not about a list entry
	Index int
	// Entry is the offending value, if any
	Entry   string
	Message string
}

// NewConfigError is a config error not tied to a broker list entry.
func NewConfigError(format string, v ...interface{}) *ConfigError {
	return &ConfigError{Index: -1, Message: fmt.Sprintf(format, v...)}
}

func (e *ConfigError) Error() string {
	switch {
	case e.Index >= 0 && e.Entry != "":
		return fmt.Sprintf("invalid config: broker %d %q: %s", e.Index, e.Entry, e.Message)
	case e.Index >= 0:
		return fmt.Sprintf("invalid config: broker %d: %s", e.Index, e.Message)
	case e.Entry != "":
		return fmt.Sprintf("invalid config: %q: %s", e.Entry, e.Message)
	}
	return "invalid config: " + e.Message
}

func (e *ConfigError) Retriable() bool { return false }

func (e *ConfigError) MarshalJSON() ([]byte, error) { return marshal(e.Error()) }

// ConnectionError is returned when brokers can not be resolved or reached.
// It carries the original failure as Cause and the stack of the place where
// it was created (print with %+v).
type ConnectionError struct {
	Cause error
	err   error
}

// NewConnectionError wraps cause, recording the current stack.
func NewConnectionError(cause error, format string, v ...interface{}) *ConnectionError {
	return &ConnectionError{
		Cause: cause,
		err:   pkgerrors.Wrapf(cause, format, v...),
	}
}

func (e *ConnectionError) Error() string {
	if e.err == nil {
		return "connection error"
	}
	return e.err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

func (e *ConnectionError) Retriable() bool { return true }

// StackTrace of the place the error was created.
func (e *ConnectionError) StackTrace() pkgerrors.StackTrace {
	var st interface{ StackTrace() pkgerrors.StackTrace }
	if pkgerrors.As(e.err, &st) {
		return st.StackTrace()
	}
	return nil
}

func (e *ConnectionError) Format(s fmt.State, verb rune) {
	if f, ok := e.err.(fmt.Formatter); ok {
		f.Format(s, verb)
		return
	}
	fmt.Fprint(s, e.Error())
}

func (e *ConnectionError) MarshalJSON() ([]byte, error) { return marshal(e.Error()) }

// ProtocolError is a non-zero error code returned by a broker in response to
// request Op. It unwraps to the matching *kerr.Error.
type ProtocolError struct {
	Op   string
	Code int16
}

// Protocol returns nil for code 0, else a *ProtocolError.
func Protocol(op string, code int16) error {
	if code == 0 {
		return nil
	}
	return &ProtocolError{Op: op, Code: code}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Unwrap())
}

// Unwrap returns kerr.UnknownServerError for codes kerr does not know.
func (e *ProtocolError) Unwrap() error {
	return kerr.ErrorForCode(e.Code)
}

func (e *ProtocolError) MarshalJSON() ([]byte, error) { return marshal(e.Error()) }

// FatalError is never retried and never guarded by a heartbeat.
type FatalError struct {
	Message string
	Cause   error
}

var (
	ErrNotImplemented    = &FatalError{Message: "not implemented"}
	ErrNoBrokerAvailable = &FatalError{Message: "no broker available"}
	// Returned by group and offset operations called before Connect
	ErrNotConnected = &FatalError{Message: "not connected"}
)

// Fatal marks err as fatal. If err is nil, return nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Message: err.Error(), Cause: err}
}

func (e *FatalError) Error() string { return e.Message }

func (e *FatalError) Unwrap() error { return e.Cause }

func (e *FatalError) MarshalJSON() ([]byte, error) { return marshal(e.Error()) }

// RetriesExceeded is the crash reason when the retry budget for a failing
// operation runs out.
type RetriesExceeded struct {
	Cause   error
	Retries int
}

func (e *RetriesExceeded) Error() string {
	return fmt.Sprintf("retries exceeded (%d): %v", e.Retries, e.Cause)
}

func (e *RetriesExceeded) Unwrap() error { return e.Cause }

func (e *RetriesExceeded) Retriable() bool { return false }

func (e *RetriesExceeded) MarshalJSON() ([]byte, error) { return marshal(e.Error()) }

type marked struct {
	error
	retriable bool
}

func (e *marked) Unwrap() error { return e.error }

func (e *marked) Retriable() bool { return e.retriable }

func (e *marked) MarshalJSON() ([]byte, error) { return marshal(e.Error()) }

// NonRetriable marks err so that it is not retried. If err is nil, return nil.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{error: err, retriable: false}
}

// Retriable marks err so that it is retried. If err is nil, return nil.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{error: err, retriable: true}
}
