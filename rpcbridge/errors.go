package rpcbridge

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common error conditions.
var (
	// ErrAlreadyStarted is returned when Start() is called on a connection that was already started.
	ErrAlreadyStarted = errors.New("connection already started")

	// ErrNotStarted is returned when an operation requires a started connection.
	ErrNotStarted = errors.New("connection not started")

	// ErrConnectionClosed is returned for every call still outstanding when the
	// connection stops or the child exits, and for operations attempted afterwards.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("request timed out")

	// ErrElicitationTimeout is matched by *ElicitationTimeoutError.
	ErrElicitationTimeout = errors.New("no pending elicitation for call key")

	// ErrInvalidState is returned for invalid state transitions.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrInvalidDecision is returned when a decision string is not in the vocabulary.
	ErrInvalidDecision = errors.New("invalid elicitation decision")
)

// RPCError is a JSON-RPC error returned by the agent that was not classified
// as a network fault. The payload is preserved verbatim.
type RPCError struct {
	Data    []byte
	Message string
	Code    int
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TimeoutError is returned when a call's deadline fires before a response.
type TimeoutError struct {
	Method  string
	ID      int64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("%s: timed out after %s while queued", e.Method, e.Timeout)
	}
	return fmt.Sprintf("%s (id %d): timed out after %s", e.Method, e.ID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ElicitationTimeoutError is returned by ResolveElicitation when no binding
// for the call key showed up in time.
type ElicitationTimeoutError struct {
	CallKey string
	Waited  time.Duration
}

func (e *ElicitationTimeoutError) Error() string {
	return fmt.Sprintf("no pending elicitation for %q after %s", e.CallKey, e.Waited)
}

func (e *ElicitationTimeoutError) Is(target error) bool {
	return target == ErrElicitationTimeout
}

// NetworkFaultError is returned for calls whose remote error was classified
// as a network fault.
type NetworkFaultError struct {
	Cause          *RPCError
	Kind           FaultKind
	Message        string
	RetryCount     int
	RetryScheduled bool
}

func (e *NetworkFaultError) Error() string {
	if e.RetryScheduled {
		return fmt.Sprintf("network fault (%s, retry %d): %s", e.Kind, e.RetryCount, e.Message)
	}
	return fmt.Sprintf("network fault (%s): %s", e.Kind, e.Message)
}

func (e *NetworkFaultError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// ProcessError represents an unexpected exit of the agent subprocess.
type ProcessError struct {
	Cause        error
	Message      string
	Stderr       string
	ExitCode     int
	Signaled     bool
	AuthRequired bool
}

func (e *ProcessError) Error() string {
	msg := e.Message
	if e.AuthRequired {
		msg += " (authentication required)"
	}
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// StartErrorKind distinguishes why the agent never became ready.
type StartErrorKind string

const (
	StartExecutableNotFound     StartErrorKind = "executable-not-found"
	StartPermissionDenied       StartErrorKind = "permission-denied"
	StartAuthenticationRequired StartErrorKind = "authentication-required"
	StartGeneric                StartErrorKind = "generic"
)

// StartError is produced when the child fails to spawn or exits while
// the connection is still Starting.
type StartError struct {
	Cause    error
	Kind     StartErrorKind
	Command  string
	Stderr   string
	ExitCode int
}

func (e *StartError) Error() string {
	switch e.Kind {
	case StartExecutableNotFound:
		return fmt.Sprintf("agent executable %q not found", e.Command)
	case StartPermissionDenied:
		return fmt.Sprintf("permission denied executing %q", e.Command)
	case StartAuthenticationRequired:
		return fmt.Sprintf("agent %q requires authentication; log in and retry", e.Command)
	}
	if e.Cause != nil {
		return fmt.Sprintf("failed to start %q: %v", e.Command, e.Cause)
	}
	return fmt.Sprintf("agent %q exited during startup (exit code %d)", e.Command, e.ExitCode)
}

func (e *StartError) Unwrap() error {
	return e.Cause
}

// ProtocolError represents a protocol-level error (e.g., malformed JSON).
type ProtocolError struct {
	Cause   error
	Message string
	Line    string
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// TransportError wraps a failure reading from or writing to the child.
type TransportError struct {
	Cause error
	Op    string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// closedError carries the reason a connection went away while still
// matching ErrConnectionClosed.
type closedError struct {
	cause error
}

func (e *closedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrConnectionClosed, e.cause)
}

func (e *closedError) Is(target error) bool {
	return target == ErrConnectionClosed
}

func (e *closedError) Unwrap() error {
	return e.cause
}

func connectionClosed(cause error) error {
	if cause == nil {
		return ErrConnectionClosed
	}
	return &closedError{cause: cause}
}

// IsRecoverable reports whether the failed operation may succeed if retried
// on the same connection.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var faultErr *NetworkFaultError
	if errors.As(err, &faultErr) {
		return faultErr.Kind.Retryable()
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrElicitationTimeout) {
		return true
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code != ErrCodeMethodNotFound && rpcErr.Code != ErrCodeInvalidParams
	}
	return false
}
