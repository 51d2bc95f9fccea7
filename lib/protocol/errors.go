package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Every typed error below matches exactly one of them via
// errors.Is.
var (
	ErrTransport            = errors.New("transport failure")
	ErrDomain               = errors.New("gateway reported an error")
	ErrTimeout              = errors.New("transaction timed out")
	ErrNoActiveSession      = errors.New("no active session")
	ErrSessionClosed        = errors.New("session closed")
	ErrDuplicateTransaction = errors.New("duplicate transaction id")
)

// TransportError reports that an envelope could not be handed to the transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transport: %v", e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// GatewayError is an explicit error payload returned by the gateway or by a
// plugin for a correlated request.
type GatewayError struct {
	Code   int
	Reason string
	Plugin string
}

func (e *GatewayError) Error() string {
	if e.Plugin != "" {
		return fmt.Sprintf("%s error %d: %s", e.Plugin, e.Code, e.Reason)
	}
	return fmt.Sprintf("janus error %d: %s", e.Code, e.Reason)
}

func (e *GatewayError) Is(target error) bool { return target == ErrDomain }

// TimeoutError reports that no matching response arrived in time.
type TimeoutError struct {
	Transaction string
	Elapsed     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transaction %s timed out after %v", e.Transaction, e.Elapsed)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// LifecycleError reports an operation on a handle that is no longer attached.
type LifecycleError struct {
	HandleID string
	Op       string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("handle %s: %s: %v", e.HandleID, e.Op, ErrNoActiveSession)
}

func (e *LifecycleError) Is(target error) bool { return target == ErrNoActiveSession }

// SessionClosedError settles transactions still pending when their session
// is torn down.
type SessionClosedError struct {
	SessionID string
	Cause     error
}

func (e *SessionClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("session %s closed: %v", e.SessionID, e.Cause)
	}
	return fmt.Sprintf("session %s closed", e.SessionID)
}

func (e *SessionClosedError) Unwrap() error { return e.Cause }

func (e *SessionClosedError) Is(target error) bool { return target == ErrSessionClosed }
