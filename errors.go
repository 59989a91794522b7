package xrpc

import (
	"fmt"
	"reflect"
)

// ErrContext supplies the fixed part of an Error's message; Error itself
// carries the wrapped cause. Mirrors the teacher's errors.go generic error
// pattern (Error[C ErrContext]), instantiated here for the taxonomy spec.md
// 7 names instead of ngrok's tunnel-lifecycle contexts.
type ErrContext interface {
	message() string
}

// Error pairs a fixed, typed context with the underlying cause, so callers
// can type-switch/errors.As on the taxonomy entry without string matching.
type Error[C ErrContext] struct {
	Inner   error
	Context C
}

func (e Error[C]) Unwrap() error { return e.Inner }

func (e Error[C]) Error() string {
	msg := e.Context.message()
	if e.Inner != nil {
		return fmt.Sprintf("%s: %v", msg, e.Inner.Error())
	}
	return msg
}

func (e Error[C]) Is(other error) bool {
	return reflect.TypeOf(e) == reflect.TypeOf(other)
}

// ErrTransport wraps a failed Transport (connection reset, framing error),
// per spec.md 7.
type ErrTransport = Error[TransportContext]

type TransportContext struct{ Target string }

func (c TransportContext) message() string {
	return fmt.Sprintf("transport error talking to %q", c.Target)
}

// ErrSession wraps a non-fatal, session-scoped server error.
type ErrSession = Error[SessionContext]

type SessionContext struct{ SessionID uint32 }

func (c SessionContext) message() string {
	return fmt.Sprintf("session %d error", c.SessionID)
}

// ErrSessionKilled indicates the session was killed, locally or by the
// server, and can no longer be used.
type ErrSessionKilled = Error[SessionKilledContext]

type SessionKilledContext struct{ SessionID uint32 }

func (c SessionKilledContext) message() string {
	return fmt.Sprintf("session %d was killed", c.SessionID)
}

// ErrAcquireTimeout is returned when Pool.Acquire's waiter queue exceeds the
// configured acquire timeout, per spec.md 4.5.
type ErrAcquireTimeout = Error[AcquireTimeoutContext]

type AcquireTimeoutContext struct{ Target string }

func (c AcquireTimeoutContext) message() string {
	return fmt.Sprintf("timed out acquiring a session for %q", c.Target)
}

// ErrTimeout is returned when a per-operation network timeout elapses.
type ErrTimeout = Error[TimeoutContext]

type TimeoutContext struct{ Op string }

func (c TimeoutContext) message() string {
	return fmt.Sprintf("operation %q timed out", c.Op)
}

// ErrNotSupported is returned by the JDBC-shaped surface stubs spec.md 9(a)
// calls out (createStatement and similar catalog/holdability features this
// driver deliberately doesn't implement).
type ErrNotSupported = Error[NotSupportedContext]

type NotSupportedContext struct{ Op string }

func (c NotSupportedContext) message() string {
	return fmt.Sprintf("%q is not supported", c.Op)
}

// ErrClosed is returned by any operation on a Conn after Close.
type ErrClosed = Error[ClosedContext]

type ClosedContext struct{}

func (ClosedContext) message() string { return "handle is closed" }

// ErrNotInitialized is returned by any operation on a Conn before Init.
type ErrNotInitialized = Error[NotInitializedContext]

type NotInitializedContext struct{}

func (NotInitializedContext) message() string { return "handle is not initialized" }

// ErrIllegalArgument is returned for caller-supplied values that violate an
// operation's preconditions (e.g. a zero TSO count or an unknown isolation
// level).
type ErrIllegalArgument = Error[IllegalArgumentContext]

type IllegalArgumentContext struct{ Arg string }

func (c IllegalArgumentContext) message() string {
	return fmt.Sprintf("illegal argument: %s", c.Arg)
}
