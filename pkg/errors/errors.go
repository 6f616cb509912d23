// Package errors provides the control plane's closed error taxonomy.
//
// Every failure the core surfaces is one of a fixed set of Kinds. Callers
// switch on Kind, never on message text, and the taxonomy is never
// extended at call sites - new failure modes get a new Kind here.
package errors

import (
	"fmt"
	"runtime"
	"strings"
)

// Kind is a closed taxonomy of control-plane failure classes.
type Kind string

const (
	// InvalidConfig marks an illegal target, out-of-range weight, or
	// non-monotonic step list. The operation fails; caller must fix input.
	InvalidConfig Kind = "INVALID_CONFIG"

	// InvalidState marks a state-machine transition attempted from a
	// state that does not allow it. The entity's state is unchanged.
	InvalidState Kind = "INVALID_STATE"

	// InsufficientData marks an aggregation or anomaly check that needs
	// more samples than are currently available. Never fatal - callers
	// should treat it as "unknown, pending data".
	InsufficientData Kind = "INSUFFICIENT_DATA"

	// BudgetExceeded marks a cost check that failed. Carried as a
	// typed result, not raised, at the check_task boundary.
	BudgetExceeded Kind = "BUDGET_EXCEEDED"

	// CircuitOpen marks a breaker rejecting a call with no fallback.
	CircuitOpen Kind = "CIRCUIT_OPEN"

	// DeliveryFailed marks a channel send that failed. Recorded on the
	// per-channel result; never propagated as a call failure.
	DeliveryFailed Kind = "DELIVERY_FAILED"

	// AbortTriggered marks a chaos safety abort. Informational; changes
	// the experiment's state rather than failing an operation.
	AbortTriggered Kind = "ABORT_TRIGGERED"

	// InternalInvariant marks detected data corruption. Fatal within the
	// owning entity - it must refuse further writes.
	InternalInvariant Kind = "INTERNAL_INVARIANT"
)

// Error is a structured control-plane error carrying a closed Kind plus
// the context needed to act on it without parsing a message string.
type Error struct {
	Kind       Kind                   `json:"kind"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Cause      error                  `json:"-"`
	StackTrace string                 `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithMetadata attaches a key/value pair of diagnostic context.
func (e *Error) WithMetadata(key string, value interface{}) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithCause attaches an underlying cause error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// New constructs an Error of the given Kind.
func New(kind Kind, message, details string) *Error {
	return &Error{
		Kind:       kind,
		Message:    message,
		Details:    details,
		StackTrace: getStackTrace(),
	}
}

// NewInvalidConfig constructs an InvalidConfig error.
func NewInvalidConfig(message string) *Error {
	return New(InvalidConfig, message, "")
}

// NewInvalidState constructs an InvalidState error describing the
// rejected transition.
func NewInvalidState(from, event string) *Error {
	return New(InvalidState, "illegal state transition",
		fmt.Sprintf("event %q not allowed from state %q", event, from)).
		WithMetadata("from", from).WithMetadata("event", event)
}

// NewInsufficientData constructs an InsufficientData error.
func NewInsufficientData(what string) *Error {
	return New(InsufficientData, "insufficient data", what)
}

// NewBudgetExceeded constructs a BudgetExceeded error carrying the
// closed cost-guard reason code.
func NewBudgetExceeded(reason string) *Error {
	return New(BudgetExceeded, "budget exceeded", reason).WithMetadata("reason", reason)
}

// NewCircuitOpen constructs a CircuitOpen error for the named breaker.
func NewCircuitOpen(name string) *Error {
	return New(CircuitOpen, "circuit breaker open", name).WithMetadata("breaker", name)
}

// NewDeliveryFailed constructs a DeliveryFailed error for the named channel.
func NewDeliveryFailed(channel string, cause error) *Error {
	return New(DeliveryFailed, "alert delivery failed", channel).
		WithMetadata("channel", channel).WithCause(cause)
}

// NewAbortTriggered constructs an AbortTriggered error describing the
// condition that fired.
func NewAbortTriggered(condition string) *Error {
	return New(AbortTriggered, "chaos abort condition triggered", condition)
}

// NewInternalInvariant constructs an InternalInvariant error. Entities
// receiving this must refuse further writes.
func NewInternalInvariant(message string) *Error {
	return New(InternalInvariant, message, "")
}

// Wrap wraps err as an InternalInvariant Error if it is not already one
// of ours, preserving the original as Cause.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return NewInternalInvariant(message).WithCause(err)
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	if e, ok := err.(*Error); ok {
		return e.Kind == kind
	}
	return false
}

// GetKind extracts the Kind from err, or InternalInvariant if err is
// not one of ours.
func GetKind(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return InternalInvariant
}

// getStackTrace captures the call stack, skipping frames inside this package.
func getStackTrace() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "pkg/errors") {
			fmt.Fprintf(&b, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}
	return b.String()
}
