package core

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for comparison with errors.Is(). Each maps to a stable
// wire code surfaced at the session boundary; see ErrorCode.
var (
	// Queue / dispatch errors
	ErrQueueFull = errors.New("task queue at capacity")
	ErrNoAgent   = errors.New("no agent with required capability")
	ErrDuplicate = errors.New("id already live")

	// Router errors
	ErrNoBackendAvailable    = errors.New("no backend available")
	ErrCapabilityUnsupported = errors.New("capability unsupported")
	ErrRequestTimeout        = errors.New("request timeout")

	// Lifecycle errors
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	ErrCancelled        = errors.New("cancelled")

	// Resilience errors
	ErrCircuitOpen = errors.New("circuit open")
	ErrRateLimited = errors.New("rate limited")

	// Session errors
	ErrForbidden           = errors.New("forbidden")
	ErrUnknownFrame        = errors.New("unknown frame type")
	ErrUnsupportedProtocol = errors.New("unsupported protocol version")
	ErrSessionClosed       = errors.New("session closed")

	// Storage errors
	ErrNotFound = errors.New("not found")

	// State errors
	ErrAlreadyStarted       = errors.New("already started")
	ErrNotRunning           = errors.New("not running")
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// Catch-all for bugs; always carries a trace id when surfaced
	ErrInternal = errors.New("internal error")
)

// RuntimeError provides structured error context for boundary surfacing.
// It implements the error interface and supports error wrapping.
type RuntimeError struct {
	Op      string // operation that failed (e.g. "router.Generate")
	Kind    string // entity kind (e.g. "task", "backend", "session")
	ID      string // optional id of the entity involved
	TraceID string // set for INTERNAL errors
	Err     error  // underlying error for wrapping
}

func (e *RuntimeError) Error() string {
	var msg string
	switch {
	case e.Op != "" && e.ID != "":
		msg = fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
	case e.Op != "":
		msg = fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		msg = e.Err.Error()
	default:
		msg = fmt.Sprintf("%s error", e.Kind)
	}
	if e.TraceID != "" {
		msg += " (trace " + e.TraceID + ")"
	}
	return msg
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a RuntimeError wrapping err.
func NewRuntimeError(op, kind string, err error) *RuntimeError {
	return &RuntimeError{Op: op, Kind: kind, Err: err}
}

// NewInternalError wraps err as an INTERNAL RuntimeError with a fresh trace
// id. The trace id appears in the error text, so log lines and wire frames
// carrying the same failure correlate.
func NewInternalError(op, kind, id string, err error) *RuntimeError {
	switch {
	case err == nil:
		err = ErrInternal
	case !errors.Is(err, ErrInternal):
		err = fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return &RuntimeError{Op: op, Kind: kind, ID: id, TraceID: uuid.NewString(), Err: err}
}

// TraceIDOf extracts the trace id from an error chain, or "" when none.
func TraceIDOf(err error) string {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.TraceID
	}
	return ""
}

// ErrorCode maps an error to its stable wire code. Unrecognized errors map
// to INTERNAL.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQueueFull):
		return "QUEUE_FULL"
	case errors.Is(err, ErrNoAgent):
		return "NO_AGENT"
	case errors.Is(err, ErrNoBackendAvailable):
		return "NO_BACKEND_AVAILABLE"
	case errors.Is(err, ErrCapabilityUnsupported):
		return "CAPABILITY_UNSUPPORTED"
	case errors.Is(err, ErrRequestTimeout):
		return "REQUEST_TIMEOUT"
	case errors.Is(err, ErrDeadlineExceeded):
		return "DEADLINE_EXCEEDED"
	case errors.Is(err, ErrCancelled):
		return "CANCELLED"
	case errors.Is(err, ErrCircuitOpen):
		return "CIRCUIT_OPEN"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrDuplicate):
		return "DUPLICATE"
	case errors.Is(err, ErrUnknownFrame):
		return "UNKNOWN_FRAME"
	case errors.Is(err, ErrUnsupportedProtocol):
		return "UNSUPPORTED_PROTOCOL"
	case errors.Is(err, ErrSessionClosed):
		return "SESSION_CLOSED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	}
	return "INTERNAL"
}

// IsTransient reports whether the caller may reasonably retry later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNoBackendAvailable) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrRequestTimeout)
}

// IsPermanent reports whether a backend invocation error must not count
// against backend health. Capability mismatches and malformed requests are
// the caller's fault, not the backend's.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrCapabilityUnsupported)
}
