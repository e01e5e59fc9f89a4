// Package bridgeerr defines the internal error taxonomy carried on the
// bridge's event channels (§7). Errors inside a Session never panic: every
// failure path wraps an underlying cause in a typed Error and sends it as a
// regular channel value.
package bridgeerr

import "fmt"

// Code classifies why a bridge operation failed.
type Code string

const (
	// Configuration covers a rejected or malformed Configuration value.
	Configuration Code = "configuration"
	// TransportFailure covers a lost or unusable telephony/AI connection.
	TransportFailure Code = "transport_failure"
	// ProtocolViolation covers a frame or event that violates the wire
	// contract (unexpected type, missing required field).
	ProtocolViolation Code = "protocol_violation"
	// Timeout covers a state-machine deadline (§5) expiring.
	Timeout Code = "timeout"
	// BackpressureOverflow covers a consumer falling behind a bounded
	// channel or buffer past its drop/disconnect threshold.
	BackpressureOverflow Code = "backpressure_overflow"
	// InternalInvariant covers a condition the code assumes can't happen.
	InternalInvariant Code = "internal_invariant"
)

// Error is the typed value carried on channels in place of a panic or a bare
// error. It wraps an underlying cause with the taxonomy code that the HTTP
// boundary and the session termination logic both switch on.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error without an underlying cause.
func New(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}

// Wrap constructs an Error around an existing cause. Returns nil if err is
// nil, so call sites can write `return bridgeerr.Wrap(...)` directly from an
// `if err != nil` branch without an extra nil check.
func Wrap(code Code, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// Is reports whether err is a *Error carrying the given code, unwrapping
// through any number of wrapping layers.
func Is(err error, code Code) bool {
	for err != nil {
		if be, ok := err.(*Error); ok {
			return be.Code == code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
