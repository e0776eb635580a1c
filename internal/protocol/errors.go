// ABOUTME: Wire-level error taxonomy for RPC results and connection faults.
// ABOUTME: Every failed call surfaces one of these codes, never a silent drop.

package protocol

import "fmt"

// ErrorCode classifies a protocol-level failure.
type ErrorCode string

const (
	CodeValidation          ErrorCode = "validation_error"
	CodeProtocolViolation   ErrorCode = "protocol_violation"
	CodeMethodNotFound      ErrorCode = "method_not_found"
	CodeSessionNotFound     ErrorCode = "session_not_found"
	CodeIdempotencyConflict ErrorCode = "idempotency_conflict"
	CodeTimeout             ErrorCode = "timeout"
	CodeCapacityExceeded    ErrorCode = "capacity_exceeded"
	CodeTransport           ErrorCode = "transport_error"
	CodeUnavailable         ErrorCode = "unavailable"
	CodeInternal            ErrorCode = "internal_error"
)

// Error is the typed error carried in a failed Response. Path is set for
// validation failures and names the offending field.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Path    string    `json:"path,omitempty"`
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s at %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Fatal reports whether the error terminates the connection rather than
// just failing the request. A transport error can describe another
// connection (a node dropped mid-invoke), so only protocol violations
// condemn the connection that received the response.
func (e *Error) Fatal() bool {
	return e.Code == CodeProtocolViolation
}

func Validation(path, msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg, Path: path}
}

func ProtocolViolation(msg string) *Error {
	return &Error{Code: CodeProtocolViolation, Message: msg}
}

func MethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "unknown method: " + method}
}

func SessionNotFound(key string) *Error {
	return &Error{Code: CodeSessionNotFound, Message: "no such session: " + key}
}

func IdempotencyConflict(key string) *Error {
	return &Error{Code: CodeIdempotencyConflict, Message: "idempotency key replayed with different payload: " + key}
}

func Timeout(msg string) *Error {
	return &Error{Code: CodeTimeout, Message: msg}
}

func CapacityExceeded(msg string) *Error {
	return &Error{Code: CodeCapacityExceeded, Message: msg}
}

func Transport(msg string) *Error {
	return &Error{Code: CodeTransport, Message: msg}
}

func Unavailable(msg string) *Error {
	return &Error{Code: CodeUnavailable, Message: msg}
}

func Internal(msg string) *Error {
	return &Error{Code: CodeInternal, Message: msg}
}

// AsError coerces any error into a wire Error, defaulting to internal_error
// so handlers can return plain errors without leaking unclassified failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return Internal(err.Error())
}
