package collab

import "errors"

// Code is the error taxonomy reported to the originating connection.
type Code string

const (
	CodeUnauthenticated Code = "unauthenticated"
	CodeForbidden       Code = "forbidden"
	CodeNotJoined       Code = "not_joined"
	CodeInvalidPayload  Code = "invalid_payload"
	CodeNotFound        Code = "not_found"
	CodeRateLimited     Code = "rate_limited"
	CodeUnavailable     Code = "unavailable"
	CodeInternal        Code = "internal"
)

// Error is terminal for one operation only; the session stays usable.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func internalError(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", cause: cause}
}

// AsError returns the wire error carried by err, or an internal error.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return internalError(err)
}
