package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes a rejected event.
type ErrorCode string

const (
	CodeInvalidMessage ErrorCode = "invalid_message"
	CodeUnknownEvent   ErrorCode = "unknown_event"
	CodeBadRequest     ErrorCode = "bad_request"
	CodeUnauthorized   ErrorCode = "unauthorized"
	CodeAccessDenied   ErrorCode = "access_denied"
	CodeInternal       ErrorCode = "internal_error"
)

// Error is a protocol-level failure reported back to the sender.
type Error struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is matches on code so errors.Is(err, &Error{Code: CodeUnauthorized}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Wrapped: err}
}

// AsError returns the protocol error inside err, or an internal_error
// carrying a generic message so store details do not leak to clients.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return WrapError(CodeInternal, "internal error", err)
}

// Event renders the error as the payload of an error envelope.
func (e *Error) Event() ErrorEvent {
	return ErrorEvent{Code: e.Code, Message: e.Message}
}
