package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is a coded error carried between service and transport layers. The
// HTTP layer maps Code to a status and response body; internal callers branch
// on Code or Retryable without string matching.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a coded error with no cause.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a coded error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a coded error around a cause.
func Wrap(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the error code from err, walking the wrap chain. Uncoded
// errors report as internal errors.
func CodeOf(err error) ErrorCode {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return ErrCodeInternalError
}

// MessageOf extracts the client-safe message from err. Uncoded errors get a
// generic message so internals never leak to clients.
func MessageOf(err error) string {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Message
	}
	return "internal error"
}

// IsRetryable reports whether err carries a retryable code.
func IsRetryable(err error) bool {
	return CodeOf(err).IsRetryable()
}
