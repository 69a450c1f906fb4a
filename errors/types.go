package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an Error.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigNotFound   ErrorCode = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid    ErrorCode = "CONFIG_INVALID"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Remote service errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeUnavailable  ErrorCode = "UNAVAILABLE"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Push channel errors
	ErrCodeMalformedEvent ErrorCode = "MALFORMED_EVENT"

	// Session errors
	ErrCodeSessionClosed ErrorCode = "SESSION_CLOSED"

	// General errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a coded error. Details end up in the CLI's verbose output and in
// log fields; Cause is kept for unwrapping but not serialized.
type Error struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail sets a detail and returns e for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON renders the error for --verbose output.
func (e *Error) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap attaches a code and message to err.
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Is reports whether err carries code.
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// GetCode returns the code of the outermost *Error in err's chain, or "".
func GetCode(err error) ErrorCode {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// IsTransient reports whether the error may succeed on retry.
func IsTransient(err error) bool {
	return GetCode(err) == ErrCodeUnavailable
}

// IsTerminal reports whether the error ends a session open attempt for good.
func IsTerminal(err error) bool {
	switch GetCode(err) {
	case ErrCodeNotFound, ErrCodeUnauthorized, ErrCodeInvalidInput:
		return true
	}
	return false
}
