package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *Error {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *Error {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// NotFound creates an error for a project or file the backend does not know.
func NotFound(resource, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s '%s' not found", resource, id)).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// Unauthorized creates an error for a rejected credential.
func Unauthorized(op string) *Error {
	return New(ErrCodeUnauthorized, fmt.Sprintf("not authorized to %s", op)).
		WithDetail("op", op)
}

// Unavailable creates a transient backend or transport failure.
func Unavailable(op string, cause error) *Error {
	return Wrap(cause, ErrCodeUnavailable, fmt.Sprintf("%s: backend unavailable", op)).
		WithDetail("op", op)
}

// MalformedEvent creates an error for a pushed frame that failed shape validation.
func MalformedEvent(kind string, cause error) *Error {
	return Wrap(cause, ErrCodeMalformedEvent, fmt.Sprintf("malformed %q event", kind)).
		WithDetail("event", kind)
}

// SessionClosed creates an error for operations on a session that is not open.
func SessionClosed(projectID string) *Error {
	return New(ErrCodeSessionClosed, "session is not open").
		WithDetail("project", projectID)
}

// FromHTTPStatus maps a non-2xx response status to a coded error.
func FromHTTPStatus(op, resource, id string, status int) *Error {
	switch {
	case status == http.StatusNotFound:
		return NotFound(resource, id).WithDetail("status", status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Unauthorized(op).WithDetail("status", status)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return Unavailable(op, fmt.Errorf("server returned status %d", status)).WithDetail("status", status)
	default:
		return New(ErrCodeInvalidInput, fmt.Sprintf("%s rejected with status %d", op, status)).
			WithDetail("op", op).
			WithDetail("status", status)
	}
}

// FromTransport wraps a request failure. Timeouts and cancellations caused
// by a deadline are transient like any other transport error; a caller
// cancellation is returned untouched so it can be recognized upstream.
func FromTransport(op string, err error) error {
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	return Unavailable(op, err)
}
