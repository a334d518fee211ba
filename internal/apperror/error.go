package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents an application error with HTTP status and error code.
type Error struct {
	HTTPStatus int
	Code       string
	Message    string
	Internal   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the internal error.
func (e *Error) Unwrap() error {
	return e.Internal
}

// Is matches any *Error carrying the same code, so copies produced by
// WithInternal and WithMessage still match their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithInternal returns a copy of the error with an internal error attached.
func (e *Error) WithInternal(err error) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   err,
	}
}

// WithMessage returns a copy of the error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    message,
		Internal:   e.Internal,
	}
}

// New creates a new application error.
func New(status int, code, message string) *Error {
	return &Error{
		HTTPStatus: status,
		Code:       code,
		Message:    message,
	}
}

var (
	// ErrInvalidInput is returned when the image handle is missing or unresolvable.
	ErrInvalidInput = New(http.StatusBadRequest, "invalid_input", "Invalid input")

	// ErrNotFound is returned for unknown job ids or slugs.
	ErrNotFound = New(http.StatusNotFound, "not_found", "Resource not found")

	// ErrEnqueueFailure is returned when the queue rejects a task. The job
	// has already been recorded as failed.
	ErrEnqueueFailure = New(http.StatusServiceUnavailable, "enqueue_failure", "Failed to enqueue job")

	// ErrProcessingFailure wraps decode, resize, or storage errors in the worker.
	ErrProcessingFailure = New(http.StatusInternalServerError, "processing_failure", "Thumbnail processing failed")

	// ErrCorrelationFailure is raised when a task or event references no known job.
	ErrCorrelationFailure = New(http.StatusUnprocessableEntity, "correlation_failure", "No job matches the correlation id")

	ErrInternal = New(http.StatusInternalServerError, "internal_error", "An internal error occurred")
)

// ToHTTPError converts an error to an HTTP status and response body.
func ToHTTPError(err error) (int, map[string]any) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus, map[string]any{
			"error": map[string]any{
				"code":    appErr.Code,
				"message": appErr.Message,
			},
		}
	}

	return http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"code":    ErrInternal.Code,
			"message": ErrInternal.Message,
		},
	}
}
