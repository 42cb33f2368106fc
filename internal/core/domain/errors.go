package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory is the machine-checkable class of a run failure.
type ErrorCategory string

const (
	// CategoryDependencyUnmet means a required context key was absent.
	CategoryDependencyUnmet ErrorCategory = "dependency_unmet"

	// CategoryTimeout means a stage exceeded its deadline.
	CategoryTimeout ErrorCategory = "timeout"

	// CategoryImplementation means the stage itself reported an error.
	CategoryImplementation ErrorCategory = "implementation_error"

	// CategoryCancelled means the run was cancelled between stages.
	CategoryCancelled ErrorCategory = "cancelled"

	// CategoryRoutingAmbiguous means a branch point fell back to its default.
	// It is recorded on the run but never fails it.
	CategoryRoutingAmbiguous ErrorCategory = "routing_ambiguous"
)

// HTTPStatusCode maps the category to the status an API adapter should use
// when reporting a run that failed for this reason.
func (c ErrorCategory) HTTPStatusCode() int {
	switch c {
	case CategoryDependencyUnmet:
		return http.StatusUnprocessableEntity
	case CategoryTimeout:
		return http.StatusGatewayTimeout
	case CategoryCancelled:
		return http.StatusConflict
	case CategoryImplementation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// StageError describes why a stage did not succeed.
type StageError struct {
	Stage    string
	Category ErrorCategory
	Message  string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %s", e.Stage, e.Category, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *StageError) Unwrap() error {
	return e.Err
}

// CategoryOf returns the category carried by err, or an empty category if
// err is not a StageError.
func CategoryOf(err error) ErrorCategory {
	var se *StageError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, c ErrorCategory) bool {
	return CategoryOf(err) == c
}

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeConflict       ErrorType = "conflict"
	ErrorTypeUnavailable    ErrorType = "unavailable"
	ErrorTypeServer         ErrorType = "server"
)

// APIError is the error body returned by the HTTP layer.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrConflict creates a conflict error.
func ErrConflict(message string) *APIError {
	return NewAPIError(ErrorTypeConflict, message)
}

// ErrUnavailable creates a service unavailable error.
func ErrUnavailable(message string) *APIError {
	return NewAPIError(ErrorTypeUnavailable, message)
}

// ErrServer creates an internal server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}
