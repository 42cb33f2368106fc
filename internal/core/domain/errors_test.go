package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Type: ErrorTypeInvalidRequest, Message: "bad request"}
	if got := err.Error(); got != "invalid_request: bad request" {
		t.Errorf("Error() = %q, want %q", got, "invalid_request: bad request")
	}
}

func TestAPIError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
	}{
		{"invalid request", ErrInvalidRequest("x"), http.StatusBadRequest},
		{"not found", ErrNotFound("x"), http.StatusNotFound},
		{"conflict", ErrConflict("x"), http.StatusConflict},
		{"unavailable", ErrUnavailable("x"), http.StatusServiceUnavailable},
		{"server", ErrServer("x"), http.StatusInternalServerError},
		{"explicit status wins", &APIError{Type: ErrorTypeServer, StatusCode: http.StatusTeapot}, http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestErrorCategory_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		category ErrorCategory
		expected int
	}{
		{CategoryDependencyUnmet, http.StatusUnprocessableEntity},
		{CategoryTimeout, http.StatusGatewayTimeout},
		{CategoryImplementation, http.StatusBadGateway},
		{CategoryCancelled, http.StatusConflict},
		{ErrorCategory("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			if got := tt.category.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestCategoryOf(t *testing.T) {
	inner := errors.New("boom")
	se := &StageError{Stage: "summarize", Category: CategoryImplementation, Message: "boom", Err: inner}
	wrapped := fmt.Errorf("run failed: %w", se)

	if got := CategoryOf(wrapped); got != CategoryImplementation {
		t.Errorf("CategoryOf() = %q, want %q", got, CategoryImplementation)
	}
	if !IsCategory(wrapped, CategoryImplementation) {
		t.Error("IsCategory() = false, want true")
	}
	if !errors.Is(wrapped, inner) {
		t.Error("expected StageError to unwrap to the inner error")
	}
	if got := CategoryOf(inner); got != "" {
		t.Errorf("CategoryOf(plain error) = %q, want empty", got)
	}
	if got := se.Error(); got != "stage summarize: implementation_error: boom" {
		t.Errorf("Error() = %q", got)
	}
}
