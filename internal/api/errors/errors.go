// Package errors defines the error objects returned by both HTTP hosts.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/nkkko/storepulse/internal/auth"
	"github.com/nkkko/storepulse/internal/notifier"
	"github.com/nkkko/storepulse/internal/policy"
	"github.com/nkkko/storepulse/internal/storage"
)

// ErrorType classifies an API error. Each type maps to one HTTP status.
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeGone         ErrorType = "gone"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"

	// ErrorTypeUnavailable covers a server at capacity or shutting down
	ErrorTypeUnavailable ErrorType = "unavailable"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:   http.StatusBadRequest,
	ErrorTypeNotFound:     http.StatusNotFound,
	ErrorTypeGone:         http.StatusGone,
	ErrorTypeInternal:     http.StatusInternalServerError,
	ErrorTypeUnauthorized: http.StatusUnauthorized,
	ErrorTypeForbidden:    http.StatusForbidden,
	ErrorTypeUnavailable:  http.StatusServiceUnavailable,
}

// APIError is the error object of the response envelope
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithDetails attaches machine-readable details
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithRequestID stamps the request ID
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

// New creates an APIError whose status follows its type
func New(t ErrorType, code, message string) *APIError {
	status, ok := statusByType[t]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &APIError{Type: t, Code: code, Message: message, HTTPCode: status}
}

func ValidationError(code, message string) *APIError {
	return New(ErrorTypeValidation, code, message)
}

func NotFoundError(code, message string) *APIError {
	return New(ErrorTypeNotFound, code, message)
}

func GoneError(code, message string) *APIError { return New(ErrorTypeGone, code, message) }

func InternalError(code, message string) *APIError {
	return New(ErrorTypeInternal, code, message)
}

func UnauthorizedError(code, message string) *APIError {
	return New(ErrorTypeUnauthorized, code, message)
}

func ForbiddenError(code, message string) *APIError {
	return New(ErrorTypeForbidden, code, message)
}

func UnavailableError(code, message string) *APIError {
	return New(ErrorTypeUnavailable, code, message)
}

// FromError maps domain errors onto API errors. Unknown errors become
// internal errors carrying the error text.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	var authErr *auth.Error
	if stderrors.As(err, &authErr) {
		return UnauthorizedError(string(authErr.Reason), "Authentication failed")
	}

	var policyErr *policy.ValidationError
	if stderrors.As(err, &policyErr) {
		return ValidationError("invalid_event", policyErr.Error())
	}

	switch {
	case stderrors.Is(err, auth.ErrForbidden):
		return ForbiddenError("forbidden", "Role is not permitted")
	case stderrors.Is(err, notifier.ErrUnknownConnection), stderrors.Is(err, notifier.ErrConnectionClosed):
		return GoneError("session_gone", "Polling session no longer exists")
	case stderrors.Is(err, notifier.ErrCapacity):
		return UnavailableError("capacity", "Connection limit reached")
	case stderrors.Is(err, notifier.ErrClosed):
		return UnavailableError("shutting_down", "Server is shutting down")
	case stderrors.Is(err, storage.ErrInvalidCursor):
		return ValidationError("invalid_cursor", "Cursor is invalid")
	}

	return InternalError("internal_error", err.Error())
}
