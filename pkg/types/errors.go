package types

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents standardized error codes
type ErrorCode string

const (
	// Lookup errors
	ErrCodeNodeNotFound  ErrorCode = "NODE_NOT_FOUND"
	ErrCodeModelNotFound ErrorCode = "MODEL_NOT_FOUND"
	ErrCodeModelNotReady ErrorCode = "MODEL_NOT_READY"
	ErrCodeTokenNotFound ErrorCode = "TOKEN_NOT_FOUND"

	// Credential errors
	ErrCodeUnauthenticated ErrorCode = "UNAUTHENTICATED"
	ErrCodeForbidden       ErrorCode = "FORBIDDEN"

	// State errors
	ErrCodeAlreadyAssigned ErrorCode = "ALREADY_ASSIGNED"
	ErrCodeAlreadyLoaded   ErrorCode = "ALREADY_LOADED"

	// Availability errors
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeNodeUnavailable  ErrorCode = "NODE_UNAVAILABLE"
	ErrCodeNoModelLoaded    ErrorCode = "NO_MODEL_LOADED"

	// Unexpected failures
	ErrCodeLoadFailed       ErrorCode = "LOAD_FAILED"
	ErrCodeGenerationFailed ErrorCode = "GENERATION_FAILED"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// FleetError represents a structured error in GridServe
type FleetError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     error                  `json:"-"`
}

// NewFleetError creates a new FleetError
func NewFleetError(code ErrorCode, message string) *FleetError {
	return &FleetError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewFleetErrorWithCause creates a new FleetError with a cause
func NewFleetErrorWithCause(code ErrorCode, message string, cause error) *FleetError {
	err := NewFleetError(code, message)
	err.Cause = cause
	return err
}

// WithDetail adds a detail to the error
func (e *FleetError) WithDetail(key string, value interface{}) *FleetError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface
func (e *FleetError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *FleetError) Unwrap() error {
	return e.Cause
}

// IsCode checks if this error is of a specific code
func (e *FleetError) IsCode(code ErrorCode) bool {
	return e.Code == code
}

// Is implements errors.Is comparison by code
func (e *FleetError) Is(target error) bool {
	if fe, ok := target.(*FleetError); ok {
		return e.Code == fe.Code
	}
	return false
}

// HTTPStatus maps the error code to the HTTP status returned to callers.
func (e *FleetError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeNodeNotFound, ErrCodeModelNotFound, ErrCodeModelNotReady, ErrCodeTokenNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeAlreadyAssigned:
		return http.StatusConflict
	case ErrCodeAlreadyLoaded:
		return http.StatusAlreadyReported
	case ErrCodeStoreUnavailable, ErrCodeNodeUnavailable, ErrCodeNoModelLoaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable returns true if the error is retryable by re-issuing the call
func (e *FleetError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeStoreUnavailable, ErrCodeNodeUnavailable, ErrCodeModelNotReady:
		return true
	default:
		return false
	}
}

// Common error constructors

// ErrNodeNotFound creates a node not found error
func ErrNodeNotFound(nodeID string) *FleetError {
	return NewFleetError(ErrCodeNodeNotFound, "node not found").WithDetail("node_id", nodeID)
}

// ErrModelNotFound creates a model not found error
func ErrModelNotFound(model string) *FleetError {
	return NewFleetError(ErrCodeModelNotFound, "model not found").WithDetail("model", model)
}

// ErrModelNotReady creates an error for a known model with no ready node
func ErrModelNotReady(modelID string) *FleetError {
	return NewFleetError(ErrCodeModelNotReady, "model not ready on any node").WithDetail("model_id", modelID)
}

// ErrTokenNotFound creates an invalid or expired setup token error
func ErrTokenNotFound() *FleetError {
	return NewFleetError(ErrCodeTokenNotFound, "invalid or expired setup token")
}

// ErrStoreUnavailable creates a coordination store connectivity error
func ErrStoreUnavailable(cause error) *FleetError {
	return NewFleetErrorWithCause(ErrCodeStoreUnavailable, "coordination store unavailable", cause)
}

// ErrNodeUnavailable creates a node connectivity error
func ErrNodeUnavailable(nodeID string, cause error) *FleetError {
	return NewFleetErrorWithCause(ErrCodeNodeUnavailable, "node unreachable", cause).WithDetail("node_id", nodeID)
}
