// Package errors provides a structured error system for branchsync with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for engine operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Transport
	ErrCodeNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrCodeOperationTimeout   ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeServerError        ErrorCode = "SERVER_ERROR"
	ErrCodeInvalidResponse    ErrorCode = "INVALID_RESPONSE"
	ErrCodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"

	// Operation
	ErrCodePartialBatchFailure ErrorCode = "PARTIAL_BATCH_FAILURE"
	ErrCodeOperationCanceled   ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted      ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"

	// State
	ErrCodeAlreadyStarted   ErrorCode = "ALREADY_STARTED"
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"
	ErrCodeSuspended        ErrorCode = "SUSPENDED"

	// Internal
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryTransport     ErrorCategory = "transport"
	CategoryOperation     ErrorCategory = "operation"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidConfig:       CategoryConfiguration,
	ErrCodeConfigLoad:          CategoryConfiguration,
	ErrCodeNetworkUnavailable:  CategoryTransport,
	ErrCodeOperationTimeout:    CategoryTransport,
	ErrCodeServerError:         CategoryTransport,
	ErrCodeInvalidResponse:     CategoryTransport,
	ErrCodeCircuitOpen:         CategoryTransport,
	ErrCodePartialBatchFailure: CategoryOperation,
	ErrCodeOperationCanceled:   CategoryOperation,
	ErrCodeRetryExhausted:      CategoryOperation,
	ErrCodeInvalidRequest:      CategoryOperation,
	ErrCodeNotFound:            CategoryOperation,
	ErrCodeAlreadyStarted:      CategoryState,
	ErrCodeComponentStopped:    CategoryState,
	ErrCodeSuspended:           CategoryState,
}

// Error represents a structured error with context and metadata.
type Error struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *Error) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// NewError creates a new error with default values for its code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Wrap creates a new error with the given cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	if c, ok := categories[code]; ok {
		return c
	}
	return CategoryInternal
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeNetworkUnavailable, ErrCodeOperationTimeout, ErrCodeServerError:
		return true
	}
	return false
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeInvalidRequest:
		return 400
	case ErrCodeNotFound:
		return 404
	case ErrCodeAlreadyStarted:
		return 409
	case ErrCodeServerError, ErrCodeInvalidResponse:
		return 502
	case ErrCodeNetworkUnavailable, ErrCodeCircuitOpen, ErrCodeSuspended, ErrCodeComponentStopped:
		return 503
	case ErrCodeOperationTimeout:
		return 504
	}
	return 500
}

// CodeOf returns the code of the first *Error in err's chain, or ErrCodeInternalError.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderr.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternalError
}

// IsRetryable reports whether err carries a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	return stderr.As(err, &e) && e.Retryable
}

// WithContext adds contextual information to an error
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryable flag
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}
