package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and reporting.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates bad task parameters or a malformed
	// tag filter. Surfaced before any resource is touched, never retried.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error, including a
	// remote operation that reached a terminal failure state.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassTimeout indicates an invocation passed its completion
	// deadline. The remote operation may still complete later.
	ErrorClassTimeout ErrorClass = "timeout"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return newError(ErrorClassConfiguration, message, err)
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return newError(ErrorClassTimeout, message, err).WithCode(ErrCodeTimeout)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err. Unclassified errors are permanent.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	return hasClass(err, ErrorClassConfiguration)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return hasClass(err, ErrorClassTransient)
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return hasClass(err, ErrorClassThrottled)
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return hasClass(err, ErrorClassPermanent)
}

// IsTimeout returns true if the error is classified as a timeout.
func IsTimeout(err error) bool {
	return hasClass(err, ErrorClassTimeout)
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeInvalidFilter    = "INVALID_TAG_FILTER"
	ErrCodeUnknownAction    = "UNKNOWN_ACTION"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeRetriesExhausted = "RETRIES_EXHAUSTED"
	ErrCodeExecuteFailed    = "EXECUTE_FAILED"
	ErrCodeCompletionFailed = "COMPLETION_FAILED"
	ErrCodeActionPanic      = "ACTION_PANIC"
	ErrCodeRoleUnavailable  = "ROLE_UNAVAILABLE"
)
