// Package errors provides a structured error system for TierCache with
// error codes, categories, and context.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for cache operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Encoding errors
	ErrCodeSerialization ErrorCode = "SERIALIZATION_FAILED"
	ErrCodeCorruptEntry  ErrorCode = "CORRUPT_ENTRY"

	// Remote backend errors
	ErrCodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	ErrCodeBackendTimeout     ErrorCode = "BACKEND_TIMEOUT"
	ErrCodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"

	// Single-flight errors
	ErrCodeLockWaitTimeout ErrorCode = "LOCK_WAIT_TIMEOUT"
	ErrCodeComputeFailed   ErrorCode = "COMPUTE_FAILED"

	// State errors
	ErrCodeEngineClosed    ErrorCode = "ENGINE_CLOSED"
	ErrCodeRetryExhausted  ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeOperationFailed ErrorCode = "OPERATION_FAILED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryEncoding      ErrorCategory = "encoding"
	CategoryBackend       ErrorCategory = "backend"
	CategoryFlight        ErrorCategory = "flight"
	CategoryState         ErrorCategory = "state"
)

// categoryFor maps an error code to its category.
func categoryFor(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeSerialization, ErrCodeCorruptEntry:
		return CategoryEncoding
	case ErrCodeBackendUnavailable, ErrCodeBackendTimeout, ErrCodeCircuitOpen:
		return CategoryBackend
	case ErrCodeLockWaitTimeout, ErrCodeComputeFailed:
		return CategoryFlight
	default:
		return CategoryState
	}
}

// CacheError represents a structured error with context and metadata.
//
// A cache miss is not an error and never produces a CacheError; the
// taxonomy here covers only genuine failures. Compute-function errors
// are propagated verbatim to the immediate caller and are never
// wrapped in a CacheError.
type CacheError struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	// Contextual information
	Component string            `json:"component,omitempty"`
	Operation string            `json:"operation,omitempty"`
	Key       string            `json:"key,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Error handling hints
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping
// compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is
// compatibility). Two CacheErrors match when their codes match.
func (e *CacheError) Is(target error) bool {
	if cacheErr, ok := target.(*CacheError); ok {
		return e.Code == cacheErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *CacheError) String() string {
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
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("Key=%s", e.Key))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("CacheError{%s}", strings.Join(parts, ", "))
}

// New creates a new cache error with default values.
func New(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  categoryFor(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: defaultRetryable(code),
	}
}

// Newf creates a new cache error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new cache error wrapping an underlying cause.
func Wrap(cause error, code ErrorCode, message string) *CacheError {
	err := New(code, message)
	err.Cause = cause
	return err
}

// defaultRetryable reports whether errors with this code are worth
// retrying by default.
func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrCodeBackendUnavailable, ErrCodeBackendTimeout, ErrCodeLockWaitTimeout:
		return true
	default:
		return false
	}
}

// Builder methods for fluent error construction.

// WithComponent sets the component that produced the error.
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation during which the error occurred.
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithKey records the cache key involved.
func (e *CacheError) WithKey(key string) *CacheError {
	e.Key = key
	return e
}

// WithContext adds a context key/value pair.
func (e *CacheError) WithContext(key, value string) *CacheError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithRetryable overrides the default retryable hint.
func (e *CacheError) WithRetryable(retryable bool) *CacheError {
	e.Retryable = retryable
	return e
}

// Predicates used by callers and the retry layer.

// CodeOf extracts the error code from an error chain, or "" if the
// chain contains no CacheError.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if cacheErr, ok := err.(*CacheError); ok {
			return cacheErr.Code
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = unwrapper.Unwrap()
	}
	return ""
}

// IsRetryable reports whether the error chain carries a retryable
// cache error.
func IsRetryable(err error) bool {
	for err != nil {
		if cacheErr, ok := err.(*CacheError); ok {
			return cacheErr.Retryable
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// IsBackendUnavailable reports whether the error indicates the remote
// backend is down or its circuit is open.
func IsBackendUnavailable(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeBackendUnavailable || code == ErrCodeCircuitOpen
}

// IsLockWaitTimeout reports whether a single-flight waiter exceeded
// its wait budget. This is distinct from a compute failure: the value
// may still arrive, the caller just stopped waiting.
func IsLockWaitTimeout(err error) bool {
	return CodeOf(err) == ErrCodeLockWaitTimeout
}

// IsCorruptEntry reports whether a stored entry failed to decode.
func IsCorruptEntry(err error) bool {
	return CodeOf(err) == ErrCodeCorruptEntry
}
