package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies keeper errors so callers can branch on the category
// instead of matching message strings.
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeProcess     ErrorType = "process"
	ErrorTypeHealthCheck ErrorType = "health_check"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypePermission  ErrorType = "permission"
	ErrorTypeIO          ErrorType = "io"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeCancelled   ErrorType = "cancelled"
)

// DomainError is a typed error carrying an optional cause and free-form context.
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches two domain errors by type, which lets errors.Is compare against
// a sentinel like &DomainError{Type: ErrorTypeConflict}.
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext attaches a key/value pair for diagnostics and returns the error
// for chaining.
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func newError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return newError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return newError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return newError(ErrorTypeConflict, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return newError(ErrorTypeProcess, message, cause)
}

func NewHealthCheckError(message string, cause error) *DomainError {
	return newError(ErrorTypeHealthCheck, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return newError(ErrorTypeTimeout, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return newError(ErrorTypePermission, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return newError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return newError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return newError(ErrorTypeCancelled, message, cause)
}

// IsType reports whether err is (or wraps) a DomainError of the given type.
func IsType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

func IsValidationError(err error) bool  { return IsType(err, ErrorTypeValidation) }
func IsNotFoundError(err error) bool    { return IsType(err, ErrorTypeNotFound) }
func IsConflictError(err error) bool    { return IsType(err, ErrorTypeConflict) }
func IsProcessError(err error) bool     { return IsType(err, ErrorTypeProcess) }
func IsHealthCheckError(err error) bool { return IsType(err, ErrorTypeHealthCheck) }
func IsTimeoutError(err error) bool     { return IsType(err, ErrorTypeTimeout) }
func IsPermissionError(err error) bool  { return IsType(err, ErrorTypePermission) }
func IsIOError(err error) bool          { return IsType(err, ErrorTypeIO) }
func IsInternalError(err error) bool    { return IsType(err, ErrorTypeInternal) }
func IsCancelledError(err error) bool   { return IsType(err, ErrorTypeCancelled) }

// ErrorCollection aggregates errors from bulk operations such as stopping
// every app during shutdown.
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{}
}
