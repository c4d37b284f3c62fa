package errors

import "fmt"

// ErrorType represents the type of error
type ErrorType string

const (
	ErrTypeStorage     ErrorType = "STORAGE"
	ErrTypeNetwork     ErrorType = "NETWORK"
	ErrTypeValidation  ErrorType = "VALIDATION"
	ErrTypeNotFound    ErrorType = "NOT_FOUND"
	ErrTypeEntitlement ErrorType = "ENTITLEMENT"
	ErrTypeState       ErrorType = "STATE"
	ErrTypeHardware    ErrorType = "HARDWARE"
	ErrTypeConfig      ErrorType = "CONFIG"
)

// AppError represents an application-specific error
type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work with AppError
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewStorageError wraps a failure of the durable local store.
func NewStorageError(message string, cause error) *AppError {
	return NewAppError(ErrTypeStorage, message, cause)
}

// NewNetworkError wraps a remote delivery or probe failure.
func NewNetworkError(message string, cause error) *AppError {
	return NewAppError(ErrTypeNetwork, message, cause)
}

// NewAppValidationError creates a validation error for AppError type
func NewAppValidationError(message string) *AppError {
	return NewAppError(ErrTypeValidation, message, nil)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrTypeNotFound, fmt.Sprintf("%s not found", resource), nil)
}

// NewEntitlementError reports a refused free cycle.
func NewEntitlementError(reason string, cause error) *AppError {
	return NewAppError(ErrTypeEntitlement, "free cycle not available", cause).WithContext("reason", reason)
}

// NewStateError reports an operation rejected by the cycle state machine.
func NewStateError(message string, cause error) *AppError {
	return NewAppError(ErrTypeState, message, cause)
}

// NewHardwareError wraps a bridge failure.
func NewHardwareError(message string, cause error) *AppError {
	return NewAppError(ErrTypeHardware, message, cause)
}

// NewConfigError creates a configuration error
func NewConfigError(message string, cause error) *AppError {
	return NewAppError(ErrTypeConfig, message, cause)
}
