package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrSignature        = errors.New("signature verification failed")
	ErrStorage          = errors.New("storage failure")
	ErrConflict         = errors.New("concurrent modification")
	ErrInternalError    = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeSignature  ErrorType = "signature"
	ErrorTypeStorage    ErrorType = "storage"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
)

// EntitlementError is a structured error for entitlement operations.
type EntitlementError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "verify_license", "load_device")
	Subject    string // Device or account the operation concerned, if any
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
}

func (e *EntitlementError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *EntitlementError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *EntitlementError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	case ErrSignature:
		return e.Type == ErrorTypeSignature
	case ErrStorage:
		return e.Type == ErrorTypeStorage
	case ErrConflict:
		return e.Type == ErrorTypeConflict
	}

	return errors.Is(e.Err, target)
}

// New creates a new EntitlementError
func New(errorType ErrorType, op string, err error) *EntitlementError {
	return &EntitlementError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithSubject records the device or account the error concerns.
func (e *EntitlementError) WithSubject(subject string) *EntitlementError {
	e.Subject = subject
	return e
}

// WithStatusCode adds HTTP status code to the error
func (e *EntitlementError) WithStatusCode(code int) *EntitlementError {
	e.StatusCode = code
	return e
}

// Helper functions

// WrapConnectionError wraps a network or upstream failure.
func WrapConnectionError(op string, err error) error {
	return New(ErrorTypeConnection, op, err)
}

// WrapStorageError wraps a persistence failure.
func WrapStorageError(op string, err error) error {
	return New(ErrorTypeStorage, op, err)
}

// WrapValidationError wraps malformed input.
func WrapValidationError(op string, err error) error {
	return New(ErrorTypeValidation, op, err)
}

// WrapSignatureError wraps a failed signature check.
func WrapSignatureError(op string, err error) error {
	return New(ErrorTypeSignature, op, err)
}

// TypeOf returns the ErrorType of err, or ErrorTypeInternal when it carries none.
func TypeOf(err error) ErrorType {
	var entErr *EntitlementError
	if errors.As(err, &entErr) {
		return entErr.Type
	}
	return ErrorTypeInternal
}

// IsTransient reports whether err is a network-class failure that the offline
// grace policy covers.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConnectionFailed)
}

// IsStorage reports whether err came from the persistence layer.
func IsStorage(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStorage)
}

// IsValidation reports whether err was caused by malformed input.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInvalidInput)
}
