// Package errors carries the error taxonomy shared by the sync engine and the
// process wiring around it.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorType classifies a failure by how the caller should react to it.
type ErrorType string

const (
	// ErrorTypeHandshake marks a session that violated the identity handshake.
	// Fatal for that session, never retried at the connection layer.
	ErrorTypeHandshake ErrorType = "handshake"
	// ErrorTypeTransport marks a failed stream read or write. Terminates the
	// affected connection only.
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeCodec marks a batch that could not be encoded or decoded.
	ErrorTypeCodec         ErrorType = "codec"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeValidation    ErrorType = "validation"
)

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Stack     []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with additional context. It returns nil for a
// nil err.
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// TypeOf returns the type of the outermost StructuredError in err's chain, or
// "" if there is none.
func TypeOf(err error) ErrorType {
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Type
	}
	return ""
}

// IsType reports whether err's chain carries a StructuredError of type t.
func IsType(err error, t ErrorType) bool {
	for err != nil {
		var se *StructuredError
		if !stderrors.As(err, &se) {
			return false
		}
		if se.Type == t {
			return true
		}
		err = se.Cause
	}
	return false
}

func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // skip Callers, captureStack and the constructor
	return pcs[:n]
}

func NewHandshakeError(operation, message string) *StructuredError {
	return New(ErrorTypeHandshake, operation, message)
}

func NewConfigurationError(operation, message string) *StructuredError {
	return New(ErrorTypeConfiguration, operation, message)
}

func NewValidationError(operation, message string) *StructuredError {
	return New(ErrorTypeValidation, operation, message)
}

func WrapValidationError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeValidation, operation, message)
}

func WrapHandshakeError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeHandshake, operation, message)
}

func WrapTransportError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeTransport, operation, message)
}

func WrapCodecError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeCodec, operation, message)
}

func WrapConfigurationError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeConfiguration, operation, message)
}
