package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType classifies domain errors.
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeJobNotFound ErrorType = "job_not_found"
	ErrorTypeEngine      ErrorType = "engine_not_found"
	ErrorTypeUnsupported ErrorType = "unsupported"
	ErrorTypeConversion  ErrorType = "conversion"
	ErrorTypeTooLarge    ErrorType = "too_large"
	ErrorTypeConfig      ErrorType = "config"
	ErrorTypeIO          ErrorType = "io"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeInfected    ErrorType = "infected"
)

// DomainError represents a domain-specific error with context
type DomainError struct {
	Type        ErrorType
	Message     string
	Err         error
	Suggestions []Suggestion
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Code returns the public API error code for the error type.
func (e *DomainError) Code() string {
	switch e.Type {
	case ErrorTypeValidation:
		return "BAD_REQUEST"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeJobNotFound:
		return "JOB_NOT_FOUND"
	case ErrorTypeEngine:
		return "ENGINE_NOT_FOUND"
	case ErrorTypeUnsupported:
		return "UNSUPPORTED_CONVERSION"
	case ErrorTypeConversion:
		return "CONVERSION_FAILED"
	case ErrorTypeTooLarge:
		return "FILE_TOO_LARGE"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeInfected:
		return "FILE_INFECTED"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatus returns the HTTP status matching the error type.
func (e *DomainError) HTTPStatus() int {
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound, ErrorTypeJobNotFound, ErrorTypeEngine:
		return http.StatusNotFound
	case ErrorTypeUnsupported, ErrorTypeInfected:
		return http.StatusUnprocessableEntity
	case ErrorTypeTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrorTypeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// Common error constructors
func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func NotFoundError(message string) *DomainError {
	return NewError(ErrorTypeNotFound, message, nil)
}

// JobNotFoundError reports a job that does not exist or belongs to another
// user.
func JobNotFoundError(jobID string) *DomainError {
	return NewError(ErrorTypeJobNotFound, fmt.Sprintf("job %s not found", jobID), nil)
}

func EngineNotFoundError(engineID string) *DomainError {
	return NewError(ErrorTypeEngine, fmt.Sprintf("engine %q not found", engineID), nil)
}

// UnsupportedConversionError reports a from/to pair no engine (or the chosen
// engine) can handle, together with alternatives the caller could try.
func UnsupportedConversionError(engineID, from, to string, suggestions []Suggestion) *DomainError {
	msg := fmt.Sprintf("conversion from %s to %s is not supported", from, to)
	if engineID != "" {
		msg = fmt.Sprintf("engine %q does not support conversion from %s to %s", engineID, from, to)
	}
	e := NewError(ErrorTypeUnsupported, msg, nil)
	e.Suggestions = suggestions
	return e
}

func ConversionError(message string, err error) *DomainError {
	return NewError(ErrorTypeConversion, message, err)
}

func TooLargeError(message string) *DomainError {
	return NewError(ErrorTypeTooLarge, message, nil)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}

// ConflictError reports a request that clashes with the resource's state.
func ConflictError(message string) *DomainError {
	return NewError(ErrorTypeConflict, message, nil)
}

// InfectedError reports an upload rejected by the virus scanner.
func InfectedError(name string, viruses []string) *DomainError {
	msg := fmt.Sprintf("%s is infected", name)
	if len(viruses) > 0 {
		msg += ": " + strings.Join(viruses, ", ")
	}
	return NewError(ErrorTypeInfected, msg, nil)
}

// AsDomainError unwraps err into a *DomainError. Errors of other kinds are
// reported as internal I/O errors.
func AsDomainError(err error) *DomainError {
	var de *DomainError
	if errors.As(err, &de) {
		return de
	}
	return IOError("internal error", err)
}

// IsType reports whether err is a DomainError of the given type.
func IsType(err error, t ErrorType) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Type == t
}
