package domain

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrInternal     = errors.New("internal error")
	ErrUnavailable  = errors.New("service unavailable")
)

// Specific errors.
var (
	ErrJobNotFound        = fmt.Errorf("job: %w", ErrNotFound)
	ErrTileNotFound       = fmt.Errorf("cached tile: %w", ErrNotFound)
	ErrNoCoverage         = fmt.Errorf("no lidar coverage for area: %w", ErrNotFound)
	ErrInvalidArea        = fmt.Errorf("area geometry: %w", ErrInvalidInput)
	ErrInvalidColorMode   = fmt.Errorf("color mode: %w", ErrInvalidInput)
	ErrJobNotCancellable  = fmt.Errorf("job already started: %w", ErrInvalidInput)
	ErrUnsupportedLocator = fmt.Errorf("source locator: %w", ErrUnsupported)
	ErrStorageUnavailable = fmt.Errorf("storage: %w", ErrUnavailable)
)

// ValidationError represents a detailed validation error.
type ValidationError struct {
	Field      string      // Field that failed validation
	Value      interface{} // The invalid value
	Constraint string      // The constraint that was violated
	Message    string      // Human-readable message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
		e.Field, e.Message, e.Value, e.Constraint)
}

// Unwrap returns the underlying error type.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// StorageError represents an error during storage or origin transfer operations.
type StorageError struct {
	Operation string // Operation that failed (download, upload, fetch, etc.)
	Key       string // Object key or URL
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error during %s for %s: %v",
			e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// ToolError represents a failed external tool invocation.
type ToolError struct {
	Tool   string // Tool name (pdal, py3dtiles)
	Output string // Trailing diagnostics from the tool
	Err    error  // Underlying error (exit status, context deadline, ...)
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s failed: %v: %s", e.Tool, e.Err, e.Output)
	}
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Err
}

// TransitionError represents a rejected job status transition.
type TransitionError struct {
	From JobStatus
	To   JobStatus
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal job transition from %s to %s", e.From, e.To)
}

// Unwrap returns the underlying error type.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidInput
}
