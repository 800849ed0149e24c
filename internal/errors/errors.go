// Package errors collects the error definitions shared across spillway.
//
// The taxonomy follows the acquisition engine's failure classes:
//   - capacity exhaustion is never an error (counted drops in the queue)
//   - malformed input is never an error (no-op in the storage engine)
//   - configuration errors fail fast at construction
//   - persistence errors are wrapped with histogram and operation context
//   - producer failures are isolated per producer
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Configuration errors
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrInvalidCalibration = errors.New("invalid calibration")
	ErrInvalidTimebase    = errors.New("invalid timebase")
	ErrMissingField       = errors.New("missing required field")
	ErrUnknownKind        = errors.New("unknown dataspace kind")

	// Acquisition errors
	ErrNoCapableProducer = errors.New("no producer can run")
	ErrBusy              = errors.New("acquisition already running")
	ErrBootFailed        = errors.New("producer boot failed")

	// Persistence errors
	ErrMalformedFile  = errors.New("malformed file")
	ErrMissingDataset = errors.New("missing dataset")
	ErrWriterClosed   = errors.New("writer is closed")
	ErrCorruptRecord  = errors.New("corrupt record")
	ErrNotFound       = errors.New("not found")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsConfiguration returns true if err indicates a configuration defect.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidCalibration) ||
		errors.Is(err, ErrInvalidTimebase) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrUnknownKind)
}

// IsPersistence returns true if err came from loading or saving data.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) ||
		errors.Is(err, ErrMalformedFile) ||
		errors.Is(err, ErrMissingDataset) ||
		errors.Is(err, ErrCorruptRecord)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// PersistenceError records which histogram and which operation failed.
type PersistenceError struct {
	Histogram string
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s histogram %q: %v", e.Op, e.Histogram, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistence wraps err with the histogram name and operation.
func NewPersistence(histogram, op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Histogram: histogram, Op: op, Err: err}
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
