// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrJourneyNotFound indicates a journey was not found by the given identifier.
	ErrJourneyNotFound = errors.New("journey not found")

	// ErrStepNotFound indicates a step was not found by the given identifier.
	ErrStepNotFound = errors.New("step not found")

	// ErrLocationNotFound indicates the customer is not enrolled in the journey.
	ErrLocationNotFound = errors.New("journey location not found")

	// ErrLocationExists indicates the customer is already enrolled in the journey.
	ErrLocationExists = errors.New("journey location already exists")

	// ErrAlreadyLocked indicates another processor holds the location.
	ErrAlreadyLocked = errors.New("journey location already locked")

	// ErrLockLost indicates the lock was reclaimed from the caller.
	ErrLockLost = errors.New("journey location lock lost")

	ErrCustomerNotFound  = errors.New("customer not found")
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrTemplateNotFound  = errors.New("template not found")
)

// JourneyError wraps journey-related errors with additional context.
type JourneyError struct {
	Op        string // Operation being performed (e.g., "GetByID", "Save")
	JourneyID string
	Err       error
}

func (e *JourneyError) Error() string {
	return fmt.Sprintf("%s operation failed for journey %s: %v", e.Op, e.JourneyID, e.Err)
}

func (e *JourneyError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for journey errors.
func (e *JourneyError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewJourneyError creates a new journey error with context.
func NewJourneyError(op, journeyID string, err error) *JourneyError {
	return &JourneyError{Op: op, JourneyID: journeyID, Err: err}
}

// LocationError wraps location errors with the customer and journey involved.
type LocationError struct {
	Op         string
	JourneyID  string
	CustomerID string
	Err        error
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("%s operation failed for customer %s in journey %s: %v", e.Op, e.CustomerID, e.JourneyID, e.Err)
}

func (e *LocationError) Unwrap() error {
	return e.Err
}

func (e *LocationError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewLocationError creates a new location error with context.
func NewLocationError(op, journeyID, customerID string, err error) *LocationError {
	return &LocationError{Op: op, JourneyID: journeyID, CustomerID: customerID, Err: err}
}

// IsNotFound checks if an error indicates a missing record of any kind.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJourneyNotFound) ||
		errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrLocationNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrWorkspaceNotFound) ||
		errors.Is(err, ErrTemplateNotFound)
}

// IsAlreadyLocked checks if an error indicates lock contention.
func IsAlreadyLocked(err error) bool {
	return errors.Is(err, ErrAlreadyLocked)
}
