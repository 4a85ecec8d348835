package journeys

import (
	"errors"
	"fmt"

	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/models"
)

// Validation errors (400 Bad Request).
var (
	ErrNameRequired        = errors.New("journey name is required")
	ErrNoInclusionCriteria = errors.New("journey has no inclusion criteria")
	ErrInvalidCriteria     = errors.New("invalid inclusion criteria")
	ErrInvalidStep         = errors.New("invalid step")
)

// Lifecycle conflicts (409 Conflict).
var (
	ErrNotEditable = errors.New("journey is not editable")
	ErrNotActive   = errors.New("journey is not active")
	ErrStopped     = errors.New("journey is stopped")
)

// Error wraps an orchestrator failure with the operation and journey involved.
type Error struct {
	Op        string
	JourneyID string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s journey %s: %s", e.Op, e.JourneyID, e.Message)
	}

	return fmt.Sprintf("%s journey %s: %v", e.Op, e.JourneyID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func newError(op, journeyID string, err error) *Error {
	return &Error{Op: op, JourneyID: journeyID, Err: err}
}

// IsValidationError reports whether err was caused by bad input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrNameRequired) ||
		errors.Is(err, ErrNoInclusionCriteria) ||
		errors.Is(err, ErrInvalidCriteria) ||
		errors.Is(err, ErrInvalidStep) ||
		errors.Is(err, graph.ErrInvalidArity) ||
		errors.Is(err, graph.ErrMissingDestination) ||
		errors.Is(err, graph.ErrStartStep) ||
		errors.Is(err, graph.ErrCyclicGraph) ||
		errors.Is(err, models.ErrUnknownStepType) ||
		errors.Is(err, models.ErrInvalidWindow)
}

// IsConflictError reports whether err was caused by the journey's lifecycle state.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrNotEditable) ||
		errors.Is(err, ErrNotActive) ||
		errors.Is(err, ErrStopped)
}
