package models

import "time"

// NoBranch marks a job that does not carry an event branch.
const NoBranch = -1

// CustomerEvent is a tracked action performed by a customer.
type CustomerEvent struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id" validate:"required"`
	CustomerID  string         `json:"customer_id"  validate:"required"`
	Name        string         `json:"name"         validate:"required"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// StepJob asks a processor to evaluate a customer at a step.
type StepJob struct {
	JourneyID   string         `json:"journey_id"`
	StepID      string         `json:"step_id"`
	StepType    StepType       `json:"step_type"`
	CustomerID  string         `json:"customer_id"`
	WorkspaceID string         `json:"workspace_id"`
	Session     string         `json:"session"`
	Event       *CustomerEvent `json:"event,omitempty"`
	Branch      int            `json:"branch"`
	StepDepth   int            `json:"step_depth"`
}

// HasBranch reports whether the job carries an event branch.
func (j *StepJob) HasBranch() bool {
	return j.Branch > NoBranch
}

// Next returns a job for the same customer at another step, one level deeper.
func (j StepJob) Next(step *Step) StepJob {
	return StepJob{
		JourneyID:   j.JourneyID,
		StepID:      step.ID,
		StepType:    step.Type,
		CustomerID:  j.CustomerID,
		WorkspaceID: j.WorkspaceID,
		Session:     j.Session,
		Branch:      NoBranch,
		StepDepth:   j.StepDepth + 1,
	}
}
