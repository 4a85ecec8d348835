package models

import "time"

// JourneyLocation records which step a customer currently occupies in a journey.
// MoveStarted is non-nil while a processor holds the location; LockToken
// identifies that holder.
type JourneyLocation struct {
	JourneyID      string    `json:"journey_id"`
	CustomerID     string    `json:"customer_id"`
	WorkspaceID    string    `json:"workspace_id"`
	StepID         string    `json:"step_id"`
	StepEntry      int64     `json:"step_entry"`
	StepEntryAt    time.Time `json:"step_entry_at"`
	JourneyEntry   int64     `json:"journey_entry"`
	JourneyEntryAt time.Time `json:"journey_entry_at"`
	MoveStarted    *int64    `json:"move_started,omitempty"`
	LockToken      string    `json:"lock_token,omitempty"`
	MessageSent    bool      `json:"message_sent"`
}

// IsLocked reports whether a processor holds the location.
func (l *JourneyLocation) IsLocked() bool {
	return l.MoveStarted != nil
}

// IsStale reports whether the lock was taken before the cutoff.
func (l *JourneyLocation) IsStale(cutoff time.Time) bool {
	return l.MoveStarted != nil && *l.MoveStarted < cutoff.UnixMilli()
}

// StepEntered returns when the customer arrived at the current step.
func (l *JourneyLocation) StepEntered() time.Time {
	return time.UnixMilli(l.StepEntry)
}

// NewLocation places a customer at the start step of a journey.
func NewLocation(journey *Journey, customerID, startStepID string, now time.Time) *JourneyLocation {
	ms := now.UnixMilli()
	at := time.UnixMilli(ms).UTC()

	return &JourneyLocation{
		JourneyID:      journey.ID,
		CustomerID:     customerID,
		WorkspaceID:    journey.WorkspaceID,
		StepID:         startStepID,
		StepEntry:      ms,
		StepEntryAt:    at,
		JourneyEntry:   ms,
		JourneyEntryAt: at,
	}
}
