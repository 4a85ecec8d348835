package models

import (
	"slices"
	"time"
)

// Customer is a person messaged by journeys.
type Customer struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id" validate:"required"`
	Email       string         `json:"email,omitempty"  validate:"omitempty,email"`
	Phone       string         `json:"phone,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Journeys    []string       `json:"journeys,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// InJourney reports whether the customer is enrolled in the journey.
func (c *Customer) InJourney(journeyID string) bool {
	return slices.Contains(c.Journeys, journeyID)
}

// Credentials configure a channel provider for a workspace.
type Credentials map[string]string

// Workspace owns journeys, customers and channel credentials.
type Workspace struct {
	ID       string                  `json:"id"`
	Name     string                  `json:"name"     validate:"required"`
	Timezone string                  `json:"timezone"`
	Channels map[Channel]Credentials `json:"channels,omitempty"`
}

// Location returns the workspace time zone, falling back to UTC.
func (w *Workspace) Location() *time.Location {
	if w == nil || w.Timezone == "" {
		return time.UTC
	}

	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.UTC
	}

	return loc
}

// Template is the content of a message step.
type Template struct {
	ID          string  `json:"id"`
	WorkspaceID string  `json:"workspace_id" validate:"required"`
	Name        string  `json:"name"         validate:"required"`
	Channel     Channel `json:"channel"      validate:"required"`
	Subject     string  `json:"subject,omitempty"`
	Body        string  `json:"body"         validate:"required"`
}
