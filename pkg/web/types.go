package web

import (
	"encoding/json"

	"github.com/dukex/journeys/pkg/models"
)

// CreateJourneyRequest is the body of POST /journeys.
type CreateJourneyRequest struct {
	WorkspaceID string `json:"workspace_id" validate:"required"`
	Name        string `json:"name"         validate:"required,min=1"`
}

// UpdateJourneyRequest is the body of PATCH /journeys/:id. Every field is optional.
type UpdateJourneyRequest struct {
	Name              *string                   `json:"name,omitempty"               validate:"omitempty,min=1"`
	IsDynamic         *bool                     `json:"is_dynamic,omitempty"`
	InclusionCriteria *models.InclusionCriteria `json:"inclusion_criteria,omitempty"`
}

// SaveStepsRequest replaces the graph of a journey.
type SaveStepsRequest struct {
	Steps        []*models.Step  `json:"steps"                   validate:"required,min=1"`
	VisualLayout json.RawMessage `json:"visual_layout,omitempty"`
}

type PauseRequest struct {
	Paused *bool `json:"paused" validate:"required"`
}

// TrackEventRequest is a customer event sent to the event feed.
type TrackEventRequest struct {
	WorkspaceID string         `json:"workspace_id" validate:"required"`
	CustomerID  string         `json:"customer_id"  validate:"required"`
	Name        string         `json:"name"         validate:"required"`
	Payload     map[string]any `json:"payload,omitempty"`
}
