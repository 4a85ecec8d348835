// Package models defines the core domain models for journey execution
package models

import (
	"encoding/json"
	"time"
)

// InclusionCriteria selects the customers a journey enrolls.
// Expression is an expr-lang boolean expression evaluated against the customer.
type InclusionCriteria struct {
	Expression string `json:"expression" validate:"required"`
}

// Journey is a workflow of steps that customers move through.
type Journey struct {
	ID                string             `json:"id"`
	WorkspaceID       string             `json:"workspace_id"                 validate:"required"`
	Name              string             `json:"name"                         validate:"required,min=1"`
	InclusionCriteria *InclusionCriteria `json:"inclusion_criteria,omitempty"`
	IsActive          bool               `json:"is_active"`
	IsPaused          bool               `json:"is_paused"`
	IsStopped         bool               `json:"is_stopped"`
	IsDeleted         bool               `json:"is_deleted"`
	IsDynamic         bool               `json:"is_dynamic"`
	VisualLayout      json.RawMessage    `json:"visual_layout,omitempty"` // UI only, never read by the engine
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	LatestPause       *time.Time         `json:"latest_pause,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// IsEditable reports whether steps and settings may still change.
func (j *Journey) IsEditable() bool {
	return !j.IsActive && !j.IsStopped && !j.IsDeleted && !j.IsPaused
}

// CanEnroll reports whether new customers may enter the journey.
func (j *Journey) CanEnroll() bool {
	return j.IsActive && !j.IsPaused && !j.IsStopped && !j.IsDeleted
}

// CanAdvance reports whether processors may still move customers.
// Paused journeys keep moving customers already inside them.
func (j *Journey) CanAdvance() bool {
	return !j.IsStopped && !j.IsDeleted
}

// EmptyLayout is the visual layout of a freshly created journey.
var EmptyLayout = json.RawMessage(`{"nodes":[],"edges":[]}`)

// JourneyStatistics summarizes where enrolled customers are.
type JourneyStatistics struct {
	JourneyID string         `json:"journey_id"`
	Enrolled  int            `json:"enrolled"`
	Finished  int            `json:"finished"`
	ByStep    map[string]int `json:"by_step"`
}
