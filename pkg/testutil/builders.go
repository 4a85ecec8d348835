// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"github.com/google/uuid"

	"github.com/dukex/journeys/pkg/models"
)

// CreateTestJourney creates a test Journey with default values that can be overridden.
func CreateTestJourney(overrides ...func(*models.Journey)) *models.Journey {
	journey := &models.Journey{
		ID:                uuid.New().String(),
		WorkspaceID:       "workspace-1",
		Name:              "Test Journey",
		InclusionCriteria: &models.InclusionCriteria{Expression: "true"},
		VisualLayout:      models.EmptyLayout,
	}

	for _, override := range overrides {
		override(journey)
	}

	return journey
}

// WithCriteria sets the inclusion criteria expression.
func WithCriteria(expression string) func(*models.Journey) {
	return func(j *models.Journey) {
		j.InclusionCriteria = &models.InclusionCriteria{Expression: expression}
	}
}

// WithDynamic marks the journey as dynamic.
func WithDynamic() func(*models.Journey) {
	return func(j *models.Journey) {
		j.IsDynamic = true
	}
}

// WithActive marks the journey as started.
func WithActive() func(*models.Journey) {
	return func(j *models.Journey) {
		j.IsActive = true
	}
}

// CreateTestCustomer creates a customer in the given workspace.
func CreateTestCustomer(workspaceID string, overrides ...func(*models.Customer)) *models.Customer {
	customer := &models.Customer{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Email:       "customer@example.com",
		Attributes:  map[string]any{},
	}

	for _, override := range overrides {
		override(customer)
	}

	return customer
}

// WithAttributes replaces the customer attributes.
func WithAttributes(attributes map[string]any) func(*models.Customer) {
	return func(c *models.Customer) {
		c.Attributes = attributes
	}
}

// StartStep creates a START step.
func StartStep(id, destination string) *models.Step {
	return &models.Step{ID: id, Type: models.StepTypeStart, Metadata: &models.StartMetadata{Destination: destination}}
}

// MessageStep creates a MESSAGE step sending templateID through the log channel.
func MessageStep(id, destination, templateID string) *models.Step {
	return &models.Step{ID: id, Type: models.StepTypeMessage, Metadata: &models.MessageMetadata{
		Destination: destination,
		Channel:     models.ChannelLog,
		TemplateID:  templateID,
	}}
}

// DelayStep creates a TIME_DELAY step.
func DelayStep(id, destination string, delay models.Delay) *models.Step {
	return &models.Step{ID: id, Type: models.StepTypeTimeDelay, Metadata: &models.TimeDelayMetadata{
		Destination: destination,
		Delay:       delay,
	}}
}

// WindowStep creates a TIME_WINDOW step.
func WindowStep(id, destination string, window models.TimeWindow) *models.Step {
	return &models.Step{ID: id, Type: models.StepTypeTimeWindow, Metadata: &models.TimeWindowMetadata{
		Destination: destination,
		Window:      window,
	}}
}

// WaitStep creates a WAIT_UNTIL_BRANCH step; branch indexes follow argument order.
func WaitStep(id string, branches ...models.WaitBranch) *models.Step {
	for i := range branches {
		branches[i].Index = i
	}

	return &models.Step{ID: id, Type: models.StepTypeWaitUntil, Metadata: &models.WaitUntilMetadata{Branches: branches}}
}

// EventBranch waits for an event with the given name.
func EventBranch(name, destination string) models.WaitBranch {
	return models.WaitBranch{Destination: destination, Event: &models.EventCondition{Name: name}}
}

// DelayBranch fires once the delay has elapsed.
func DelayBranch(delay models.Delay, destination string) models.WaitBranch {
	return models.WaitBranch{Destination: destination, Time: &models.TimeCondition{Delay: &delay}}
}

// SplitStep creates a MULTISPLIT step; the last branch is the default.
func SplitStep(id string, branches ...models.SplitBranch) *models.Step {
	for i := range branches {
		branches[i].Index = i
	}

	return &models.Step{ID: id, Type: models.StepTypeMultisplit, Metadata: &models.MultisplitMetadata{Branches: branches}}
}

// ExperimentStep creates an EXPERIMENT step.
func ExperimentStep(id string, branches ...models.ExperimentBranch) *models.Step {
	for i := range branches {
		branches[i].Index = i
	}

	return &models.Step{ID: id, Type: models.StepTypeExperiment, Metadata: &models.ExperimentMetadata{Branches: branches}}
}

// LoopStep creates a LOOP step.
func LoopStep(id, destination string) *models.Step {
	return &models.Step{ID: id, Type: models.StepTypeLoop, Metadata: &models.LoopMetadata{Destination: destination}}
}

// ExitStep creates an EXIT step.
func ExitStep(id string) *models.Step {
	return &models.Step{ID: id, Type: models.StepTypeExit, Metadata: &models.ExitMetadata{}}
}

// WithJourney assigns steps to a journey and workspace.
func WithJourney(journey *models.Journey, steps ...*models.Step) []*models.Step {
	for _, step := range steps {
		step.JourneyID = journey.ID
		step.WorkspaceID = journey.WorkspaceID
	}

	return steps
}
