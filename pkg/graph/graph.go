// Package graph builds and validates the step graph of a journey.
package graph

import (
	"errors"
	"fmt"
	"slices"

	"github.com/dukex/journeys/pkg/models"
)

var (
	ErrInvalidArity       = errors.New("invalid number of destinations")
	ErrMissingDestination = errors.New("destination does not exist")
	ErrStartStep          = errors.New("journey must have exactly one start step")
	ErrCyclicGraph        = errors.New("journey graph contains a cycle")
)

// ValidationError reports the step that made a graph invalid.
type ValidationError struct {
	StepID string
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("step %s: %v: %s", e.StepID, e.Err, e.Detail)
	}

	return fmt.Sprintf("step %s: %v", e.StepID, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// Edge connects a step to one of its destinations.
type Edge struct {
	From string
	To   string
	Loop bool
}

// Graph is the immutable step graph of a journey.
type Graph struct {
	steps map[string]*models.Step
	order []string
	edges map[string][]Edge
	start string
}

// Build validates steps and returns their graph.
func Build(steps []*models.Step) (*Graph, error) {
	g := &Graph{
		steps: make(map[string]*models.Step, len(steps)),
		order: make([]string, 0, len(steps)),
		edges: make(map[string][]Edge, len(steps)),
	}

	for _, step := range steps {
		if _, exists := g.steps[step.ID]; exists {
			return nil, &ValidationError{StepID: step.ID, Err: ErrInvalidArity, Detail: "duplicate step id"}
		}

		g.steps[step.ID] = step
		g.order = append(g.order, step.ID)

		if step.Type == models.StepTypeStart {
			if g.start != "" {
				return nil, &ValidationError{StepID: step.ID, Err: ErrStartStep}
			}

			g.start = step.ID
		}
	}

	if g.start == "" {
		return nil, &ValidationError{Err: ErrStartStep}
	}

	for _, id := range g.order {
		step := g.steps[id]

		if err := checkArity(step); err != nil {
			return nil, err
		}

		for _, destination := range step.Destinations() {
			if _, ok := g.steps[destination]; !ok {
				return nil, &ValidationError{StepID: id, Err: ErrMissingDestination, Detail: destination}
			}

			g.edges[id] = append(g.edges[id], Edge{
				From: id,
				To:   destination,
				Loop: step.Type == models.StepTypeLoop,
			})
		}
	}

	return g, nil
}

func checkArity(step *models.Step) error {
	if step.Metadata == nil {
		return &ValidationError{StepID: step.ID, Err: ErrInvalidArity, Detail: "missing metadata"}
	}

	if step.Metadata.StepType() != step.Type {
		return &ValidationError{StepID: step.ID, Err: ErrInvalidArity, Detail: "metadata does not match step type"}
	}

	destinations := step.Destinations()

	switch step.Type {
	case models.StepTypeStart, models.StepTypeMessage, models.StepTypeTimeDelay,
		models.StepTypeTimeWindow, models.StepTypeLoop:
		if len(destinations) != 1 {
			return &ValidationError{
				StepID: step.ID,
				Err:    ErrInvalidArity,
				Detail: fmt.Sprintf("%s needs exactly one destination, got %d", step.Type, len(destinations)),
			}
		}
	case models.StepTypeExit:
		if len(destinations) != 0 {
			return &ValidationError{StepID: step.ID, Err: ErrInvalidArity, Detail: "exit cannot have destinations"}
		}
	case models.StepTypeWaitUntil, models.StepTypeMultisplit, models.StepTypeExperiment:
		if len(destinations) == 0 {
			return &ValidationError{StepID: step.ID, Err: ErrInvalidArity, Detail: "at least one branch is required"}
		}

		if slices.Contains(destinations, "") {
			return &ValidationError{StepID: step.ID, Err: ErrInvalidArity, Detail: "every branch needs a destination"}
		}
	default:
		return &ValidationError{StepID: step.ID, Err: models.ErrUnknownStepType}
	}

	return nil
}

// Start returns the START step.
func (g *Graph) Start() *models.Step {
	return g.steps[g.start]
}

// Step returns a step by id.
func (g *Graph) Step(id string) (*models.Step, bool) {
	step, ok := g.steps[id]

	return step, ok
}

// Steps returns the steps in their original order.
func (g *Graph) Steps() []*models.Step {
	steps := make([]*models.Step, 0, len(g.order))
	for _, id := range g.order {
		steps = append(steps, g.steps[id])
	}

	return steps
}

// Edges returns the outgoing edges of a step.
func (g *Graph) Edges(id string) []Edge {
	return g.edges[id]
}

// IsAcyclic reports whether the graph has no cycles once loop edges are removed.
func (g *Graph) IsAcyclic() bool {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(g.steps))

	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return false
		case done:
			return true
		}

		state[id] = visiting

		for _, edge := range g.edges[id] {
			if edge.Loop {
				continue
			}

			if !visit(edge.To) {
				return false
			}
		}

		state[id] = done

		return true
	}

	for _, id := range g.order {
		if !visit(id) {
			return false
		}
	}

	return true
}

// Depths returns the shortest distance of every reachable step from START.
// START itself has depth 1.
func (g *Graph) Depths() map[string]int {
	depths := map[string]int{g.start: 1}
	queue := []string{g.start}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, edge := range g.edges[id] {
			if _, seen := depths[edge.To]; seen {
				continue
			}

			depths[edge.To] = depths[id] + 1
			queue = append(queue, edge.To)
		}
	}

	return depths
}
