package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/otelhelper"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/queue"
	"github.com/dukex/journeys/pkg/segments"
)

// OnEvent routes a customer event to every wait-until step the customer is
// parked at. It returns how many jobs were enqueued.
func (e *Engine) OnEvent(ctx context.Context, event models.CustomerEvent) (int, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.on_event",
		attribute.String(otelhelper.CustomerIDKey, event.CustomerID),
		attribute.String(otelhelper.EventNameKey, event.Name),
	)
	defer span.End()

	logger := e.logger.With("customer_id", event.CustomerID, "event", event.Name)

	customer, err := e.store.Customers().GetByID(ctx, event.CustomerID)
	if err != nil {
		otelhelper.SetError(span, err)

		return 0, fmt.Errorf("failed to load customer: %w", err)
	}

	locations, err := e.locations.ByCustomer(ctx, event.CustomerID)
	if err != nil {
		otelhelper.SetError(span, err)

		return 0, fmt.Errorf("failed to list customer locations: %w", err)
	}

	enqueued := 0

	for _, location := range locations {
		job, ok, err := e.eventJob(ctx, location, customer, event)
		if err != nil {
			otelhelper.SetError(span, err)

			return enqueued, err
		}

		if !ok {
			continue
		}

		err = e.fabric.Add(ctx, job)
		if err != nil {
			otelhelper.SetError(span, err)

			return enqueued, err
		}

		logger.DebugContext(ctx, "event matched wait branch",
			"journey_id", job.JourneyID, "step_id", job.StepID, "branch", job.Branch)

		enqueued++
	}

	return enqueued, nil
}

func (e *Engine) eventJob(
	ctx context.Context,
	location *models.JourneyLocation,
	customer *models.Customer,
	event models.CustomerEvent,
) (models.StepJob, bool, error) {
	journey, err := e.store.Journeys().GetByID(ctx, location.JourneyID)
	if persistence.IsNotFound(err) {
		return models.StepJob{}, false, nil
	}

	if err != nil {
		return models.StepJob{}, false, fmt.Errorf("failed to load journey: %w", err)
	}

	if !journey.CanAdvance() {
		return models.StepJob{}, false, nil
	}

	step, err := e.store.Steps().GetByID(ctx, location.StepID)
	if persistence.IsNotFound(err) {
		return models.StepJob{}, false, nil
	}

	if err != nil {
		return models.StepJob{}, false, fmt.Errorf("failed to load step: %w", err)
	}

	meta, ok := step.Metadata.(*models.WaitUntilMetadata)
	if !ok {
		return models.StepJob{}, false, nil
	}

	branch, ok := e.matchEventBranch(ctx, meta, customer, event)
	if !ok {
		return models.StepJob{}, false, nil
	}

	depth, err := e.depthOf(ctx, journey.ID, step.ID)
	if err != nil {
		return models.StepJob{}, false, err
	}

	return models.StepJob{
		JourneyID:   journey.ID,
		StepID:      step.ID,
		StepType:    step.Type,
		CustomerID:  customer.ID,
		WorkspaceID: journey.WorkspaceID,
		Session:     event.ID,
		Event:       &event,
		Branch:      branch.Index,
		StepDepth:   depth,
	}, true, nil
}

// matchEventBranch returns the first event branch, in index order, whose
// name, expression and payload schema all accept the event.
func (e *Engine) matchEventBranch(
	ctx context.Context,
	meta *models.WaitUntilMetadata,
	customer *models.Customer,
	event models.CustomerEvent,
) (models.WaitBranch, bool) {
	var (
		best  models.WaitBranch
		found bool
	)

	for _, branch := range meta.Branches {
		condition := branch.Event
		if condition == nil || condition.Name != event.Name {
			continue
		}

		if found && best.Index < branch.Index {
			continue
		}

		if condition.Expression != "" {
			ok, err := e.evaluator.Bool(condition.Expression, segments.CustomerEnv(customer, &event))
			if err != nil {
				e.logger.WarnContext(ctx, "event branch expression failed", "branch", branch.Index, "error", err)

				continue
			}

			if !ok {
				continue
			}
		}

		if len(condition.Schema) > 0 {
			err := validatePayload(condition.Schema, event.Payload)
			if err != nil {
				e.logger.DebugContext(ctx, "event payload rejected by branch schema", "branch", branch.Index, "error", err)

				continue
			}
		}

		best, found = branch, true
	}

	return best, found
}

func validatePayload(schema map[string]any, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(payload)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}

		return fmt.Errorf("JSON schema validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

// depthOf returns the distance of a step from the start of its journey.
func (e *Engine) depthOf(ctx context.Context, journeyID, stepID string) (int, error) {
	depths, err := e.depths(ctx, journeyID)
	if err != nil {
		return 0, err
	}

	return max(depths[stepID], 1), nil
}

func (e *Engine) depths(ctx context.Context, journeyID string) (map[string]int, error) {
	steps, err := e.store.Steps().ListByJourney(ctx, journeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}

	g, err := graph.Build(steps)
	if err != nil {
		return nil, queue.Permanent(err)
	}

	return g.Depths(), nil
}
