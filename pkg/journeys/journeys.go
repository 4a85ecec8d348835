// Package journeys manages the lifecycle of journeys: editing, starting,
// enrolling customers, pausing and stopping.
package journeys

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/locations"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/otelhelper"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/queue"
	"github.com/dukex/journeys/pkg/segments"
)

// Orchestrator is the entry point for every change to a journey.
type Orchestrator struct {
	store     persistence.Persistence
	locations *locations.Store
	fabric    *queue.Fabric
	oracle    segments.Oracle
	evaluator *segments.Evaluator
	publisher eventbus.EventPublisher
	clock     clockwork.Clock
	tracer    trace.Tracer
	logger    *slog.Logger
}

// New creates an orchestrator. publisher and tracer may be nil.
func New(
	store persistence.Persistence,
	locationStore *locations.Store,
	fabric *queue.Fabric,
	oracle segments.Oracle,
	evaluator *segments.Evaluator,
	publisher eventbus.EventPublisher,
	clock clockwork.Clock,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Orchestrator {
	if evaluator == nil {
		evaluator = segments.NewEvaluator()
	}

	if tracer == nil {
		tracer = otelhelper.NoopTracer()
	}

	return &Orchestrator{
		store:     store,
		locations: locationStore,
		fabric:    fabric,
		oracle:    oracle,
		evaluator: evaluator,
		publisher: publisher,
		clock:     clock,
		tracer:    tracer,
		logger:    logger.With("module", "journeys"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (o *Orchestrator) HealthCheck(ctx context.Context) (string, bool) {
	err := o.store.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Get returns a journey by ID.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.Journey, error) {
	return o.store.Journeys().GetByID(ctx, id)
}

// List returns the journeys of a workspace, deleted ones excluded.
func (o *Orchestrator) List(ctx context.Context, workspaceID string) ([]*models.Journey, error) {
	return o.store.Journeys().List(ctx, workspaceID)
}

// Steps returns the steps of a journey.
func (o *Orchestrator) Steps(ctx context.Context, id string) ([]*models.Step, error) {
	_, err := o.store.Journeys().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return o.store.Steps().ListByJourney(ctx, id)
}

// Create adds an editable journey holding a single START step.
func (o *Orchestrator) Create(ctx context.Context, workspaceID, name string) (*models.Journey, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "journeys.create",
		attribute.String(otelhelper.WorkspaceIDKey, workspaceID),
	)
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, newError("create", "", ErrNameRequired)
	}

	journey := &models.Journey{
		ID:           uuid.NewString(),
		WorkspaceID:  workspaceID,
		Name:         name,
		VisualLayout: models.EmptyLayout,
	}

	start := &models.Step{
		ID:          uuid.NewString(),
		JourneyID:   journey.ID,
		WorkspaceID: workspaceID,
		Type:        models.StepTypeStart,
		Metadata:    &models.StartMetadata{},
	}

	err := o.store.WithTransaction(ctx, func(ctx context.Context) error {
		err := o.store.Journeys().Save(ctx, journey)
		if err != nil {
			return err
		}

		return o.store.Steps().Replace(ctx, journey.ID, []*models.Step{start})
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to create journey: %w", err)
	}

	o.logger.InfoContext(ctx, "journey created", "journey_id", journey.ID, "workspace_id", workspaceID)

	return journey, nil
}

// UpdateJourney carries the settings to change; nil fields are left alone.
type UpdateJourney struct {
	Name              *string                   `json:"name,omitempty"`
	IsDynamic         *bool                     `json:"is_dynamic,omitempty"`
	InclusionCriteria *models.InclusionCriteria `json:"inclusion_criteria,omitempty"`
}

// Update changes the settings of an editable journey.
func (o *Orchestrator) Update(ctx context.Context, id string, update UpdateJourney) (*models.Journey, error) {
	journey, err := o.editable(ctx, "update", id)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return nil, newError("update", id, ErrNameRequired)
		}

		journey.Name = name
	}

	if update.IsDynamic != nil {
		journey.IsDynamic = *update.IsDynamic
	}

	if update.InclusionCriteria != nil {
		err = o.evaluator.Compile(update.InclusionCriteria.Expression)
		if err != nil {
			return nil, &Error{Op: "update", JourneyID: id, Message: err.Error(), Err: ErrInvalidCriteria}
		}

		journey.InclusionCriteria = update.InclusionCriteria
	}

	err = o.store.Journeys().Save(ctx, journey)
	if err != nil {
		return nil, fmt.Errorf("failed to update journey: %w", err)
	}

	return journey, nil
}

// SaveSteps replaces the steps of an editable journey. layout is stored as
// is when not empty.
func (o *Orchestrator) SaveSteps(
	ctx context.Context,
	id string,
	steps []*models.Step,
	layout json.RawMessage,
) ([]*models.Step, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "journeys.save_steps",
		attribute.String(otelhelper.JourneyIDKey, id),
	)
	defer span.End()

	journey, err := o.editable(ctx, "save steps", id)
	if err != nil {
		return nil, err
	}

	for _, step := range steps {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}

		step.JourneyID = journey.ID
		step.WorkspaceID = journey.WorkspaceID
	}

	_, err = graph.Build(steps)
	if err != nil {
		return nil, newError("save steps", id, err)
	}

	err = o.validateSteps(steps)
	if err != nil {
		return nil, newError("save steps", id, err)
	}

	err = o.store.WithTransaction(ctx, func(ctx context.Context) error {
		err := o.store.Steps().Replace(ctx, journey.ID, steps)
		if err != nil {
			return err
		}

		if len(layout) == 0 {
			return nil
		}

		journey.VisualLayout = layout

		return o.store.Journeys().Save(ctx, journey)
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to save steps: %w", err)
	}

	return steps, nil
}

// validateSteps checks what the graph cannot: windows and expressions.
func (o *Orchestrator) validateSteps(steps []*models.Step) error {
	for _, step := range steps {
		switch meta := step.Metadata.(type) {
		case *models.TimeWindowMetadata:
			err := meta.Window.Validate()
			if err != nil {
				return fmt.Errorf("step %s: %w", step.ID, err)
			}
		case *models.WaitUntilMetadata:
			for _, branch := range meta.Branches {
				err := o.validateWaitBranch(branch)
				if err != nil {
					return fmt.Errorf("step %s branch %d: %w", step.ID, branch.Index, err)
				}
			}
		case *models.MultisplitMetadata:
			for _, branch := range meta.Branches {
				if branch.Default {
					continue
				}

				err := o.evaluator.Compile(branch.Expression)
				if err != nil {
					return fmt.Errorf("%w: step %s branch %d: %v", ErrInvalidStep, step.ID, branch.Index, err)
				}
			}
		}
	}

	return nil
}

func (o *Orchestrator) validateWaitBranch(branch models.WaitBranch) error {
	switch {
	case branch.Event != nil && branch.Time != nil:
		return fmt.Errorf("%w: branch has both an event and a time condition", ErrInvalidStep)
	case branch.Event != nil:
		if branch.Event.Name == "" {
			return fmt.Errorf("%w: event name is required", ErrInvalidStep)
		}

		if branch.Event.Expression == "" {
			return nil
		}

		err := o.evaluator.Compile(branch.Event.Expression)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidStep, err)
		}

		return nil
	case branch.Time != nil && branch.Time.Window != nil:
		return branch.Time.Window.Validate()
	case branch.Time != nil && branch.Time.Delay != nil:
		return nil
	default:
		return fmt.Errorf("%w: branch needs an event or a time condition", ErrInvalidStep)
	}
}

// Duplicate copies a journey and its steps under new IDs. The copy is
// editable and named after the original with a -copy-N suffix.
func (o *Orchestrator) Duplicate(ctx context.Context, id string) (*models.Journey, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "journeys.duplicate",
		attribute.String(otelhelper.JourneyIDKey, id),
	)
	defer span.End()

	var duplicate *models.Journey

	err := o.store.WithTransaction(ctx, func(ctx context.Context) error {
		original, err := o.store.Journeys().GetByID(ctx, id)
		if err != nil {
			return err
		}

		steps, err := o.store.Steps().ListByJourney(ctx, id)
		if err != nil {
			return err
		}

		name, err := o.copyName(ctx, original)
		if err != nil {
			return err
		}

		duplicate = &models.Journey{
			ID:                uuid.NewString(),
			WorkspaceID:       original.WorkspaceID,
			Name:              name,
			InclusionCriteria: original.InclusionCriteria,
			IsDynamic:         original.IsDynamic,
		}

		ids := make(map[string]string, len(steps))
		for _, step := range steps {
			ids[step.ID] = uuid.NewString()
		}

		copied, err := remapSteps(steps, ids, duplicate)
		if err != nil {
			return err
		}

		duplicate.VisualLayout = json.RawMessage(replaceIDs(string(original.VisualLayout), ids))

		err = o.store.Journeys().Save(ctx, duplicate)
		if err != nil {
			return err
		}

		return o.store.Steps().Replace(ctx, duplicate.ID, copied)
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to duplicate journey %s: %w", id, err)
	}

	return duplicate, nil
}

// copyName strips any -copy suffix and numbers the copy after the journeys
// sharing the base name.
func (o *Orchestrator) copyName(ctx context.Context, original *models.Journey) (string, error) {
	base, _, _ := strings.Cut(original.Name, "-copy")

	existing, err := o.store.Journeys().List(ctx, original.WorkspaceID)
	if err != nil {
		return "", err
	}

	count := 0

	for _, journey := range existing {
		if strings.HasPrefix(journey.Name, base) {
			count++
		}
	}

	return fmt.Sprintf("%s-copy-%d", base, count), nil
}

// remapSteps copies steps, renaming every step ID and destination through ids.
func remapSteps(steps []*models.Step, ids map[string]string, journey *models.Journey) ([]*models.Step, error) {
	copied := make([]*models.Step, 0, len(steps))

	for _, step := range steps {
		raw, err := json.Marshal(step)
		if err != nil {
			return nil, fmt.Errorf("failed to encode step %s: %w", step.ID, err)
		}

		var clone models.Step

		err = json.Unmarshal([]byte(replaceIDs(string(raw), ids)), &clone)
		if err != nil {
			return nil, fmt.Errorf("failed to decode step %s: %w", step.ID, err)
		}

		clone.JourneyID = journey.ID
		clone.WorkspaceID = journey.WorkspaceID
		copied = append(copied, &clone)
	}

	return copied, nil
}

func replaceIDs(s string, ids map[string]string) string {
	pairs := make([]string, 0, len(ids)*2)
	for from, to := range ids {
		pairs = append(pairs, from, to)
	}

	return strings.NewReplacer(pairs...).Replace(s)
}

// editable loads a journey and checks that it can still be changed.
func (o *Orchestrator) editable(ctx context.Context, op, id string) (*models.Journey, error) {
	journey, err := o.store.Journeys().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !journey.IsEditable() {
		return nil, newError(op, id, ErrNotEditable)
	}

	return journey, nil
}

func (o *Orchestrator) publish(ctx context.Context, key string, event eventbus.Event) {
	if o.publisher == nil {
		return
	}

	err := o.publisher.Publish(ctx, key, event)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
