package journeys

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/otelhelper"
	"github.com/dukex/journeys/pkg/persistence"
)

// StartResult reports what Start did.
type StartResult struct {
	Journey  *models.Journey `json:"journey"`
	Enrolled int             `json:"enrolled"`
}

// Start activates an editable journey and enrolls every matching customer
// at START. Locations, memberships and the active flag are written in one
// transaction; START jobs are queued after it commits.
func (o *Orchestrator) Start(ctx context.Context, id string) (*StartResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "journeys.start",
		attribute.String(otelhelper.JourneyIDKey, id),
	)
	defer span.End()

	logger := o.logger.With("journey_id", id)

	var (
		journey  *models.Journey
		start    *models.Step
		enrolled []string
	)

	err := o.store.WithTransaction(ctx, func(ctx context.Context) error {
		var err error

		journey, err = o.editable(ctx, "start", id)
		if err != nil {
			return err
		}

		if journey.InclusionCriteria == nil || journey.InclusionCriteria.Expression == "" {
			return newError("start", id, ErrNoInclusionCriteria)
		}

		g, err := o.buildGraph(ctx, journey.ID)
		if err != nil {
			return newError("start", id, err)
		}

		start = g.Start()

		matching, err := o.oracle.FindMatching(ctx, journey.WorkspaceID, journey.InclusionCriteria)
		if err != nil {
			return fmt.Errorf("failed to find matching customers: %w", err)
		}

		enrolled = make([]string, 0, len(matching))

		for _, customer := range matching {
			if !slices.Contains(customer.Journeys, journey.ID) {
				enrolled = append(enrolled, customer.ID)
			}
		}

		_, err = o.locations.CreateBulk(ctx, journey, enrolled, start.ID)
		if err != nil {
			return err
		}

		err = o.store.Customers().AddJourney(ctx, journey.ID, enrolled)
		if err != nil {
			return fmt.Errorf("failed to record membership: %w", err)
		}

		now := o.clock.Now()
		journey.IsActive = true
		journey.StartedAt = &now

		return o.store.Journeys().Save(ctx, journey)
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	logger.InfoContext(ctx, "journey started", "enrolled", len(enrolled))

	o.seed(ctx, journey, start, enrolled)

	o.publish(ctx, journey.ID, events.JourneyStarted{
		BaseEvent: events.NewBaseEvent(events.JourneyStartedEvent, journey.WorkspaceID),
		JourneyID: journey.ID,
		Enrolled:  len(enrolled),
	})

	return &StartResult{Journey: journey, Enrolled: len(enrolled)}, nil
}

// seed queues START jobs for freshly enrolled customers. Customers whose job
// cannot be queued are picked up by the ticker.
func (o *Orchestrator) seed(ctx context.Context, journey *models.Journey, start *models.Step, customerIDs []string) {
	if len(customerIDs) == 0 {
		return
	}

	jobs := make([]models.StepJob, 0, len(customerIDs))

	for _, customerID := range customerIDs {
		jobs = append(jobs, models.StepJob{
			JourneyID:   journey.ID,
			StepID:      start.ID,
			StepType:    models.StepTypeStart,
			CustomerID:  customerID,
			WorkspaceID: journey.WorkspaceID,
			Session:     journey.ID,
			Branch:      models.NoBranch,
			StepDepth:   1,
		})
	}

	err := o.fabric.AddBulk(ctx, models.StepTypeStart, jobs)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to queue start jobs, leaving them to the ticker",
			"journey_id", journey.ID, "count", len(jobs), "error", err)
	}
}

func (o *Orchestrator) buildGraph(ctx context.Context, journeyID string) (*graph.Graph, error) {
	steps, err := o.store.Steps().ListByJourney(ctx, journeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}

	g, err := graph.Build(steps)
	if err != nil {
		return nil, err
	}

	if !g.IsAcyclic() {
		return nil, graph.ErrCyclicGraph
	}

	return g, nil
}

// EnrollCustomer adds a customer to every dynamic journey of their workspace
// that is running, matches them and does not hold them yet. It returns the
// IDs of the journeys joined.
func (o *Orchestrator) EnrollCustomer(ctx context.Context, customerID string) ([]string, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "journeys.enroll_customer",
		attribute.String(otelhelper.CustomerIDKey, customerID),
	)
	defer span.End()

	customer, err := o.store.Customers().GetByID(ctx, customerID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	active, err := o.store.Journeys().ListActive(ctx, customer.WorkspaceID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to list active journeys: %w", err)
	}

	joined := make([]string, 0)

	for _, journey := range active {
		if !journey.IsDynamic || !journey.CanEnroll() || slices.Contains(customer.Journeys, journey.ID) {
			continue
		}

		ok, err := o.oracle.Matches(ctx, journey.InclusionCriteria, customer)
		if err != nil {
			o.logger.WarnContext(ctx, "criteria evaluation failed, skipping journey",
				"journey_id", journey.ID, "customer_id", customer.ID, "error", err)

			continue
		}

		if !ok {
			continue
		}

		start, err := o.enroll(ctx, journey, customer.ID)
		if errors.Is(err, persistence.ErrLocationExists) {
			continue
		}

		if err != nil {
			otelhelper.SetError(span, err)

			return joined, err
		}

		o.seed(ctx, journey, start, []string{customer.ID})

		joined = append(joined, journey.ID)
	}

	if len(joined) > 0 {
		o.logger.InfoContext(ctx, "customer enrolled", "customer_id", customer.ID, "journeys", joined)
	}

	return joined, nil
}

func (o *Orchestrator) enroll(ctx context.Context, journey *models.Journey, customerID string) (*models.Step, error) {
	g, err := o.buildGraph(ctx, journey.ID)
	if err != nil {
		return nil, newError("enroll", journey.ID, err)
	}

	start := g.Start()

	err = o.store.WithTransaction(ctx, func(ctx context.Context) error {
		_, err := o.locations.Create(ctx, journey, customerID, start.ID)
		if err != nil {
			return err
		}

		return o.store.Customers().AddJourney(ctx, journey.ID, []string{customerID})
	})
	if err != nil {
		return nil, err
	}

	return start, nil
}

// SetPaused pauses or resumes enrollment of a running journey. Customers
// already inside keep moving.
func (o *Orchestrator) SetPaused(ctx context.Context, id string, paused bool) (*models.Journey, error) {
	journey, err := o.store.Journeys().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if journey.IsStopped || journey.IsDeleted {
		return nil, newError("pause", id, ErrStopped)
	}

	if !journey.IsActive {
		return nil, newError("pause", id, ErrNotActive)
	}

	journey.IsPaused = paused

	// LatestPause keeps the last pause instant after a resume.
	if paused {
		now := o.clock.Now()
		journey.LatestPause = &now
	}

	err = o.store.Journeys().Save(ctx, journey)
	if err != nil {
		return nil, fmt.Errorf("failed to pause journey: %w", err)
	}

	o.logger.InfoContext(ctx, "journey pause changed", "journey_id", id, "paused", paused)

	return journey, nil
}

// Stop ends a running journey for good. Processors stop moving its customers.
func (o *Orchestrator) Stop(ctx context.Context, id string) (*models.Journey, error) {
	journey, err := o.store.Journeys().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if journey.IsStopped || journey.IsDeleted {
		return nil, newError("stop", id, ErrStopped)
	}

	if !journey.IsActive {
		return nil, newError("stop", id, ErrNotActive)
	}

	journey.IsStopped = true
	journey.IsActive = false
	journey.IsPaused = true

	err = o.store.Journeys().Save(ctx, journey)
	if err != nil {
		return nil, fmt.Errorf("failed to stop journey: %w", err)
	}

	o.logger.InfoContext(ctx, "journey stopped", "journey_id", id)

	o.publish(ctx, journey.ID, events.JourneyStopped{
		BaseEvent: events.NewBaseEvent(events.JourneyStoppedEvent, journey.WorkspaceID),
		JourneyID: journey.ID,
	})

	return journey, nil
}

// MarkDeleted hides a journey and stops it, whatever state it is in.
func (o *Orchestrator) MarkDeleted(ctx context.Context, id string) error {
	journey, err := o.store.Journeys().GetByID(ctx, id)
	if err != nil {
		return err
	}

	journey.IsActive = false
	journey.IsStopped = true
	journey.IsPaused = true
	journey.IsDeleted = true

	err = o.store.Journeys().Save(ctx, journey)
	if err != nil {
		return fmt.Errorf("failed to delete journey: %w", err)
	}

	o.publish(ctx, journey.ID, events.JourneyStopped{
		BaseEvent: events.NewBaseEvent(events.JourneyStoppedEvent, journey.WorkspaceID),
		JourneyID: journey.ID,
		Deleted:   true,
	})

	return nil
}

// Statistics counts where the customers of a journey are.
func (o *Orchestrator) Statistics(ctx context.Context, id string) (*models.JourneyStatistics, error) {
	steps, err := o.Steps(ctx, id)
	if err != nil {
		return nil, err
	}

	terminal := make(map[string]bool, len(steps))
	for _, step := range steps {
		terminal[step.ID] = step.Type.IsTerminal()
	}

	locations, err := o.locations.ByJourney(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}

	stats := &models.JourneyStatistics{
		JourneyID: id,
		Enrolled:  len(locations),
		ByStep:    make(map[string]int, len(steps)),
	}

	for _, location := range locations {
		stats.ByStep[location.StepID]++

		if terminal[location.StepID] {
			stats.Finished++
		}
	}

	return stats, nil
}
