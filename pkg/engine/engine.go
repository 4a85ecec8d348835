// Package engine moves customers through journeys.
//
// Every queued job names a customer and the step they are expected to be at.
// The engine locks the customer's location, evaluates the step, and either
// keeps going while the next steps can run right away or hands the customer
// to the queue of the next time-gated step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/journeys/pkg/channels"
	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/locations"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/otelhelper"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/queue"
	"github.com/dukex/journeys/pkg/segments"
)

// DefaultMaxFastPathHops bounds how many steps one job may walk through
// before the customer is handed back to the queue.
const DefaultMaxFastPathHops = 32

var ErrNoBranch = errors.New("no branch matched")

type Options struct {
	MaxFastPathHops int
	// RandSource drives experiment branch selection; nil selects a random seed.
	RandSource rand.Source
}

// Engine processes step jobs.
type Engine struct {
	store     persistence.Persistence
	locations *locations.Store
	fabric    *queue.Fabric
	channels  *channels.Registry
	evaluator *segments.Evaluator
	publisher eventbus.EventPublisher
	clock     clockwork.Clock
	tracer    trace.Tracer
	logger    *slog.Logger

	maxHops int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an engine. publisher and tracer may be nil.
func New(
	store persistence.Persistence,
	locationStore *locations.Store,
	fabric *queue.Fabric,
	registry *channels.Registry,
	evaluator *segments.Evaluator,
	publisher eventbus.EventPublisher,
	clock clockwork.Clock,
	tracer trace.Tracer,
	logger *slog.Logger,
	opts Options,
) *Engine {
	if opts.MaxFastPathHops <= 0 {
		opts.MaxFastPathHops = DefaultMaxFastPathHops
	}

	if opts.RandSource == nil {
		opts.RandSource = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}

	if tracer == nil {
		tracer = otelhelper.NoopTracer()
	}

	if evaluator == nil {
		evaluator = segments.NewEvaluator()
	}

	return &Engine{
		store:     store,
		locations: locationStore,
		fabric:    fabric,
		channels:  registry,
		evaluator: evaluator,
		publisher: publisher,
		clock:     clock,
		tracer:    tracer,
		logger:    logger.With("module", "engine"),
		maxHops:   opts.MaxFastPathHops,
		rng:       rand.New(opts.RandSource),
	}
}

// Handle is the queue handler shared by every step queue.
func (e *Engine) Handle(ctx context.Context, job *queue.Job) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.process",
		attribute.String(otelhelper.JobIDKey, job.ID),
		attribute.String(otelhelper.QueueKey, job.Queue),
	)
	defer span.End()

	err := e.Process(ctx, job.Data)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return err
}

// Process evaluates one step job. A nil error means the job is done, even
// when it was dropped as stale or duplicate.
func (e *Engine) Process(ctx context.Context, job models.StepJob) error {
	logger := e.logger.With(
		"journey_id", job.JourneyID,
		"customer_id", job.CustomerID,
		"step_id", job.StepID,
		"step_type", job.StepType,
	)

	journey, err := e.store.Journeys().GetByID(ctx, job.JourneyID)
	if persistence.IsNotFound(err) {
		logger.WarnContext(ctx, "dropping job of unknown journey")

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to load journey: %w", err)
	}

	if !journey.CanAdvance() {
		logger.DebugContext(ctx, "dropping job of stopped journey")

		return nil
	}

	location, err := e.locations.Acquire(ctx, job.JourneyID, job.CustomerID)

	switch {
	case errors.Is(err, persistence.ErrLocationNotFound):
		logger.WarnContext(ctx, "dropping job of customer not in journey")

		return nil
	case errors.Is(err, persistence.ErrAlreadyLocked):
		if job.HasBranch() {
			// Events must not be lost; let the queue deliver it again.
			return fmt.Errorf("customer is busy: %w", err)
		}

		logger.DebugContext(ctx, "dropping duplicate job, customer is busy")

		return nil
	case err != nil:
		return fmt.Errorf("failed to lock location: %w", err)
	}

	if location.StepID != job.StepID {
		logger.DebugContext(ctx, "dropping stale job", "location_step_id", location.StepID)

		return e.release(ctx, logger, location)
	}

	steps, err := e.loadSteps(ctx, journey.ID)
	if err != nil {
		_ = e.release(ctx, logger, location)

		return err
	}

	r := &run{
		engine:   e,
		journey:  journey,
		steps:    steps,
		location: location,
		job:      job,
		logger:   logger,
	}

	return r.advance(ctx)
}

func (e *Engine) loadSteps(ctx context.Context, journeyID string) (map[string]*models.Step, error) {
	list, err := e.store.Steps().ListByJourney(ctx, journeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}

	steps := make(map[string]*models.Step, len(list))
	for _, step := range list {
		steps[step.ID] = step
	}

	return steps, nil
}

func (e *Engine) release(ctx context.Context, logger *slog.Logger, location *models.JourneyLocation) error {
	err := e.locations.Release(ctx, location)
	if errors.Is(err, persistence.ErrLockLost) {
		logger.WarnContext(ctx, "lock was reclaimed before release")

		return nil
	}

	return err
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	err := e.publisher.Publish(ctx, key, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

func (e *Engine) float64() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()

	return e.rng.Float64()
}
