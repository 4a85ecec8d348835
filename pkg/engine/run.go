package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/queue"
)

// run carries the state of one job while it walks the journey.
type run struct {
	engine   *Engine
	journey  *models.Journey
	steps    map[string]*models.Step
	location *models.JourneyLocation
	job      models.StepJob
	logger   *slog.Logger

	workspace *models.Workspace
	customer  *models.Customer
}

// outcome of evaluating a step: stay put, move to next, or finish.
type outcome struct {
	next     string
	finished bool
}

func (r *run) advance(ctx context.Context) error {
	e := r.engine

	for hop := 1; ; hop++ {
		step, ok := r.steps[r.job.StepID]
		if !ok {
			_ = e.release(ctx, r.logger, r.location)

			return queue.Permanent(fmt.Errorf("%w: %s", persistence.ErrStepNotFound, r.job.StepID))
		}

		result, err := r.evaluate(ctx, step)
		if err != nil {
			_ = e.release(ctx, r.logger, r.location)

			return err
		}

		if result.finished {
			r.finish(ctx, step)

			return e.release(ctx, r.logger, r.location)
		}

		if result.next == "" {
			return e.release(ctx, r.logger, r.location)
		}

		dest, ok := r.steps[result.next]
		if !ok {
			_ = e.release(ctx, r.logger, r.location)

			return queue.Permanent(fmt.Errorf("%w: %s -> %s", graph.ErrMissingDestination, step.ID, result.next))
		}

		next := r.job.Next(dest)

		err = e.locations.Unlock(ctx, r.location, dest.ID)
		if errors.Is(err, persistence.ErrLockLost) {
			r.logger.WarnContext(ctx, "lock was reclaimed while processing, leaving customer to the new holder")

			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to move customer: %w", err)
		}

		if dest.Type.IsTimeGated() {
			return r.handOff(ctx, dest, next)
		}

		if hop >= e.maxHops {
			r.logger.DebugContext(ctx, "fast path limit reached, requeueing", "next_step_id", dest.ID)

			return e.fabric.Add(ctx, next)
		}

		location, err := e.locations.Acquire(ctx, next.JourneyID, next.CustomerID)
		if errors.Is(err, persistence.ErrAlreadyLocked) {
			return e.fabric.Add(ctx, next)
		}

		if err != nil {
			return fmt.Errorf("failed to lock location: %w", err)
		}

		if location.StepID != dest.ID {
			return e.release(ctx, r.logger, location)
		}

		r.location = location
		r.job = next
		r.logger = r.logger.With("step_id", dest.ID, "step_type", dest.Type)
	}
}

// handOff schedules the customer, already placed at a time-gated step, for
// the earliest instant the step can fire.
func (r *run) handOff(ctx context.Context, dest *models.Step, next models.StepJob) error {
	now := r.engine.clock.Now()

	at, ok, err := r.engine.dueAt(dest, now, now, r.timezone(ctx))
	if err != nil {
		return err
	}

	if !ok {
		r.logger.DebugContext(ctx, "customer waits for an event", "next_step_id", dest.ID)

		return nil
	}

	return r.engine.fabric.AddDelayed(ctx, next, at)
}

func (r *run) evaluate(ctx context.Context, step *models.Step) (outcome, error) {
	now := r.engine.clock.Now()

	switch meta := step.Metadata.(type) {
	case *models.StartMetadata:
		return outcome{next: meta.Destination}, nil
	case *models.LoopMetadata:
		return outcome{next: meta.Destination}, nil
	case *models.ExitMetadata:
		return outcome{finished: true}, nil
	case *models.MessageMetadata:
		if !r.location.MessageSent {
			err := r.sendMessage(ctx, step, meta)
			if err != nil {
				return outcome{}, err
			}
		}

		return outcome{next: meta.Destination}, nil
	case *models.TimeDelayMetadata:
		if now.Before(meta.Delay.After(r.location.StepEntered())) {
			return outcome{}, nil
		}

		return outcome{next: meta.Destination}, nil
	case *models.TimeWindowMetadata:
		if !meta.Window.Contains(now, r.timezone(ctx)) {
			return outcome{}, nil
		}

		return outcome{next: meta.Destination}, nil
	case *models.WaitUntilMetadata:
		return r.evaluateWait(ctx, meta, now), nil
	case *models.MultisplitMetadata:
		return r.evaluateSplit(ctx, meta)
	case *models.ExperimentMetadata:
		return outcome{next: r.engine.pickExperiment(meta.Branches)}, nil
	default:
		return outcome{}, queue.Permanent(fmt.Errorf("%w: %s", models.ErrUnknownStepType, step.Type))
	}
}

func (r *run) evaluateWait(ctx context.Context, meta *models.WaitUntilMetadata, now time.Time) outcome {
	if r.job.HasBranch() {
		branch, ok := meta.Branch(r.job.Branch)
		if ok && branch.Event != nil {
			return outcome{next: branch.Destination}
		}

		r.logger.WarnContext(ctx, "job carries an unknown event branch", "branch", r.job.Branch)
	}

	entered := r.location.StepEntered()

	for _, branch := range meta.Branches {
		if branch.Time == nil {
			continue
		}

		switch {
		case branch.Time.Delay != nil:
			if !now.Before(branch.Time.Delay.After(entered)) {
				return outcome{next: branch.Destination}
			}
		case branch.Time.Window != nil:
			if branch.Time.Window.Contains(now, r.timezone(ctx)) {
				return outcome{next: branch.Destination}
			}
		}
	}

	return outcome{}
}

func (r *run) evaluateSplit(ctx context.Context, meta *models.MultisplitMetadata) (outcome, error) {
	customer, err := r.loadCustomer(ctx)
	if err != nil {
		return outcome{}, err
	}

	next, err := r.engine.pickSplit(ctx, meta.Branches, customer, r.job.Event)
	if err != nil {
		return outcome{}, queue.Permanent(err)
	}

	return outcome{next: next}, nil
}

func (r *run) finish(ctx context.Context, step *models.Step) {
	r.logger.InfoContext(ctx, "customer finished journey")

	event := events.CustomerFinished{
		BaseEvent:  events.NewBaseEvent(events.CustomerFinishedEvent, r.journey.WorkspaceID),
		JourneyID:  r.journey.ID,
		CustomerID: r.location.CustomerID,
		StepID:     step.ID,
		Duration:   r.engine.clock.Since(time.UnixMilli(r.location.JourneyEntry)),
	}

	r.engine.publish(ctx, r.journey.ID, event)
}

func (r *run) timezone(ctx context.Context) *time.Location {
	return r.loadWorkspace(ctx).Location()
}

// loadWorkspace falls back to an empty workspace, which means UTC and no
// channel credentials.
func (r *run) loadWorkspace(ctx context.Context) *models.Workspace {
	if r.workspace == nil {
		workspace, err := r.engine.store.Workspaces().GetByID(ctx, r.journey.WorkspaceID)
		if err != nil {
			if !persistence.IsNotFound(err) {
				r.logger.WarnContext(ctx, "failed to load workspace, using UTC", "error", err)
			}

			workspace = &models.Workspace{ID: r.journey.WorkspaceID}
		}

		r.workspace = workspace
	}

	return r.workspace
}

func (r *run) loadCustomer(ctx context.Context) (*models.Customer, error) {
	if r.customer != nil {
		return r.customer, nil
	}

	customer, err := r.engine.store.Customers().GetByID(ctx, r.location.CustomerID)
	if persistence.IsNotFound(err) {
		return nil, queue.Permanent(err)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load customer: %w", err)
	}

	r.customer = customer

	return customer, nil
}
