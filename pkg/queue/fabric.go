package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dukex/journeys/pkg/models"
)

// Fabric routes step jobs to the queue of their step type.
type Fabric struct {
	backend    Backend
	clock      clockwork.Clock
	priorities *PriorityGenerator
	logger     *slog.Logger
}

// NewFabric creates a fabric over backend.
func NewFabric(backend Backend, clock clockwork.Clock, priorities *PriorityGenerator, logger *slog.Logger) *Fabric {
	if priorities == nil {
		priorities = NewPriorityGenerator(nil)
	}

	return &Fabric{
		backend:    backend,
		clock:      clock,
		priorities: priorities,
		logger:     logger.With("module", "queue_fabric"),
	}
}

// Backend returns the storage the fabric writes to.
func (f *Fabric) Backend() Backend {
	return f.backend
}

// Add enqueues one job, ready immediately.
func (f *Fabric) Add(ctx context.Context, data models.StepJob) error {
	return f.AddDelayed(ctx, data, time.Time{})
}

// AddDelayed enqueues one job that becomes ready at the given instant.
// A zero or past instant makes it ready immediately.
func (f *Fabric) AddDelayed(ctx context.Context, data models.StepJob, at time.Time) error {
	job, err := f.newJob(data, f.priorities.Next(data.StepDepth))
	if err != nil {
		return err
	}

	if at.After(f.clock.Now()) {
		job.AvailableAt = at
	}

	err = f.backend.Enqueue(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to enqueue job on %s: %w", job.Queue, err)
	}

	f.logger.DebugContext(ctx, "job enqueued",
		"queue", job.Queue,
		"journey_id", data.JourneyID,
		"customer_id", data.CustomerID,
		"step_id", data.StepID,
		"priority", job.Priority,
		"available_at", job.AvailableAt,
	)

	return nil
}

// AddBulk enqueues jobs of one step type. Priorities come from the depth of
// the first job and are generated as one batch.
func (f *Fabric) AddBulk(ctx context.Context, stepType models.StepType, data []models.StepJob) error {
	if len(data) == 0 {
		return nil
	}

	priorities := f.priorities.Batch(data[0].StepDepth, len(data))
	jobs := make([]*Job, 0, len(data))

	for i, d := range data {
		d.StepType = stepType

		job, err := f.newJob(d, priorities[i])
		if err != nil {
			return err
		}

		jobs = append(jobs, job)
	}

	err := f.backend.Enqueue(ctx, jobs...)
	if err != nil {
		return fmt.Errorf("failed to enqueue %d jobs: %w", len(jobs), err)
	}

	f.logger.InfoContext(ctx, "jobs enqueued", "queue", jobs[0].Queue, "count", len(jobs))

	return nil
}

func (f *Fabric) newJob(data models.StepJob, priority int) (*Job, error) {
	name, err := For(data.StepType)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, data.StepType)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job ID: %w", err)
	}

	return &Job{
		ID:         id.String(),
		Queue:      name,
		Priority:   priority,
		EnqueuedAt: f.clock.Now(),
		Data:       data,
	}, nil
}
