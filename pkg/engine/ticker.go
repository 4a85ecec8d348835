package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
)

const (
	DefaultTickSchedule = "@every 1m"
	DefaultRescanAfter  = 5 * time.Minute
)

// Ticker periodically re-enqueues customers whose job was lost or whose
// time-gated step is due.
type Ticker struct {
	engine      *Engine
	schedule    string
	rescanAfter time.Duration
	cron        *cron.Cron
	logger      *slog.Logger
}

func NewTicker(engine *Engine, schedule string, rescanAfter time.Duration, logger *slog.Logger) (*Ticker, error) {
	if schedule == "" {
		schedule = DefaultTickSchedule
	}

	if rescanAfter <= 0 {
		rescanAfter = DefaultRescanAfter
	}

	_, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid tick schedule: %w", err)
	}

	return &Ticker{
		engine:      engine,
		schedule:    schedule,
		rescanAfter: rescanAfter,
		logger:      logger.With("module", "ticker", "schedule", schedule),
	}, nil
}

// Start runs Tick on the schedule until Stop is called.
func (t *Ticker) Start(ctx context.Context) error {
	logger := cronLogger{t.logger}

	t.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))

	_, err := t.cron.AddFunc(t.schedule, func() {
		n, err := t.Tick(ctx)
		if err != nil {
			t.logger.ErrorContext(ctx, "tick failed", "error", err)

			return
		}

		if n > 0 {
			t.logger.InfoContext(ctx, "re-enqueued idle customers", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule tick: %w", err)
	}

	t.logger.InfoContext(ctx, "starting ticker")
	t.cron.Start()

	return nil
}

// Stop waits for a running tick to finish.
func (t *Ticker) Stop(ctx context.Context) {
	if t.cron == nil {
		return
	}

	select {
	case <-t.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Tick scans the active journeys once and returns how many jobs it enqueued.
func (t *Ticker) Tick(ctx context.Context) (int, error) {
	e := t.engine

	journeys, err := e.store.Journeys().ListActive(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list active journeys: %w", err)
	}

	enqueued := 0

	var errs []error

	for _, journey := range journeys {
		n, err := t.tickJourney(ctx, journey)
		enqueued += n

		if err != nil {
			errs = append(errs, fmt.Errorf("journey %s: %w", journey.ID, err))
		}
	}

	return enqueued, errors.Join(errs...)
}

func (t *Ticker) tickJourney(ctx context.Context, journey *models.Journey) (int, error) {
	e := t.engine

	idle, err := e.locations.Idle(ctx, journey.ID, t.rescanAfter)
	if err != nil || len(idle) == 0 {
		return 0, err
	}

	steps, err := e.loadSteps(ctx, journey.ID)
	if err != nil {
		return 0, err
	}

	depths, err := e.depths(ctx, journey.ID)
	if err != nil {
		t.logger.WarnContext(ctx, "journey graph is invalid, using depth 1", "journey_id", journey.ID, "error", err)

		depths = map[string]int{}
	}

	tz := e.workspaceLocation(ctx, journey.WorkspaceID)
	now := e.clock.Now()
	enqueued := 0

	for _, location := range idle {
		step, ok := steps[location.StepID]
		if !ok || step.Type.IsTerminal() {
			continue
		}

		if step.Type.IsTimeGated() {
			at, ok, err := e.dueAt(step, location.StepEntered(), now, tz)
			if err != nil {
				return enqueued, err
			}

			if !ok || now.Before(at) {
				continue
			}
		}

		err = e.fabric.Add(ctx, models.StepJob{
			JourneyID:   journey.ID,
			StepID:      step.ID,
			StepType:    step.Type,
			CustomerID:  location.CustomerID,
			WorkspaceID: journey.WorkspaceID,
			Session:     uuid.NewString(),
			Branch:      models.NoBranch,
			StepDepth:   max(depths[step.ID], 1),
		})
		if err != nil {
			return enqueued, err
		}

		enqueued++
	}

	return enqueued, nil
}

func (e *Engine) workspaceLocation(ctx context.Context, workspaceID string) *time.Location {
	workspace, err := e.store.Workspaces().GetByID(ctx, workspaceID)
	if err != nil {
		if !persistence.IsNotFound(err) {
			e.logger.WarnContext(ctx, "failed to load workspace, using UTC", "workspace_id", workspaceID, "error", err)
		}

		return time.UTC
	}

	return workspace.Location()
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
