package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukex/journeys/pkg/engine"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/queue"
)

var ErrInvalidConcurrency = errors.New("invalid queue concurrency")

// WorkerConfig tunes the step workers and the ticker of a process.
type WorkerConfig struct {
	// Concurrency applies to queues missing from QueueConcurrency.
	Concurrency      int
	QueueConcurrency map[string]int
	Queue            queue.WorkerOptions
	TickSchedule     string
	RescanAfter      time.Duration
}

// Worker drains every step queue, runs the ticker and feeds bus events to
// the engine and the orchestrator.
type Worker struct {
	runtime *Runtime
	workers []*queue.Worker
	ticker  *engine.Ticker
	logger  *slog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewWorker(rt *Runtime, cfg WorkerConfig, logger *slog.Logger) (*Worker, error) {
	ticker, err := engine.NewTicker(rt.Engine, cfg.TickSchedule, cfg.RescanAfter, logger)
	if err != nil {
		return nil, err
	}

	workers := make([]*queue.Worker, 0, len(queue.Names()))

	for _, name := range queue.Names() {
		opts := cfg.Queue
		opts.Concurrency = cfg.Concurrency

		if n, ok := cfg.QueueConcurrency[name]; ok {
			opts.Concurrency = n
		}

		workers = append(workers, queue.NewWorker(name, rt.Backend, rt.Engine.Handle, rt.Clock, logger, opts))
	}

	return &Worker{
		runtime: rt,
		workers: workers,
		ticker:  ticker,
		logger:  logger.With("module", "journeys_worker"),
	}, nil
}

// Start subscribes to the bus and launches the queue workers and the ticker.
// It returns once everything is running.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker", "queues", len(w.workers))

	err := w.runtime.Bus.Handle(events.CustomerEventReceivedEvent, w.handleCustomerEvent)
	if err != nil {
		return err
	}

	err = w.runtime.Bus.Handle(events.CustomerUpdatedEvent, w.handleCustomerUpdated)
	if err != nil {
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)

	err = w.runtime.Bus.Subscribe(ctx)
	if err != nil {
		w.cancel()

		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	err = w.ticker.Start(ctx)
	if err != nil {
		w.cancel()

		return err
	}

	w.group, ctx = errgroup.WithContext(ctx)

	for _, worker := range w.workers {
		w.group.Go(func() error {
			return worker.Run(ctx)
		})
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	return nil
}

// Stop cancels the workers and waits for in-flight jobs and ticks.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}

	w.cancel()

	var err error
	if w.group != nil {
		err = w.group.Wait()
	}

	w.ticker.Stop(ctx)

	w.logger.InfoContext(ctx, "Worker stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (w *Worker) handleCustomerEvent(ctx context.Context, event any) error {
	received, ok := event.(*events.CustomerEventReceived)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for CustomerEventReceived")

		return nil
	}

	queued, err := w.runtime.Engine.OnEvent(ctx, received.Event)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to feed customer event",
			"customer_id", received.Event.CustomerID, "event", received.Event.Name, "error", err)

		return err
	}

	w.logger.DebugContext(ctx, "Customer event fed",
		"customer_id", received.Event.CustomerID, "event", received.Event.Name, "queued", queued)

	return nil
}

func (w *Worker) handleCustomerUpdated(ctx context.Context, event any) error {
	updated, ok := event.(*events.CustomerUpdated)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for CustomerUpdated")

		return nil
	}

	_, err := w.runtime.Orchestrator.EnrollCustomer(ctx, updated.CustomerID)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to enroll customer", "customer_id", updated.CustomerID, "error", err)

		return err
	}

	return nil
}

// ParseQueueConcurrency reads "message=8,time.delay=2". Queue names may omit
// their ".step" suffix.
func ParseQueueConcurrency(spec string) (map[string]int, error) {
	result := make(map[string]int)

	for part := range strings.SplitSeq(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, value, found := strings.Cut(part, "=")
		if !found {
			return nil, fmt.Errorf("%w: %q is not name=count", ErrInvalidConcurrency, part)
		}

		name = strings.TrimSpace(name)
		if !strings.HasSuffix(name, ".step") {
			name += ".step"
		}

		if !slices.Contains(queue.Names(), name) {
			return nil, fmt.Errorf("%w: unknown queue %q", ErrInvalidConcurrency, name)
		}

		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: %q needs a positive count", ErrInvalidConcurrency, part)
		}

		result[name] = n
	}

	return result, nil
}
