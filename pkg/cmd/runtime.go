// Package cmd wires the stores, queues, bus and services shared by the journeys binaries.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dukex/journeys/pkg/channels"
	"github.com/dukex/journeys/pkg/engine"
	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/journeys"
	"github.com/dukex/journeys/pkg/locations"
	"github.com/dukex/journeys/pkg/otelhelper"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/queue"
	"github.com/dukex/journeys/pkg/segments"
)

// Config selects the backing services of a Runtime.
type Config struct {
	ServiceName     string
	DatabaseURL     string
	QueueURL        string
	EventBus        string
	WebhookURL      string
	LockTimeout     time.Duration
	MaxFastPathHops int
	Tracing         bool
}

// Runtime holds every long-lived component of a journeys process.
type Runtime struct {
	Clock        clockwork.Clock
	Store        persistence.Persistence
	Backend      queue.Backend
	Bus          eventbus.EventBus
	Fabric       *queue.Fabric
	Locations    *locations.Store
	Channels     *channels.Registry
	Engine       *engine.Engine
	Orchestrator *journeys.Orchestrator
	Logger       *slog.Logger

	closers []func(ctx context.Context) error
}

// NewRuntime connects to the configured services. Whatever was opened is
// closed again when a later step fails.
func NewRuntime(ctx context.Context, cfg Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{
		Clock:  clockwork.NewRealClock(),
		Logger: logger,
	}

	err := rt.open(ctx, cfg)
	if err != nil {
		closeErr := rt.Close(context.WithoutCancel(ctx))
		if closeErr != nil {
			logger.ErrorContext(ctx, "Failed to release partially opened runtime", "error", closeErr)
		}

		return nil, err
	}

	return rt, nil
}

func (rt *Runtime) open(ctx context.Context, cfg Config) error {
	tracer, shutdown, err := otelhelper.NewTracer(ctx, cfg.ServiceName, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	rt.closers = append(rt.closers, shutdown)

	rt.Store, err = NewPersistence(ctx, rt.Logger, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}

	rt.closers = append(rt.closers, rt.Store.Close)

	rt.Backend, err = NewQueueBackend(ctx, rt.Logger, cfg.QueueURL)
	if err != nil {
		return fmt.Errorf("failed to open queue backend: %w", err)
	}

	rt.closers = append(rt.closers, func(context.Context) error { return rt.Backend.Close() })

	rt.Bus, err = NewEventBus(cfg.EventBus, cfg.ServiceName, rt.Logger)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}

	rt.closers = append(rt.closers, func(context.Context) error { return rt.Bus.Close() })

	rt.Fabric = queue.NewFabric(
		rt.Backend,
		rt.Clock,
		queue.NewPriorityGenerator(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		rt.Logger,
	)
	rt.Locations = locations.NewStore(rt.Store.Locations(), rt.Clock, cfg.LockTimeout, rt.Logger)
	rt.Channels = NewChannelRegistry(cfg.WebhookURL, rt.Clock, rt.Logger)

	evaluator := segments.NewEvaluator()

	rt.Engine = engine.New(
		rt.Store,
		rt.Locations,
		rt.Fabric,
		rt.Channels,
		evaluator,
		rt.Bus,
		rt.Clock,
		tracer,
		rt.Logger,
		engine.Options{MaxFastPathHops: cfg.MaxFastPathHops},
	)

	rt.Orchestrator = journeys.New(
		rt.Store,
		rt.Locations,
		rt.Fabric,
		segments.NewExprOracle(rt.Store.Customers(), evaluator, rt.Logger),
		evaluator,
		rt.Bus,
		rt.Clock,
		tracer,
		rt.Logger,
	)

	return nil
}

// Close releases the components in reverse opening order.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error

	for i := len(rt.closers) - 1; i >= 0; i-- {
		err := rt.closers[i](ctx)
		if err != nil {
			errs = append(errs, err)
		}
	}

	rt.closers = nil

	return errors.Join(errs...)
}
