package cmd

import (
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/journeys/pkg/engine"
	"github.com/dukex/journeys/pkg/locations"
	"github.com/dukex/journeys/pkg/log"
	"github.com/dukex/journeys/pkg/queue"
)

// RuntimeFlags are shared by every journeys binary.
func RuntimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (postgres://… or memory://)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "queue-url",
			Usage:   "Step queue backend URL (redis://… or memory://)",
			Value:   "memory://",
			Sources: cli.EnvVars("QUEUE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "webhook-url",
			Usage:   "Endpoint receiving email, sms and webhook messages; messages are only logged when empty",
			Sources: cli.EnvVars("WEBHOOK_URL"),
		},
		&cli.DurationFlag{
			Name:    "location-lock-timeout",
			Usage:   "Age after which a customer's location lock is considered abandoned",
			Value:   locations.DefaultLockTimeout,
			Sources: cli.EnvVars("LOCATION_LOCK_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    "max-fast-path-hops",
			Usage:   "Steps one job may walk through before the customer is requeued",
			Value:   engine.DefaultMaxFastPathHops,
			Sources: cli.EnvVars("MAX_FAST_PATH_HOPS"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export OpenTelemetry traces over OTLP/HTTP",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json, pretty)",
			Value:   log.FormatText,
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

// WorkerFlags tune the step workers and the ticker.
func WorkerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "concurrency",
			Usage:   "Jobs processed in parallel per queue",
			Value:   4,
			Sources: cli.EnvVars("WORKER_CONCURRENCY"),
		},
		&cli.StringFlag{
			Name:    "queue-concurrency",
			Usage:   "Per queue overrides, e.g. message=8,time.delay=2",
			Sources: cli.EnvVars("QUEUE_CONCURRENCY"),
		},
		&cli.IntFlag{
			Name:    "max-attempts",
			Usage:   "Attempts before a job is moved to the failed list",
			Value:   5,
			Sources: cli.EnvVars("MAX_ATTEMPTS"),
		},
		&cli.DurationFlag{
			Name:    "stalled-interval",
			Usage:   "How often expired job leases are returned to their queue",
			Value:   30 * time.Second,
			Sources: cli.EnvVars("STALLED_INTERVAL"),
		},
		&cli.StringFlag{
			Name:    "tick-schedule",
			Usage:   "Cron schedule of the rescan of idle customers",
			Value:   engine.DefaultTickSchedule,
			Sources: cli.EnvVars("TICK_SCHEDULE"),
		},
		&cli.DurationFlag{
			Name:    "rescan-after",
			Usage:   "Idle time after which a customer is re-enqueued by the ticker",
			Value:   engine.DefaultRescanAfter,
			Sources: cli.EnvVars("RESCAN_AFTER"),
		},
	}
}

// ConfigFromCommand reads RuntimeFlags.
func ConfigFromCommand(serviceName string, command *cli.Command) Config {
	return Config{
		ServiceName:     serviceName,
		DatabaseURL:     command.String("database-url"),
		QueueURL:        command.String("queue-url"),
		EventBus:        command.String("event-bus"),
		WebhookURL:      command.String("webhook-url"),
		LockTimeout:     command.Duration("location-lock-timeout"),
		MaxFastPathHops: command.Int("max-fast-path-hops"),
		Tracing:         command.Bool("tracing"),
	}
}

// WorkerConfigFromCommand reads WorkerFlags.
func WorkerConfigFromCommand(command *cli.Command) (WorkerConfig, error) {
	perQueue, err := ParseQueueConcurrency(command.String("queue-concurrency"))
	if err != nil {
		return WorkerConfig{}, err
	}

	return WorkerConfig{
		Concurrency:      command.Int("concurrency"),
		QueueConcurrency: perQueue,
		Queue: queue.WorkerOptions{
			MaxAttempts:     command.Int("max-attempts"),
			StalledInterval: command.Duration("stalled-interval"),
		},
		TickSchedule: command.String("tick-schedule"),
		RescanAfter:  command.Duration("rescan-after"),
	}, nil
}
