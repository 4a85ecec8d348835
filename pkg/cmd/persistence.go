package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/persistence/memory"
	"github.com/dukex/journeys/pkg/persistence/postgresql"
	"github.com/dukex/journeys/pkg/queue"
	"github.com/dukex/journeys/pkg/queue/redisqueue"
)

var supportedPersistenceProviders = []string{"postgres", "postgresql", "memory"}

var supportedQueueProviders = []string{"redis", "rediss", "memory"}

// NewPersistence opens the store named by databaseURL (postgres://… or memory://).
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider, err := parseProvider(databaseURL, supportedPersistenceProviders)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}

	switch provider {
	case "memory":
		logger.WarnContext(ctx, "Using in-memory persistence, data is lost on exit")

		return memory.NewPersistence(), nil
	default:
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	}
}

// NewQueueBackend opens the job store named by queueURL (redis://… or memory://).
func NewQueueBackend(ctx context.Context, logger *slog.Logger, queueURL string) (queue.Backend, error) {
	provider, err := parseProvider(queueURL, supportedQueueProviders)
	if err != nil {
		return nil, fmt.Errorf("invalid queue url: %w", err)
	}

	switch provider {
	case "memory":
		logger.WarnContext(ctx, "Using in-memory queues, jobs are lost on exit")

		return queue.NewMemoryBackend(), nil
	default:
		return redisqueue.New(ctx, queueURL, logger)
	}
}

func parseProvider(url string, supported []string) (string, error) {
	provider, _, found := strings.Cut(url, "://")
	if !found {
		return "", fmt.Errorf("missing scheme in %q", url)
	}

	for _, s := range supported {
		if provider == s {
			return provider, nil
		}
	}

	return "", fmt.Errorf("unsupported scheme %q (supported: %s)", provider, strings.Join(supported, ", "))
}
