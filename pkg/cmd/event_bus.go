package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/pubsub/gochannel"
	"github.com/dukex/journeys/pkg/pubsub/kafka"
)

// NewEventBus creates the bus for provider. Kafka brokers come from
// KAFKA_BROKERS; serviceName picks the consumer group.
func NewEventBus(provider, serviceName string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		brokers, err := kafka.BrokersFromEnv()
		if err != nil {
			return nil, err
		}

		pub, sub, err := kafka.Create(brokers, serviceName, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	case "gochannel":
		pubSub := gochannel.Create(wmLogger)

		return eventbus.NewWatermillEventBus(pubSub, pubSub, logger), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %q", provider)
	}
}
