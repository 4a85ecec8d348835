package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dukex/journeys/pkg/models"
)

// LogProvider writes messages to the log instead of sending them.
type LogProvider struct {
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewLogProvider(clock clockwork.Clock, logger *slog.Logger) *LogProvider {
	return &LogProvider{clock: clock, logger: logger.With("module", "log_provider")}
}

func (p *LogProvider) Name() string {
	return "log"
}

func (p *LogProvider) Send(ctx context.Context, _ models.Credentials, msg Message) ([]*models.DeliveryEvent, error) {
	messageID := uuid.NewString()

	p.logger.InfoContext(ctx, "message",
		"message_id", messageID,
		"channel", msg.Channel,
		"customer_id", msg.CustomerID,
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.Body,
	)

	now := p.clock.Now()

	return []*models.DeliveryEvent{
		msg.Event(models.DeliverySent, p.Name(), messageID, now),
		msg.Event(models.DeliveryDelivered, p.Name(), messageID, now.Add(time.Millisecond)),
	}, nil
}
