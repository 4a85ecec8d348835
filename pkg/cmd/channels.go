package cmd

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dukex/journeys/pkg/channels"
	"github.com/dukex/journeys/pkg/models"
)

const webhookTimeout = 10 * time.Second

// NewChannelRegistry routes email, sms and webhook messages to webhookURL.
// Without a URL every channel is logged instead of sent.
func NewChannelRegistry(webhookURL string, clock clockwork.Clock, logger *slog.Logger) *channels.Registry {
	registry := channels.NewRegistry(logger)

	logProvider := channels.NewLogProvider(clock, logger)
	registry.Register(models.ChannelLog, logProvider)

	var outbound channels.Provider = logProvider
	if webhookURL != "" {
		outbound = channels.NewWebhookProvider(webhookURL, &http.Client{Timeout: webhookTimeout}, clock, logger)
	}

	for _, channel := range []models.Channel{models.ChannelEmail, models.ChannelSMS, models.ChannelWebhook} {
		registry.Register(channel, outbound)
	}

	return registry
}
