package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dukex/journeys/pkg/models"
)

const defaultWebhookTimeout = 30 * time.Second

// Credential keys read by the webhook provider.
const (
	CredentialURL   = "url"
	CredentialToken = "token"
)

var ErrNoWebhookURL = errors.New("webhook url is not configured")

// WebhookProvider posts messages as JSON to an HTTP endpoint. The workspace
// credentials may override the endpoint and add a bearer token.
type WebhookProvider struct {
	url    string
	client *http.Client
	clock  clockwork.Clock
	logger *slog.Logger
}

type webhookResponse struct {
	MessageID string `json:"message_id"`
}

func NewWebhookProvider(url string, client *http.Client, clock clockwork.Clock, logger *slog.Logger) *WebhookProvider {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}

	return &WebhookProvider{
		url:    url,
		client: client,
		clock:  clock,
		logger: logger.With("module", "webhook_provider"),
	}
}

func (p *WebhookProvider) Name() string {
	return "webhook"
}

func (p *WebhookProvider) Send(ctx context.Context, credentials models.Credentials, msg Message) ([]*models.DeliveryEvent, error) {
	url := p.url
	if override := credentials[CredentialURL]; override != "" {
		url = override
	}

	if url == "" {
		return nil, ErrNoWebhookURL
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.JourneyID+":"+msg.StepID+":"+msg.CustomerID)

	if token := credentials[CredentialToken]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}

	now := p.clock.Now()

	if resp.StatusCode >= http.StatusBadRequest {
		p.logger.WarnContext(ctx, "webhook rejected message", "status", resp.StatusCode, "customer_id", msg.CustomerID)

		event := msg.Event(models.DeliveryError, p.Name(), "", now)
		event.Error = fmt.Sprintf("webhook responded %d: %s", resp.StatusCode, bytes.TrimSpace(payload))

		return []*models.DeliveryEvent{event}, nil
	}

	var decoded webhookResponse
	if json.Unmarshal(payload, &decoded) != nil || decoded.MessageID == "" {
		decoded.MessageID = uuid.NewString()
	}

	return []*models.DeliveryEvent{msg.Event(models.DeliverySent, p.Name(), decoded.MessageID, now)}, nil
}
