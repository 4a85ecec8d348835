// Package channels sends rendered messages through outbound providers.
package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/journeys/pkg/models"
)

var ErrNoProvider = errors.New("no provider registered for channel")

// Message is one rendered message addressed to a customer.
type Message struct {
	WorkspaceID string         `json:"workspace_id"`
	JourneyID   string         `json:"journey_id"`
	StepID      string         `json:"step_id"`
	CustomerID  string         `json:"customer_id"`
	TemplateID  string         `json:"template_id"`
	Channel     models.Channel `json:"channel"`
	To          string         `json:"to,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	Body        string         `json:"body"`
}

// Event builds a delivery event about msg.
func (m Message) Event(kind, provider, messageID string, at time.Time) *models.DeliveryEvent {
	return &models.DeliveryEvent{
		ID:            uuid.NewString(),
		WorkspaceID:   m.WorkspaceID,
		JourneyID:     m.JourneyID,
		StepID:        m.StepID,
		CustomerID:    m.CustomerID,
		TemplateID:    m.TemplateID,
		MessageID:     messageID,
		Event:         kind,
		EventProvider: provider,
		CreatedAt:     at,
	}
}

// Provider delivers messages of one channel.
type Provider interface {
	Name() string
	Send(ctx context.Context, credentials models.Credentials, msg Message) ([]*models.DeliveryEvent, error)
}

// Registry maps channels to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[models.Channel]Provider
	logger    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		providers: make(map[models.Channel]Provider),
		logger:    logger.With("module", "channels"),
	}
}

func (r *Registry) Register(channel models.Channel, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[channel] = provider
}

func (r *Registry) Get(channel models.Channel) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, channel)
	}

	return provider, nil
}

// Deliver sends msg and always returns at least one delivery event. Provider
// failures are reported as an "error" event rather than returned.
func (r *Registry) Deliver(ctx context.Context, credentials models.Credentials, msg Message, now time.Time) []*models.DeliveryEvent {
	logger := r.logger.With(
		"journey_id", msg.JourneyID,
		"customer_id", msg.CustomerID,
		"step_id", msg.StepID,
		"channel", msg.Channel,
	)

	provider, err := r.Get(msg.Channel)
	if err != nil {
		logger.WarnContext(ctx, "message not sent", "error", err)

		return []*models.DeliveryEvent{errorEvent(msg, string(msg.Channel), err, now)}
	}

	events, err := provider.Send(ctx, credentials, msg)
	if err != nil {
		logger.WarnContext(ctx, "provider failed to send message", "provider", provider.Name(), "error", err)

		return []*models.DeliveryEvent{errorEvent(msg, provider.Name(), err, now)}
	}

	if len(events) == 0 {
		events = []*models.DeliveryEvent{msg.Event(models.DeliverySent, provider.Name(), "", now)}
	}

	return events
}

func errorEvent(msg Message, provider string, err error, now time.Time) *models.DeliveryEvent {
	event := msg.Event(models.DeliveryError, provider, "", now)
	event.Error = err.Error()

	return event
}
