package engine

import (
	"context"
	"fmt"

	"github.com/dukex/journeys/pkg/channels"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/template"
)

// sendMessage renders and sends the message of step, records the delivery
// events and flags the location. Send failures are recorded, not returned:
// the customer moves on either way.
func (r *run) sendMessage(ctx context.Context, step *models.Step, meta *models.MessageMetadata) error {
	e := r.engine
	now := e.clock.Now()

	customer, err := r.loadCustomer(ctx)
	if err != nil {
		return err
	}

	msg := channels.Message{
		WorkspaceID: r.journey.WorkspaceID,
		JourneyID:   r.journey.ID,
		StepID:      step.ID,
		CustomerID:  customer.ID,
		TemplateID:  meta.TemplateID,
		Channel:     meta.Channel,
		To:          recipient(customer, meta.Channel),
	}

	var deliveries []*models.DeliveryEvent

	tpl, err := e.store.Templates().GetByID(ctx, meta.TemplateID)
	if err != nil && !persistence.IsNotFound(err) {
		return fmt.Errorf("failed to load template: %w", err)
	}

	var rendered template.Rendered
	if err == nil {
		rendered, err = template.RenderTemplate(tpl, template.Data(customer, r.journey, step.ID))
	}

	if err != nil {
		r.logger.WarnContext(ctx, "message not rendered", "template_id", meta.TemplateID, "error", err)

		failed := msg.Event(models.DeliveryError, string(meta.Channel), "", now)
		failed.Error = err.Error()
		deliveries = []*models.DeliveryEvent{failed}
	} else {
		msg.Subject = rendered.Subject
		msg.Body = rendered.Body

		credentials := r.loadWorkspace(ctx).Channels[meta.Channel]
		deliveries = e.channels.Deliver(ctx, credentials, msg, now)
	}

	err = e.store.Deliveries().Save(ctx, deliveries...)
	if err != nil {
		return fmt.Errorf("failed to record deliveries: %w", err)
	}

	e.publish(ctx, customer.ID, events.DeliveryRecorded{
		BaseEvent:  events.NewBaseEvent(events.DeliveryRecordedEvent, r.journey.WorkspaceID),
		Deliveries: deliveries,
	})

	err = e.locations.MarkMessageSent(ctx, r.location)
	if err != nil {
		return fmt.Errorf("failed to mark message sent: %w", err)
	}

	return nil
}

func recipient(customer *models.Customer, channel models.Channel) string {
	switch channel {
	case models.ChannelEmail:
		return customer.Email
	case models.ChannelSMS:
		return customer.Phone
	default:
		return customer.ID
	}
}
