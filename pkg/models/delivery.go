package models

import "time"

// Delivery event kinds reported by providers.
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryOpened    = "opened"
	DeliveryClicked   = "clicked"
	DeliveryFailed    = "failed"
	DeliveryError     = "error"
)

// DeliveryEvent records the fate of one outbound message. Its JSON form is
// read by downstream analytics and keeps camelCase keys.
type DeliveryEvent struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspaceId"`
	JourneyID     string    `json:"journeyId"`
	StepID        string    `json:"stepId"`
	CustomerID    string    `json:"customerId"`
	TemplateID    string    `json:"templateId"`
	MessageID     string    `json:"messageId,omitempty"`
	Event         string    `json:"event"`
	EventProvider string    `json:"eventProvider"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	Processed     bool      `json:"processed"`
}
