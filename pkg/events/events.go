// Package events defines the notifications exchanged on the event bus.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/dukex/journeys/pkg/models"
)

type EventType string

// Topic carries every journeys event.
const Topic = "journeys.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Inbound: fed into the engine.
	CustomerEventReceivedEvent EventType = "customer.event"
	CustomerUpdatedEvent       EventType = "customer.updated"

	// Outbound: emitted by the engine and the orchestrator.
	DeliveryRecordedEvent EventType = "delivery.recorded"
	CustomerFinishedEvent EventType = "journey.customer.finished"
	JourneyStartedEvent   EventType = "journey.started"
	JourneyStoppedEvent   EventType = "journey.stopped"
)

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	WorkspaceID string         `json:"workspace_id"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workspaceID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		WorkspaceID: workspaceID,
		Metadata:    make(map[string]any),
	}
}

// CustomerEventReceived carries a tracked customer action, the input of
// wait-until event branches.
type CustomerEventReceived struct {
	BaseEvent

	Event models.CustomerEvent `json:"event"`
}

func (e CustomerEventReceived) GetType() EventType {
	return CustomerEventReceivedEvent
}

// CustomerUpdated announces a created or changed customer, which may now
// match dynamic journeys.
type CustomerUpdated struct {
	BaseEvent

	CustomerID string `json:"customer_id"`
}

func (e CustomerUpdated) GetType() EventType {
	return CustomerUpdatedEvent
}

type DeliveryRecorded struct {
	BaseEvent

	Deliveries []*models.DeliveryEvent `json:"deliveries"`
}

func (e DeliveryRecorded) GetType() EventType {
	return DeliveryRecordedEvent
}

type CustomerFinished struct {
	BaseEvent

	JourneyID  string        `json:"journey_id"`
	CustomerID string        `json:"customer_id"`
	StepID     string        `json:"step_id"`
	Duration   time.Duration `json:"duration"`
}

func (e CustomerFinished) GetType() EventType {
	return CustomerFinishedEvent
}

type JourneyStarted struct {
	BaseEvent

	JourneyID string `json:"journey_id"`
	Enrolled  int    `json:"enrolled"`
}

func (e JourneyStarted) GetType() EventType {
	return JourneyStartedEvent
}

type JourneyStopped struct {
	BaseEvent

	JourneyID string `json:"journey_id"`
	Deleted   bool   `json:"deleted"`
}

func (e JourneyStopped) GetType() EventType {
	return JourneyStoppedEvent
}

// New returns an empty event of the given type, ready to be decoded into.
func New(eventType EventType) (any, bool) {
	switch eventType {
	case CustomerEventReceivedEvent:
		return &CustomerEventReceived{}, true
	case CustomerUpdatedEvent:
		return &CustomerUpdated{}, true
	case DeliveryRecordedEvent:
		return &DeliveryRecorded{}, true
	case CustomerFinishedEvent:
		return &CustomerFinished{}, true
	case JourneyStartedEvent:
		return &JourneyStarted{}, true
	case JourneyStoppedEvent:
		return &JourneyStopped{}, true
	default:
		return nil, false
	}
}
