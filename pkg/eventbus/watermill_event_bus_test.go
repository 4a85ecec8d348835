package eventbus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/pubsub/gochannel"
)

func newTestBus(t *testing.T) *WatermillEventBus {
	t.Helper()

	pubSub := gochannel.Create(watermill.NopLogger{})
	bus := NewWatermillEventBus(pubSub, pubSub, slog.Default())

	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_DeliversToHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)
	received := make(chan *events.CustomerEventReceived, 1)

	require.NoError(t, bus.Handle(events.CustomerEventReceivedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.CustomerEventReceived)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	sent := events.CustomerEventReceived{
		BaseEvent: events.NewBaseEvent(events.CustomerEventReceivedEvent, "ws"),
		Event: models.CustomerEvent{
			WorkspaceID: "ws",
			CustomerID:  "c-1",
			Name:        "signup",
			Payload:     map[string]any{"plan": "pro"},
		},
	}

	require.NoError(t, bus.Publish(ctx, "c-1", sent))

	select {
	case got := <-received:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, "signup", got.Event.Name)
		assert.Equal(t, "pro", got.Event.Payload["plan"])
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_IgnoresUnhandledTypes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)
	finished := make(chan *events.CustomerFinished, 1)

	require.NoError(t, bus.Handle(events.CustomerFinishedEvent, func(_ context.Context, event any) error {
		finished <- event.(*events.CustomerFinished)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "j", events.JourneyStarted{
		BaseEvent: events.NewBaseEvent(events.JourneyStartedEvent, "ws"),
		JourneyID: "j",
	}))
	require.NoError(t, bus.Publish(ctx, "j", events.CustomerFinished{
		BaseEvent:  events.NewBaseEvent(events.CustomerFinishedEvent, "ws"),
		JourneyID:  "j",
		CustomerID: "c",
	}))

	select {
	case got := <-finished:
		assert.Equal(t, "c", got.CustomerID)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}

	assert.NotEmpty(t, bus.GenerateID())
}
