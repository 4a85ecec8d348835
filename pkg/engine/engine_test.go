package engine_test

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/journeys/pkg/channels"
	"github.com/dukex/journeys/pkg/engine"
	"github.com/dukex/journeys/pkg/eventbus"
	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/locations"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence/memory"
	"github.com/dukex/journeys/pkg/queue"
	"github.com/dukex/journeys/pkg/testutil"
)

// Saturday morning.
var epoch = time.Date(2024, time.January, 6, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) Publish(_ context.Context, _ string, event eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	return nil
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]events.EventType, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.GetType())
	}

	return types
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *clockwork.FakeClock
	store     *memory.Persistence
	backend   *queue.MemoryBackend
	fabric    *queue.Fabric
	locations *locations.Store
	engine    *engine.Engine
	published *recorder
	workers   []*queue.Worker
	journey   *models.Journey
}

func newHarness(t *testing.T, opts engine.Options, journey *models.Journey, steps ...*models.Step) *harness {
	t.Helper()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	clock := clockwork.NewFakeClockAt(epoch)
	store := memory.NewPersistence()
	backend := queue.NewMemoryBackend()
	fabric := queue.NewFabric(backend, clock, queue.NewPriorityGenerator(rand.NewPCG(1, 2)), logger)
	locationStore := locations.NewStore(store.Locations(), clock, time.Minute, logger)

	registry := channels.NewRegistry(logger)
	registry.Register(models.ChannelLog, channels.NewLogProvider(clock, logger))

	published := &recorder{}

	if opts.RandSource == nil {
		opts.RandSource = rand.NewPCG(3, 4)
	}

	e := engine.New(store, locationStore, fabric, registry, nil, published, clock, nil, logger, opts)

	workers := make([]*queue.Worker, 0, len(queue.Names()))
	for _, name := range queue.Names() {
		workers = append(workers, queue.NewWorker(name, backend, e.Handle, clock, logger, queue.WorkerOptions{MaxAttempts: 1}))
	}

	journey.IsActive = true
	require.NoError(t, store.Journeys().Save(ctx, journey))
	require.NoError(t, store.Steps().Replace(ctx, journey.ID, testutil.WithJourney(journey, steps...)))
	require.NoError(t, store.Templates().Save(ctx, &models.Template{
		ID:          "welcome",
		WorkspaceID: journey.WorkspaceID,
		Name:        "Welcome",
		Channel:     models.ChannelLog,
		Subject:     "Hi {{.customer.email}}",
		Body:        "Welcome to {{.journey.name}}",
	}))

	return &harness{
		t:         t,
		ctx:       ctx,
		clock:     clock,
		store:     store,
		backend:   backend,
		fabric:    fabric,
		locations: locationStore,
		engine:    e,
		published: published,
		workers:   workers,
		journey:   journey,
	}
}

// enroll places a customer at START and queues the first job.
func (h *harness) enroll(customer *models.Customer) {
	h.t.Helper()

	require.NoError(h.t, h.store.Customers().Save(h.ctx, customer))

	_, err := h.locations.Create(h.ctx, h.journey, customer.ID, "start")
	require.NoError(h.t, err)

	require.NoError(h.t, h.fabric.Add(h.ctx, models.StepJob{
		JourneyID:   h.journey.ID,
		StepID:      "start",
		StepType:    models.StepTypeStart,
		CustomerID:  customer.ID,
		WorkspaceID: h.journey.WorkspaceID,
		Branch:      models.NoBranch,
		StepDepth:   1,
	}))
}

// drain processes every job that is ready at the current fake time.
func (h *harness) drain() int {
	h.t.Helper()

	total := 0

	for {
		processed := 0

		for _, worker := range h.workers {
			ok, err := worker.ProcessNext(h.ctx)
			require.NoError(h.t, err)

			if ok {
				processed++
			}
		}

		if processed == 0 {
			return total
		}

		total += processed
	}
}

func (h *harness) stepOf(customerID string) string {
	h.t.Helper()

	location, err := h.store.Locations().Get(h.ctx, h.journey.ID, customerID)
	require.NoError(h.t, err)

	return location.StepID
}

func (h *harness) location(customerID string) *models.JourneyLocation {
	h.t.Helper()

	location, err := h.store.Locations().Get(h.ctx, h.journey.ID, customerID)
	require.NoError(h.t, err)

	return location
}

func TestEngine_LinearJourney(t *testing.T) {
	journey := testutil.CreateTestJourney(testutil.WithActive())
	h := newHarness(t, engine.Options{}, journey,
		testutil.StartStep("start", "welcome"),
		testutil.MessageStep("welcome", "done", "welcome"),
		testutil.ExitStep("done"),
	)

	customer := testutil.CreateTestCustomer(journey.WorkspaceID)
	h.enroll(customer)

	assert.Equal(t, 1, h.drain())

	location := h.location(customer.ID)
	assert.Equal(t, "done", location.StepID)
	assert.False(t, location.IsLocked())
	assert.Equal(t, epoch.UnixMilli(), location.JourneyEntry)

	deliveries, err := h.store.Deliveries().ListByJourney(h.ctx, journey.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.Equal(t, models.DeliverySent, deliveries[0].Event)
	assert.Equal(t, "welcome", deliveries[0].StepID)
	assert.Equal(t, customer.ID, deliveries[0].CustomerID)

	assert.Equal(t, []events.EventType{events.DeliveryRecordedEvent, events.CustomerFinishedEvent}, h.published.types())
}

func TestEngine_MissingTemplateStillAdvances(t *testing.T) {
	journey := testutil.CreateTestJourney()
	h := newHarness(t, engine.Options{}, journey,
		testutil.StartStep("start", "welcome"),
		testutil.MessageStep("welcome", "done", "missing"),
		testutil.ExitStep("done"),
	)

	customer := testutil.CreateTestCustomer(journey.WorkspaceID)
	h.enroll(customer)
	h.drain()

	assert.Equal(t, "done", h.stepOf(customer.ID))

	deliveries, err := h.store.Deliveries().ListByJourney(h.ctx, journey.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.DeliveryError, deliveries[0].Event)
	assert.NotEmpty(t, deliveries[0].Error)
}

func TestEngine_TimeDelay(t *testing.T) {
	journey := testutil.CreateTestJourney()
	h := newHarness(t, engine.Options{}, journey,
		testutil.StartStep("start", "wait"),
		testutil.DelayStep("wait", "welcome", models.Delay{Days: 1}),
		testutil.MessageStep("welcome", "done", "welcome"),
		testutil.ExitStep("done"),
	)

	customer := testutil.CreateTestCustomer(journey.WorkspaceID)
	h.enroll(customer)
	h.drain()

	assert.Equal(t, "wait", h.stepOf(customer.ID))

	stats, err := h.backend.Stats(h.ctx, queue.TimeDelayQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delayed)

	h.clock.Advance(23 * time.Hour)
	assert.Equal(t, 0, h.drain())
	assert.Equal(t, "wait", h.stepOf(customer.ID))

	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, h.drain())
	assert.Equal(t, "done", h.stepOf(customer.ID))
}

func TestEngine_TimeDelayIsIdempotentBeforeDue(t *testing.T) {
	journey := testutil.CreateTestJourney()
	h := newHarness(t, engine.Options{}, journey,
		testutil.StartStep("start", "wait"),
		testutil.DelayStep("wait", "done", models.Delay{Hours: 2}),
		testutil.ExitStep("done"),
	)

	customer := testutil.CreateTestCustomer(journey.WorkspaceID)
	h.enroll(customer)
	h.drain()

	before := h.location(customer.ID)

	job := models.StepJob{
		JourneyID:  journey.ID,
		StepID:     "wait",
		StepType:   models.StepTypeTimeDelay,
		CustomerID: customer.ID,
		Branch:     models.NoBranch,
		StepDepth:  2,
	}

	h.clock.Advance(time.Hour)

	for range 3 {
		require.NoError(t, h.engine.Process(h.ctx, job))
	}

	after := h.location(customer.ID)
	assert.Equal(t, "wait", after.StepID)
	assert.Equal(t, before.StepEntry, after.StepEntry)
	assert.False(t, after.IsLocked())
}

func TestEngine_StepEntryNeverMovesBackwards(t *testing.T) {
	journey := testutil.CreateTestJourney()
	h := newHarness(t, engine.Options{}, journey,
		testutil.StartStep("start", "wait"),
		testutil.DelayStep("wait", "done", models.Delay{Hours: 1}),
		testutil.ExitStep("done"),
	)

	customer := testutil.CreateTestCustomer(journey.WorkspaceID)
	h.enroll(customer)

	previous := h.location(customer.ID)
	assert.Equal(t, "start", previous.StepID)

	observe := func(step string) *models.JourneyLocation {
		t.Helper()

		current := h.location(customer.ID)
		assert.Equal(t, step, current.StepID)
		assert.False(t, current.StepEntryAt.Before(previous.StepEntryAt),
			"step entry moved from %s to %s", previous.StepEntryAt, current.StepEntryAt)
		assert.GreaterOrEqual(t, current.StepEntry, previous.StepEntry)
		previous = current

		return current
	}

	h.clock.Advance(time.Minute)
	h.drain()

	waiting := observe("wait")
	assert.Equal(t, epoch.Add(time.Minute).UnixMilli(), waiting.StepEntry)

	h.clock.Advance(30 * time.Minute)
	require.NoError(t, h.engine.Process(h.ctx, models.StepJob{
		JourneyID:  journey.ID,
		StepID:     "wait",
		StepType:   models.StepTypeTimeDelay,
		CustomerID: customer.ID,
		Branch:     models.NoBranch,
		StepDepth:  2,
	}))

	unchanged := observe("wait")
	assert.Equal(t, waiting.StepEntry, unchanged.StepEntry)

	h.clock.Advance(30 * time.Minute)
	h.drain()

	done := observe("done")
	assert.Equal(t, epoch.Add(61*time.Minute).UnixMilli(), done.StepEntry)
}

func TestEngine_WeeklyWindow(t *testing.T) {
	journey := testutil.CreateTestJourney()
	h := newHarness(t, engine.Options{}, journey,
		testutil.StartStep("start", "window"),
		testutil.WindowStep("window", "done", models.TimeWindow{
			OnDays:   &[7]bool{false, true, false, false, false, false, false},
			FromTime: "09:00",
			ToTime:   "17:00",
		}),
		testutil.ExitStep("done"),
	)

	customer := testutil.CreateTestCustomer(journey.WorkspaceID)
	h.enroll(customer)
	h.drain()

	assert.Equal(t, "window", h.stepOf(customer.ID))

	// Sunday evening.
	h.clock.Advance(34 * time.Hour)
	assert.Equal(t, 0, h.drain())

	// Monday 09:00.
	h.clock.Advance(13 * time.Hour)
	assert.Equal(t, 1, h.drain())
	assert.Equal(t, "done", h.stepOf(customer.ID))
}

func waitJourney(t *testing.T) *harness {
	t.Helper()

	journey := testutil.CreateTestJourney()

	big := testutil.EventBranch("purchase", "big-spender")
	big.Event.Expression = "event.payload.total > 100"

	typed := testutil.EventBranch("purchase", "buyer")
	typed.Event.Schema = map[string]any{
		"type":     "object",
		"required": []any{"total"},
	}

	return newHarness(t, engine.Options{}, journey,
		testutil.StartStep("start", "wait"),
		testutil.WaitStep("wait", big, typed, testutil.DelayBranch(models.Delay{Days: 2}, "lapsed")),
		testutil.ExitStep("big-spender"),
		testutil.ExitStep("buyer"),
		testutil.ExitStep("lapsed"),
	)
}

func TestEngine_WaitUntilEventBranches(t *testing.T) {
	h := waitJourney(t)

	big := testutil.CreateTestCustomer(h.journey.WorkspaceID)
	small := testutil.CreateTestCustomer(h.journey.WorkspaceID)
	untyped := testutil.CreateTestCustomer(h.journey.WorkspaceID)

	for _, customer := range []*models.Customer{big, small, untyped} {
		h.enroll(customer)
	}

	h.drain()

	send := func(customer *models.Customer, name string, payload map[string]any) int {
		n, err := h.engine.OnEvent(h.ctx, models.CustomerEvent{
			ID:          "event-" + customer.ID,
			WorkspaceID: h.journey.WorkspaceID,
			CustomerID:  customer.ID,
			Name:        name,
			Payload:     payload,
			Timestamp:   h.clock.Now(),
		})
		require.NoError(t, err)

		return n
	}

	assert.Equal(t, 0, send(big, "signup", map[string]any{"total": 500.0}))
	assert.Equal(t, 1, send(big, "purchase", map[string]any{"total": 500.0}))
	assert.Equal(t, 1, send(small, "purchase", map[string]any{"total": 20.0}))
	assert.Equal(t, 0, send(untyped, "purchase", map[string]any{"amount": 20.0}))

	h.drain()

	assert.Equal(t, "big-spender", h.stepOf(big.ID))
	assert.Equal(t, "buyer", h.stepOf(small.ID))
	assert.Equal(t, "wait", h.stepOf(untyped.ID))

	h.clock.Advance(48 * time.Hour)
	h.drain()

	assert.Equal(t, "lapsed", h.stepOf(untyped.ID))
	assert.Equal(t, "big-spender", h.stepOf(big.ID))
}

func TestEngine_EventJobRetriedWhileCustomerBusy(t *testing.T) {
	h := waitJourney(t)

	customer := testutil.CreateTestCustomer(h.journey.WorkspaceID)
	h.enroll(customer)
	h.drain()

	held, err := h.locations.Acquire(h.ctx, h.journey.ID, customer.ID)
	require.NoError(t, err)

	plain := models.StepJob{
		JourneyID:  h.journey.ID,
		StepID:     "wait",
		StepType:   models.StepTypeWaitUntil,
		CustomerID: customer.ID,
		Branch:     models.NoBranch,
		StepDepth:  2,
	}

	require.NoError(t, h.engine.Process(h.ctx, plain), "plain duplicates are dropped")

	withEvent := plain
	withEvent.Branch = 1
	withEvent.Event = &models.CustomerEvent{Name: "purchase", Payload: map[string]any{"total": 1.0}}

	err = h.engine.Process(h.ctx, withEvent)
	require.Error(t, err)
	assert.True(t, queue.IsRecoverable(err))

	require.NoError(t, h.locations.Release(h.ctx, held))
	require.NoError(t, h.engine.Process(h.ctx, withEvent))

	assert.Equal(t, "buyer", h.stepOf(customer.ID))
}

func TestEngine_DropsStaleJobs(t *testing.T) {
	journey := testutil.CreateTestJourney()
	h := newHarness(t, engine.Options{}, journey,
		testutil.StartStep("start", "wait"),
		testutil.DelayStep("wait", "done", models.Delay{Hours: 1}),
		testutil.ExitStep("done"),
	)

	customer := testutil.CreateTestCustomer(journey.WorkspaceID)
	h.enroll(customer)
	h.drain()

	stale := models.StepJob{
		JourneyID:  journey.ID,
		StepID:     "start",
		StepType:   models.StepTypeStart,
		CustomerID: customer.ID,
		Branch:     models.NoBranch,
		StepDepth:  1,
	}
	require.NoError(t, h.engine.Process(h.ctx, stale))

	location := h.location(customer.ID)
	assert.Equal(t, "wait", location.StepID)
	assert.False(t, location.IsLocked())

	unknown := stale
	unknown.CustomerID = "nobody"
	require.NoError(t, h.engine.Process(h.ctx, unknown))
}

func TestEngine_StoppedJourneyDoesNotAdvance(t *testing.T) {
	journey := testutil.CreateTestJourney()
	h := newHarness(t, engine.Options{}, journey,
		testutil.StartStep("start", "done"),
		testutil.ExitStep("done"),
	)

	customer := testutil.CreateTestCustomer(journey.WorkspaceID)
	h.enroll(customer)

	journey.IsStopped = true
	require.NoError(t, h.store.Journeys().Save(h.ctx, journey))

	h.drain()

	assert.Equal(t, "start", h.stepOf(customer.ID))
}

func TestEngine_Multisplit(t *testing.T) {
	journey := testutil.CreateTestJourney()
	h := newHarness(t, engine.Options{}, journey,
		testutil.StartStep("start", "split"),
		testutil.SplitStep("split",
			models.SplitBranch{Expression: `attributes.plan == "pro"`, Destination: "pro"},
			models.SplitBranch{Default: true, Destination: "free"},
		),
		testutil.ExitStep("pro"),
		testutil.ExitStep("free"),
	)

	pro := testutil.CreateTestCustomer(journey.WorkspaceID, testutil.WithAttributes(map[string]any{"plan": "pro"}))
	free := testutil.CreateTestCustomer(journey.WorkspaceID)

	h.enroll(pro)
	h.enroll(free)
	h.drain()

	assert.Equal(t, "pro", h.stepOf(pro.ID))
	assert.Equal(t, "free", h.stepOf(free.ID))
}

func TestEngine_ExperimentFollowsRatios(t *testing.T) {
	journey := testutil.CreateTestJourney()
	h := newHarness(t, engine.Options{}, journey,
		testutil.StartStep("start", "experiment"),
		testutil.ExperimentStep("experiment",
			models.ExperimentBranch{Ratio: 0, Destination: "control"},
			models.ExperimentBranch{Ratio: 1, Destination: "variant"},
		),
		testutil.ExitStep("control"),
		testutil.ExitStep("variant"),
	)

	customers := make([]*models.Customer, 0, 20)

	for range 20 {
		customer := testutil.CreateTestCustomer(journey.WorkspaceID)
		customers = append(customers, customer)
		h.enroll(customer)
	}

	h.drain()

	for _, customer := range customers {
		assert.Equal(t, "variant", h.stepOf(customer.ID))
	}
}

func TestEngine_FastPathHopLimit(t *testing.T) {
	journey := testutil.CreateTestJourney()
	h := newHarness(t, engine.Options{MaxFastPathHops: 2}, journey,
		testutil.StartStep("start", "first"),
		testutil.MessageStep("first", "second", "welcome"),
		testutil.MessageStep("second", "done", "welcome"),
		testutil.ExitStep("done"),
	)

	customer := testutil.CreateTestCustomer(journey.WorkspaceID)
	h.enroll(customer)

	for _, worker := range h.workers {
		if worker.Queue() == queue.StartQueue {
			ok, err := worker.ProcessNext(h.ctx)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}

	assert.Equal(t, "second", h.stepOf(customer.ID))

	stats, err := h.backend.Stats(h.ctx, queue.MessageQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)

	h.drain()
	assert.Equal(t, "done", h.stepOf(customer.ID))

	deliveries, err := h.store.Deliveries().ListByJourney(h.ctx, journey.ID)
	require.NoError(t, err)
	assert.Len(t, deliveries, 4)
}

func TestTicker_RequeuesLostJobs(t *testing.T) {
	journey := testutil.CreateTestJourney()
	h := newHarness(t, engine.Options{}, journey,
		testutil.StartStep("start", "wait"),
		testutil.DelayStep("wait", "done", models.Delay{Hours: 1}),
		testutil.ExitStep("done"),
	)

	lost := testutil.CreateTestCustomer(journey.WorkspaceID)
	require.NoError(t, h.store.Customers().Save(h.ctx, lost))

	_, err := h.locations.Create(h.ctx, journey, lost.ID, "start")
	require.NoError(t, err)

	ticker, err := engine.NewTicker(h.engine, "", 10*time.Minute, slog.Default())
	require.NoError(t, err)

	n, err := ticker.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "recent locations are left alone")

	h.clock.Advance(11 * time.Minute)

	n, err = ticker.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.drain()
	assert.Equal(t, "wait", h.stepOf(lost.ID))

	// The delay is not due yet, so the ticker skips it.
	h.clock.Advance(30 * time.Minute)

	n, err = ticker.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Once due, the ticker enqueues a job next to the delayed one; the
	// second of the two is dropped as stale.
	h.clock.Advance(30 * time.Minute)

	n, err = ticker.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.drain()
	assert.Equal(t, "done", h.stepOf(lost.ID))

	h.clock.Advance(time.Hour)

	n, err = ticker.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "finished customers are not rescanned")
}

func TestNewTicker_RejectsBadSchedule(t *testing.T) {
	_, err := engine.NewTicker(nil, "every now and then", time.Minute, slog.Default())
	require.Error(t, err)
}
