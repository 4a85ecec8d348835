package journeys_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/journeys/pkg/graph"
	"github.com/dukex/journeys/pkg/journeys"
	"github.com/dukex/journeys/pkg/locations"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence/memory"
	"github.com/dukex/journeys/pkg/queue"
	"github.com/dukex/journeys/pkg/segments"
	"github.com/dukex/journeys/pkg/testutil"
)

const workspaceID = "workspace-1"

type fixture struct {
	ctx          context.Context
	clock        *clockwork.FakeClock
	store        *memory.Persistence
	backend      *queue.MemoryBackend
	orchestrator *journeys.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC))
	store := memory.NewPersistence()
	backend := queue.NewMemoryBackend()
	fabric := queue.NewFabric(backend, clock, queue.NewPriorityGenerator(rand.NewPCG(7, 7)), logger)
	evaluator := segments.NewEvaluator()

	orchestrator := journeys.New(
		store,
		locations.NewStore(store.Locations(), clock, 0, logger),
		fabric,
		segments.NewExprOracle(store.Customers(), evaluator, logger),
		evaluator,
		nil,
		clock,
		nil,
		logger,
	)

	return &fixture{
		ctx:          context.Background(),
		clock:        clock,
		store:        store,
		backend:      backend,
		orchestrator: orchestrator,
	}
}

func (f *fixture) customer(t *testing.T, attributes map[string]any) *models.Customer {
	t.Helper()

	customer := testutil.CreateTestCustomer(workspaceID, testutil.WithAttributes(attributes))
	require.NoError(t, f.store.Customers().Save(f.ctx, customer))

	return customer
}

// draft creates an editable journey with criteria and a start -> exit graph.
func (f *fixture) draft(t *testing.T, criteria string) (*models.Journey, string) {
	t.Helper()

	journey, err := f.orchestrator.Create(f.ctx, workspaceID, "Onboarding")
	require.NoError(t, err)

	steps, err := f.orchestrator.Steps(f.ctx, journey.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)

	startID := steps[0].ID
	steps[0].Metadata = &models.StartMetadata{Destination: "exit-" + journey.ID}

	_, err = f.orchestrator.SaveSteps(f.ctx, journey.ID, []*models.Step{
		steps[0],
		testutil.ExitStep("exit-" + journey.ID),
	}, nil)
	require.NoError(t, err)

	journey, err = f.orchestrator.Update(f.ctx, journey.ID, journeys.UpdateJourney{
		InclusionCriteria: &models.InclusionCriteria{Expression: criteria},
	})
	require.NoError(t, err)

	return journey, startID
}

func TestOrchestrator_Create(t *testing.T) {
	f := newFixture(t)

	journey, err := f.orchestrator.Create(f.ctx, workspaceID, "  Welcome  ")
	require.NoError(t, err)

	assert.NotEmpty(t, journey.ID)
	assert.Equal(t, "Welcome", journey.Name)
	assert.True(t, journey.IsEditable())
	assert.JSONEq(t, string(models.EmptyLayout), string(journey.VisualLayout))

	steps, err := f.orchestrator.Steps(f.ctx, journey.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepTypeStart, steps[0].Type)

	_, err = f.orchestrator.Create(f.ctx, workspaceID, " ")
	require.ErrorIs(t, err, journeys.ErrNameRequired)
	assert.True(t, journeys.IsValidationError(err))
}

func TestOrchestrator_Update(t *testing.T) {
	f := newFixture(t)

	journey, err := f.orchestrator.Create(f.ctx, workspaceID, "Welcome")
	require.NoError(t, err)

	name := "Renamed"
	dynamic := true

	updated, err := f.orchestrator.Update(f.ctx, journey.ID, journeys.UpdateJourney{
		Name:              &name,
		IsDynamic:         &dynamic,
		InclusionCriteria: &models.InclusionCriteria{Expression: `attributes.plan == "pro"`},
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.True(t, updated.IsDynamic)

	_, err = f.orchestrator.Update(f.ctx, journey.ID, journeys.UpdateJourney{
		InclusionCriteria: &models.InclusionCriteria{Expression: "attributes.plan =="},
	})
	require.ErrorIs(t, err, journeys.ErrInvalidCriteria)
}

func TestOrchestrator_SaveStepsValidatesGraph(t *testing.T) {
	f := newFixture(t)

	journey, err := f.orchestrator.Create(f.ctx, workspaceID, "Welcome")
	require.NoError(t, err)

	tests := []struct {
		name  string
		steps []*models.Step
		err   error
	}{
		{
			name:  "missing destination",
			steps: []*models.Step{testutil.StartStep("s", "nowhere")},
			err:   graph.ErrMissingDestination,
		},
		{
			name:  "no start",
			steps: []*models.Step{testutil.ExitStep("e")},
			err:   graph.ErrStartStep,
		},
		{
			name: "bad window",
			steps: []*models.Step{
				testutil.StartStep("s", "w"),
				testutil.WindowStep("w", "e", models.TimeWindow{}),
				testutil.ExitStep("e"),
			},
			err: models.ErrInvalidWindow,
		},
		{
			name: "bad split expression",
			steps: []*models.Step{
				testutil.StartStep("s", "split"),
				testutil.SplitStep("split",
					models.SplitBranch{Expression: "((", Destination: "e"},
					models.SplitBranch{Default: true, Destination: "e"},
				),
				testutil.ExitStep("e"),
			},
			err: journeys.ErrInvalidStep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orchestrator.SaveSteps(f.ctx, journey.ID, tt.steps, nil)
			require.ErrorIs(t, err, tt.err)
			assert.True(t, journeys.IsValidationError(err))
		})
	}

	layout := json.RawMessage(`{"nodes":[{"id":"s"}],"edges":[]}`)

	saved, err := f.orchestrator.SaveSteps(f.ctx, journey.ID, []*models.Step{
		testutil.StartStep("s", "e"),
		testutil.ExitStep("e"),
	}, layout)
	require.NoError(t, err)
	assert.Len(t, saved, 2)

	stored, err := f.orchestrator.Get(f.ctx, journey.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(layout), string(stored.VisualLayout))
}

func TestOrchestrator_Duplicate(t *testing.T) {
	f := newFixture(t)

	journey, err := f.orchestrator.Create(f.ctx, workspaceID, "Welcome")
	require.NoError(t, err)

	_, err = f.orchestrator.SaveSteps(f.ctx, journey.ID, []*models.Step{
		testutil.StartStep("start-step", "exit-step"),
		testutil.ExitStep("exit-step"),
	}, json.RawMessage(`{"nodes":[{"id":"start-step"},{"id":"exit-step"}]}`))
	require.NoError(t, err)

	copied, err := f.orchestrator.Duplicate(f.ctx, journey.ID)
	require.NoError(t, err)
	assert.Equal(t, "Welcome-copy-1", copied.Name)
	assert.NotEqual(t, journey.ID, copied.ID)

	steps, err := f.orchestrator.Steps(f.ctx, copied.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	g, err := graph.Build(steps)
	require.NoError(t, err)

	start := g.Start()
	assert.NotEqual(t, "start-step", start.ID)
	assert.Contains(t, string(copied.VisualLayout), start.ID)
	assert.NotContains(t, string(copied.VisualLayout), "start-step")

	again, err := f.orchestrator.Duplicate(f.ctx, copied.ID)
	require.NoError(t, err)
	assert.Equal(t, "Welcome-copy-2", again.Name)
}

func TestOrchestrator_Start(t *testing.T) {
	f := newFixture(t)

	pro := f.customer(t, map[string]any{"plan": "pro"})
	f.customer(t, map[string]any{"plan": "free"})

	journey, startID := f.draft(t, `attributes.plan == "pro"`)

	result, err := f.orchestrator.Start(f.ctx, journey.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Enrolled)
	assert.True(t, result.Journey.IsActive)
	require.NotNil(t, result.Journey.StartedAt)

	location, err := f.store.Locations().Get(f.ctx, journey.ID, pro.ID)
	require.NoError(t, err)
	assert.Equal(t, startID, location.StepID)
	assert.Equal(t, location.StepEntry, location.JourneyEntry)
	assert.False(t, location.IsLocked())

	customer, err := f.store.Customers().GetByID(f.ctx, pro.ID)
	require.NoError(t, err)
	assert.Contains(t, customer.Journeys, journey.ID)

	stats, err := f.backend.Stats(f.ctx, queue.StartQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)

	_, err = f.orchestrator.Start(f.ctx, journey.ID)
	require.ErrorIs(t, err, journeys.ErrNotEditable)
	assert.True(t, journeys.IsConflictError(err))
}

func TestOrchestrator_StartRequiresCriteriaAndAcyclicGraph(t *testing.T) {
	f := newFixture(t)

	journey, err := f.orchestrator.Create(f.ctx, workspaceID, "Welcome")
	require.NoError(t, err)

	_, err = f.orchestrator.Start(f.ctx, journey.ID)
	require.ErrorIs(t, err, journeys.ErrNoInclusionCriteria)

	_, err = f.orchestrator.Update(f.ctx, journey.ID, journeys.UpdateJourney{
		InclusionCriteria: &models.InclusionCriteria{Expression: "true"},
	})
	require.NoError(t, err)

	_, err = f.orchestrator.SaveSteps(f.ctx, journey.ID, []*models.Step{
		testutil.StartStep("s", "a"),
		testutil.SplitStep("a",
			models.SplitBranch{Expression: "true", Destination: "b"},
			models.SplitBranch{Default: true, Destination: "e"},
		),
		testutil.SplitStep("b",
			models.SplitBranch{Expression: "true", Destination: "a"},
			models.SplitBranch{Default: true, Destination: "e"},
		),
		testutil.ExitStep("e"),
	}, nil)
	require.NoError(t, err)

	customer := f.customer(t, map[string]any{"plan": "pro"})

	_, err = f.orchestrator.Start(f.ctx, journey.ID)
	require.ErrorIs(t, err, graph.ErrCyclicGraph)

	stored, err := f.orchestrator.Get(f.ctx, journey.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Nil(t, stored.StartedAt)

	located, err := f.store.Locations().ListByJourney(f.ctx, journey.ID)
	require.NoError(t, err)
	assert.Empty(t, located)

	member, err := f.store.Customers().GetByID(f.ctx, customer.ID)
	require.NoError(t, err)
	assert.NotContains(t, member.Journeys, journey.ID)

	stats, err := f.backend.Stats(f.ctx, queue.StartQueue)
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting)
}

func TestOrchestrator_EnrollCustomer(t *testing.T) {
	f := newFixture(t)

	journey, startID := f.draft(t, `attributes.plan == "pro"`)

	dynamic := true
	_, err := f.orchestrator.Update(f.ctx, journey.ID, journeys.UpdateJourney{IsDynamic: &dynamic})
	require.NoError(t, err)

	_, err = f.orchestrator.Start(f.ctx, journey.ID)
	require.NoError(t, err)

	free := f.customer(t, map[string]any{"plan": "free"})

	joined, err := f.orchestrator.EnrollCustomer(f.ctx, free.ID)
	require.NoError(t, err)
	assert.Empty(t, joined)

	free.Attributes["plan"] = "pro"
	require.NoError(t, f.store.Customers().Save(f.ctx, free))

	joined, err = f.orchestrator.EnrollCustomer(f.ctx, free.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{journey.ID}, joined)

	location, err := f.store.Locations().Get(f.ctx, journey.ID, free.ID)
	require.NoError(t, err)
	assert.Equal(t, startID, location.StepID)

	joined, err = f.orchestrator.EnrollCustomer(f.ctx, free.ID)
	require.NoError(t, err)
	assert.Empty(t, joined, "customers are enrolled once")

	_, err = f.orchestrator.SetPaused(f.ctx, journey.ID, true)
	require.NoError(t, err)

	late := f.customer(t, map[string]any{"plan": "pro"})

	joined, err = f.orchestrator.EnrollCustomer(f.ctx, late.ID)
	require.NoError(t, err)
	assert.Empty(t, joined, "paused journeys do not enroll")
}

func TestOrchestrator_Lifecycle(t *testing.T) {
	f := newFixture(t)

	journey, _ := f.draft(t, "true")

	_, err := f.orchestrator.SetPaused(f.ctx, journey.ID, true)
	require.ErrorIs(t, err, journeys.ErrNotActive)

	_, err = f.orchestrator.Stop(f.ctx, journey.ID)
	require.ErrorIs(t, err, journeys.ErrNotActive)

	_, err = f.orchestrator.Start(f.ctx, journey.ID)
	require.NoError(t, err)

	pausedAt := f.clock.Now()

	paused, err := f.orchestrator.SetPaused(f.ctx, journey.ID, true)
	require.NoError(t, err)
	assert.True(t, paused.IsPaused)
	require.NotNil(t, paused.LatestPause)
	assert.True(t, pausedAt.Equal(*paused.LatestPause))

	f.clock.Advance(time.Hour)

	resumed, err := f.orchestrator.SetPaused(f.ctx, journey.ID, false)
	require.NoError(t, err)
	assert.False(t, resumed.IsPaused)
	require.NotNil(t, resumed.LatestPause)
	assert.True(t, pausedAt.Equal(*resumed.LatestPause))

	f.clock.Advance(time.Hour)

	repaused, err := f.orchestrator.SetPaused(f.ctx, journey.ID, true)
	require.NoError(t, err)
	require.NotNil(t, repaused.LatestPause)
	assert.True(t, pausedAt.Add(2*time.Hour).Equal(*repaused.LatestPause))

	resumed, err = f.orchestrator.SetPaused(f.ctx, journey.ID, false)
	require.NoError(t, err)
	assert.False(t, resumed.IsPaused)

	_, err = f.orchestrator.Update(f.ctx, journey.ID, journeys.UpdateJourney{})
	require.ErrorIs(t, err, journeys.ErrNotEditable)

	stopped, err := f.orchestrator.Stop(f.ctx, journey.ID)
	require.NoError(t, err)
	assert.True(t, stopped.IsStopped)
	assert.False(t, stopped.IsActive)
	assert.False(t, stopped.CanAdvance())

	_, err = f.orchestrator.Stop(f.ctx, journey.ID)
	require.ErrorIs(t, err, journeys.ErrStopped)

	_, err = f.orchestrator.SetPaused(f.ctx, journey.ID, false)
	require.ErrorIs(t, err, journeys.ErrStopped)

	require.NoError(t, f.orchestrator.MarkDeleted(f.ctx, journey.ID))

	deleted, err := f.orchestrator.Get(f.ctx, journey.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)

	list, err := f.orchestrator.List(f.ctx, workspaceID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOrchestrator_Statistics(t *testing.T) {
	f := newFixture(t)

	a := f.customer(t, map[string]any{})
	f.customer(t, map[string]any{})

	journey, startID := f.draft(t, "true")

	_, err := f.orchestrator.Start(f.ctx, journey.ID)
	require.NoError(t, err)

	held, err := f.store.Locations().Acquire(f.ctx, journey.ID, a.ID, "token", f.clock.Now(), f.clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, f.store.Locations().Unlock(f.ctx, held, "exit-"+journey.ID, f.clock.Now()))

	stats, err := f.orchestrator.Statistics(f.ctx, journey.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Enrolled)
	assert.Equal(t, 1, stats.Finished)
	assert.Equal(t, map[string]int{startID: 1, "exit-" + journey.ID: 1}, stats.ByStep)
}
