// Package persistencetest holds behaviour checks shared by every persistence implementation.
package persistencetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence"
	"github.com/dukex/journeys/pkg/testutil"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) (persistence.Persistence, context.Context)

// Run executes every check against stores created by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("journeys", func(t *testing.T) { testJourneys(t, factory) })
	t.Run("steps", func(t *testing.T) { testSteps(t, factory) })
	t.Run("customers", func(t *testing.T) { testCustomers(t, factory) })
	t.Run("location lock", func(t *testing.T) { testLocationLock(t, factory) })
	t.Run("location unlock", func(t *testing.T) { testLocationUnlock(t, factory) })
	t.Run("location mutual exclusion", func(t *testing.T) { testMutualExclusion(t, factory) })
	t.Run("idle locations", func(t *testing.T) { testIdle(t, factory) })
	t.Run("transaction rollback", func(t *testing.T) { testRollback(t, factory) })
	t.Run("deliveries", func(t *testing.T) { testDeliveries(t, factory) })
}

func seedJourney(ctx context.Context, t *testing.T, p persistence.Persistence, overrides ...func(*models.Journey)) *models.Journey {
	t.Helper()

	journey := testutil.CreateTestJourney(overrides...)
	journey.ID = ""
	require.NoError(t, p.Journeys().Save(ctx, journey))
	require.NotEmpty(t, journey.ID)

	steps := testutil.WithJourney(journey,
		testutil.StartStep(uuid.NewString(), ""),
		testutil.ExitStep(uuid.NewString()),
	)
	steps[0].Metadata = &models.StartMetadata{Destination: steps[1].ID}
	require.NoError(t, p.Steps().Replace(ctx, journey.ID, steps))

	return journey
}

func seedCustomer(ctx context.Context, t *testing.T, p persistence.Persistence, workspaceID string) *models.Customer {
	t.Helper()

	customer := testutil.CreateTestCustomer(workspaceID)
	require.NoError(t, p.Customers().Save(ctx, customer))

	return customer
}

func seedLocation(ctx context.Context, t *testing.T, p persistence.Persistence, now time.Time) *models.JourneyLocation {
	t.Helper()

	journey := seedJourney(ctx, t, p)
	customer := seedCustomer(ctx, t, p, journey.WorkspaceID)

	steps, err := p.Steps().ListByJourney(ctx, journey.ID)
	require.NoError(t, err)

	location := models.NewLocation(journey, customer.ID, steps[0].ID, now)
	require.NoError(t, p.Locations().Create(ctx, location))

	return location
}

func testJourneys(t *testing.T, factory Factory) {
	p, ctx := factory(t)

	active := seedJourney(ctx, t, p, testutil.WithActive(), testutil.WithDynamic())
	draft := seedJourney(ctx, t, p)
	deleted := seedJourney(ctx, t, p, func(j *models.Journey) {
		j.IsDeleted = true
		j.IsStopped = true
	})

	got, err := p.Journeys().GetByID(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, active.Name, got.Name)
	assert.True(t, got.IsDynamic)
	require.NotNil(t, got.InclusionCriteria)
	assert.Equal(t, "true", got.InclusionCriteria.Expression)

	listed, err := p.Journeys().List(ctx, active.WorkspaceID)
	require.NoError(t, err)

	ids := make([]string, 0, len(listed))
	for _, journey := range listed {
		ids = append(ids, journey.ID)
	}

	assert.ElementsMatch(t, []string{active.ID, draft.ID}, ids)
	assert.NotContains(t, ids, deleted.ID)

	running, err := p.Journeys().ListActive(ctx, "")
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, active.ID, running[0].ID)

	_, err = p.Journeys().GetByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, persistence.ErrJourneyNotFound)
}

func testSteps(t *testing.T, factory Factory) {
	p, ctx := factory(t)
	journey := seedJourney(ctx, t, p)

	steps := testutil.WithJourney(journey,
		testutil.StartStep("s-"+journey.ID, "w-"+journey.ID),
		testutil.WaitStep("w-"+journey.ID,
			testutil.EventBranch("purchase", "x-"+journey.ID),
			testutil.DelayBranch(models.Delay{Days: 3}, "x-"+journey.ID),
		),
		testutil.ExitStep("x-"+journey.ID),
	)
	require.NoError(t, p.Steps().Replace(ctx, journey.ID, steps))

	listed, err := p.Steps().ListByJourney(ctx, journey.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, models.StepTypeStart, listed[0].Type)

	wait, err := p.Steps().GetByID(ctx, "w-"+journey.ID)
	require.NoError(t, err)

	meta, ok := wait.Metadata.(*models.WaitUntilMetadata)
	require.True(t, ok)
	require.Len(t, meta.Branches, 2)
	assert.Equal(t, "purchase", meta.Branches[0].Event.Name)
	assert.Equal(t, 3, meta.Branches[1].Time.Delay.Days)

	_, err = p.Steps().GetByID(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrStepNotFound)
}

func testCustomers(t *testing.T, factory Factory) {
	p, ctx := factory(t)
	journey := seedJourney(ctx, t, p)

	first := seedCustomer(ctx, t, p, journey.WorkspaceID)
	second := seedCustomer(ctx, t, p, journey.WorkspaceID)
	seedCustomer(ctx, t, p, "another-workspace")

	require.NoError(t, p.Customers().AddJourney(ctx, journey.ID, []string{first.ID, second.ID}))
	require.NoError(t, p.Customers().AddJourney(ctx, journey.ID, []string{first.ID}))

	got, err := p.Customers().GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{journey.ID}, got.Journeys)

	listed, err := p.Customers().ListByWorkspace(ctx, journey.WorkspaceID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func testLocationLock(t *testing.T, factory Factory) {
	p, ctx := factory(t)
	now := time.Now().Truncate(time.Millisecond)
	location := seedLocation(ctx, t, p, now)
	repo := p.Locations()

	err := repo.Create(ctx, location)
	require.ErrorIs(t, err, persistence.ErrLocationExists)

	held, err := repo.Acquire(ctx, location.JourneyID, location.CustomerID, "token-1", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, held.IsLocked())
	assert.Equal(t, "token-1", held.LockToken)

	_, err = repo.Acquire(ctx, location.JourneyID, location.CustomerID, "token-2", now, now.Add(-time.Minute))
	require.ErrorIs(t, err, persistence.ErrAlreadyLocked)

	// Once the lock is older than the stale cutoff it can be reclaimed.
	later := now.Add(10 * time.Minute)
	reclaimed, err := repo.Acquire(ctx, location.JourneyID, location.CustomerID, "token-3", later, later.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "token-3", reclaimed.LockToken)

	// The first holder can no longer release or write.
	err = repo.Unlock(ctx, held, held.StepID, later)
	require.ErrorIs(t, err, persistence.ErrLockLost)

	_, err = repo.Acquire(ctx, location.JourneyID, "nobody", "token-4", now, now)
	require.ErrorIs(t, err, persistence.ErrLocationNotFound)
}

func testLocationUnlock(t *testing.T, factory Factory) {
	p, ctx := factory(t)
	entered := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	location := seedLocation(ctx, t, p, entered)
	repo := p.Locations()
	now := entered.Add(time.Hour)

	held, err := repo.Acquire(ctx, location.JourneyID, location.CustomerID, "token", now, now.Add(-time.Minute))
	require.NoError(t, err)

	// Re-evaluation at the same step keeps the entry time.
	require.NoError(t, repo.Unlock(ctx, held, location.StepID, now))

	got, err := repo.Get(ctx, location.JourneyID, location.CustomerID)
	require.NoError(t, err)
	assert.False(t, got.IsLocked())
	assert.Equal(t, entered.UnixMilli(), got.StepEntry)

	held, err = repo.Acquire(ctx, location.JourneyID, location.CustomerID, "token", now, now.Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.MarkMessageSent(ctx, held))
	require.NoError(t, repo.Unlock(ctx, held, "next-step", now))

	got, err = repo.Get(ctx, location.JourneyID, location.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, "next-step", got.StepID)
	assert.Equal(t, now.UnixMilli(), got.StepEntry)
	assert.Equal(t, entered.UnixMilli(), got.JourneyEntry)
	assert.False(t, got.MessageSent)
	assert.Empty(t, got.LockToken)
}

func testMutualExclusion(t *testing.T, factory Factory) {
	p, ctx := factory(t)
	now := time.Now()
	location := seedLocation(ctx, t, p, now)

	const contenders = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		losers  int
	)

	for i := range contenders {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_, err := p.Locations().Acquire(ctx, location.JourneyID, location.CustomerID, uuid.NewString(), now, now.Add(-time.Minute))

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				winners++
			case errors.Is(err, persistence.ErrAlreadyLocked):
				losers++
			default:
				t.Errorf("contender %d: unexpected error: %v", i, err)
			}
		}(i)
	}

	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, contenders-1, losers)
}

func testIdle(t *testing.T, factory Factory) {
	p, ctx := factory(t)
	entered := time.Now().Add(-time.Hour)
	location := seedLocation(ctx, t, p, entered)
	repo := p.Locations()
	now := time.Now()

	idle, err := repo.ListIdle(ctx, location.JourneyID, now.Add(-time.Minute), now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, idle, 1)

	_, err = repo.Acquire(ctx, location.JourneyID, location.CustomerID, "token", now, now.Add(-time.Minute))
	require.NoError(t, err)

	idle, err = repo.ListIdle(ctx, location.JourneyID, now.Add(-time.Minute), now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, idle)

	idle, err = repo.ListIdle(ctx, location.JourneyID, now.Add(-2*time.Hour), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, idle)
}

func testRollback(t *testing.T, factory Factory) {
	p, ctx := factory(t)
	journey := seedJourney(ctx, t, p)
	customer := seedCustomer(ctx, t, p, journey.WorkspaceID)
	boom := errors.New("boom")

	err := p.WithTransaction(ctx, func(ctx context.Context) error {
		location := models.NewLocation(journey, customer.ID, "start", time.Now())
		if err := p.Locations().Create(ctx, location); err != nil {
			return err
		}

		if err := p.Customers().AddJourney(ctx, journey.ID, []string{customer.ID}); err != nil {
			return err
		}

		journey.IsActive = true
		if err := p.Journeys().Save(ctx, journey); err != nil {
			return err
		}

		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = p.Locations().Get(ctx, journey.ID, customer.ID)
	require.ErrorIs(t, err, persistence.ErrLocationNotFound)

	got, err := p.Customers().GetByID(ctx, customer.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Journeys)

	stored, err := p.Journeys().GetByID(ctx, journey.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	err = p.WithTransaction(ctx, func(ctx context.Context) error {
		return p.Locations().Create(ctx, models.NewLocation(journey, customer.ID, "start", time.Now()))
	})
	require.NoError(t, err)

	_, err = p.Locations().Get(ctx, journey.ID, customer.ID)
	require.NoError(t, err)
}

func testDeliveries(t *testing.T, factory Factory) {
	p, ctx := factory(t)
	journey := seedJourney(ctx, t, p)

	err := p.Deliveries().Save(ctx,
		&models.DeliveryEvent{JourneyID: journey.ID, WorkspaceID: journey.WorkspaceID, CustomerID: "c", StepID: "m",
			Event: models.DeliverySent, EventProvider: "log", CreatedAt: time.Now()},
		&models.DeliveryEvent{JourneyID: journey.ID, WorkspaceID: journey.WorkspaceID, CustomerID: "c", StepID: "m",
			Event: models.DeliveryError, EventProvider: "webhook", Error: "timeout", CreatedAt: time.Now()},
	)
	require.NoError(t, err)

	events, err := p.Deliveries().ListByJourney(ctx, journey.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)

	kinds := []string{events[0].Event, events[1].Event}
	assert.ElementsMatch(t, []string{models.DeliverySent, models.DeliveryError}, kinds)
}
