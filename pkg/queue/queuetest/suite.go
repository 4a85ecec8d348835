// Package queuetest holds behaviour checks shared by every queue backend.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/queue"
)

// Factory returns an empty backend for one test.
type Factory func(t *testing.T) queue.Backend

var epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func job(id string, priority int) *queue.Job {
	return &queue.Job{
		ID:         id,
		Queue:      queue.MessageQueue,
		Priority:   priority,
		EnqueuedAt: epoch,
		Data: models.StepJob{
			JourneyID:  "journey",
			StepID:     "step",
			StepType:   models.StepTypeMessage,
			CustomerID: "customer-" + id,
			Branch:     models.NoBranch,
			StepDepth:  1,
			Event: &models.CustomerEvent{
				Name:    "purchase",
				Payload: map[string]any{"total": 12.5},
			},
		},
	}
}

// Run executes every check against backends created by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("priority order", func(t *testing.T) { testPriorityOrder(t, factory(t)) })
	t.Run("delayed jobs", func(t *testing.T) { testDelayed(t, factory(t)) })
	t.Run("retry and fail", func(t *testing.T) { testRetryAndFail(t, factory(t)) })
	t.Run("stalled jobs", func(t *testing.T) { testStalled(t, factory(t)) })
	t.Run("superseded lease", func(t *testing.T) { testSupersededLease(t, factory(t)) })
	t.Run("completed retention", func(t *testing.T) { testRetention(t, factory(t)) })
}

func reserveAll(ctx context.Context, t *testing.T, backend queue.Backend, now time.Time) []*queue.Job {
	t.Helper()

	jobs := make([]*queue.Job, 0)

	for {
		job, err := backend.Reserve(ctx, queue.MessageQueue, now, time.Minute)
		require.NoError(t, err)

		if job == nil {
			return jobs
		}

		jobs = append(jobs, job)
	}
}

func testPriorityOrder(t *testing.T, backend queue.Backend) {
	ctx := context.Background()

	require.NoError(t, backend.Enqueue(ctx,
		job("shallow", 1_999_000),
		job("deep-b", 50),
		job("middle", 500_000),
		job("deep-a", 10),
		job("deep-c", 50),
	))

	jobs := reserveAll(ctx, t, backend, epoch)
	ids := make([]string, 0, len(jobs))

	for _, j := range jobs {
		ids = append(ids, j.ID)
		assert.Equal(t, 1, j.Attempts)
	}

	assert.Equal(t, []string{"deep-a", "deep-b", "deep-c", "middle", "shallow"}, ids)

	assert.Equal(t, 12.5, jobs[0].Data.Event.Payload["total"])
	assert.Equal(t, models.NoBranch, jobs[0].Data.Branch)

	stats, err := backend.Stats(ctx, queue.MessageQueue)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Active)
	assert.Equal(t, 0, stats.Waiting)
}

func testDelayed(t *testing.T, backend queue.Backend) {
	ctx := context.Background()

	later := job("later", 1)
	later.AvailableAt = epoch.Add(time.Hour)

	require.NoError(t, backend.Enqueue(ctx, later, job("now", 100)))

	jobs := reserveAll(ctx, t, backend, epoch)
	require.Len(t, jobs, 1)
	assert.Equal(t, "now", jobs[0].ID)

	stats, err := backend.Stats(ctx, queue.MessageQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delayed)

	jobs = reserveAll(ctx, t, backend, epoch.Add(time.Hour))
	require.Len(t, jobs, 1)
	assert.Equal(t, "later", jobs[0].ID)
}

func testRetryAndFail(t *testing.T, backend queue.Backend) {
	ctx := context.Background()

	require.NoError(t, backend.Enqueue(ctx, job("flaky", 1)))

	reserved, err := backend.Reserve(ctx, queue.MessageQueue, epoch, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reserved)

	require.NoError(t, backend.Retry(ctx, reserved, epoch.Add(10*time.Second), errors.New("provider timeout")))

	none, err := backend.Reserve(ctx, queue.MessageQueue, epoch.Add(5*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	reserved, err = backend.Reserve(ctx, queue.MessageQueue, epoch.Add(10*time.Second), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reserved)
	assert.Equal(t, 2, reserved.Attempts)
	assert.Equal(t, "provider timeout", reserved.LastError)

	require.NoError(t, backend.Fail(ctx, reserved, epoch.Add(11*time.Second), errors.New("gave up")))

	failed, err := backend.Failed(ctx, queue.MessageQueue, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "flaky", failed[0].ID)
	assert.Equal(t, "gave up", failed[0].LastError)
	require.NotNil(t, failed[0].FailedAt)

	err = backend.Retry(ctx, reserved, epoch, errors.New("again"))
	require.ErrorIs(t, err, queue.ErrNotActive)

	stats, err := backend.Stats(ctx, queue.MessageQueue)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Failed: 1}, stats)
}

func testStalled(t *testing.T, backend queue.Backend) {
	ctx := context.Background()

	require.NoError(t, backend.Enqueue(ctx, job("stuck", 1), job("fine", 2)))

	stuck, err := backend.Reserve(ctx, queue.MessageQueue, epoch, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "stuck", stuck.ID)

	fine, err := backend.Reserve(ctx, queue.MessageQueue, epoch, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, "fine", fine.ID)

	n, err := backend.RequeueStalled(ctx, queue.MessageQueue, epoch.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = backend.RequeueStalled(ctx, queue.MessageQueue, epoch.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := backend.Reserve(ctx, queue.MessageQueue, epoch.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "stuck", again.ID)
	assert.Equal(t, 2, again.Attempts)

	require.NoError(t, backend.Complete(ctx, again, epoch.Add(3*time.Minute), queue.Retention{}))
	require.NoError(t, backend.Complete(ctx, fine, epoch.Add(3*time.Minute), queue.Retention{}))

	stats, err := backend.Stats(ctx, queue.MessageQueue)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
}

// testSupersededLease checks that a holder whose lease stalled and was
// re-taken cannot settle the job for the new holder.
func testSupersededLease(t *testing.T, backend queue.Backend) {
	ctx := context.Background()

	require.NoError(t, backend.Enqueue(ctx, job("slow", 1)))

	first, err := backend.Reserve(ctx, queue.MessageQueue, epoch, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	n, err := backend.RequeueStalled(ctx, queue.MessageQueue, epoch.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	second, err := backend.Reserve(ctx, queue.MessageQueue, epoch.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, first.Attempts+1, second.Attempts)

	err = backend.Complete(ctx, first, epoch.Add(2*time.Minute), queue.Retention{Count: 10})
	require.ErrorIs(t, err, queue.ErrNotActive)

	err = backend.Retry(ctx, first, epoch.Add(3*time.Minute), errors.New("late"))
	require.ErrorIs(t, err, queue.ErrNotActive)

	err = backend.Fail(ctx, first, epoch.Add(2*time.Minute), errors.New("late"))
	require.ErrorIs(t, err, queue.ErrNotActive)

	stats, err := backend.Stats(ctx, queue.MessageQueue)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Active: 1}, stats)

	require.NoError(t, backend.Complete(ctx, second, epoch.Add(150*time.Second), queue.Retention{}))

	stats, err = backend.Stats(ctx, queue.MessageQueue)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
}

func testRetention(t *testing.T, backend queue.Backend) {
	ctx := context.Background()
	retention := queue.Retention{Count: 2, Age: time.Hour}

	for i := range 4 {
		require.NoError(t, backend.Enqueue(ctx, job(fmt.Sprintf("job-%d", i), i+1)))
	}

	for i, j := range reserveAll(ctx, t, backend, epoch) {
		require.NoError(t, backend.Complete(ctx, j, epoch.Add(time.Duration(i)*time.Minute), retention))
	}

	stats, err := backend.Stats(ctx, queue.MessageQueue)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Completed)

	require.NoError(t, backend.Enqueue(ctx, job("late", 1)))

	late, err := backend.Reserve(ctx, queue.MessageQueue, epoch, time.Minute)
	require.NoError(t, err)
	require.NoError(t, backend.Complete(ctx, late, epoch.Add(3*time.Hour), retention))

	stats, err = backend.Stats(ctx, queue.MessageQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
}
