package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/journeys/pkg/models"
)

var testEpoch = time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)

func newTestJob(id string) *Job {
	return &Job{
		ID:         id,
		Queue:      TimeDelayQueue,
		Priority:   10,
		EnqueuedAt: testEpoch,
		Data: models.StepJob{
			JourneyID:  "journey-1",
			StepID:     "delay",
			StepType:   models.StepTypeTimeDelay,
			CustomerID: "customer-1",
			Branch:     models.NoBranch,
			StepDepth:  2,
		},
	}
}

func newTestWorker(backend Backend, clock clockwork.Clock, handler Handler, opts WorkerOptions) *Worker {
	opts.RetryInitial = time.Second
	opts.RetryMax = time.Second

	return NewWorker(TimeDelayQueue, backend, handler, clock, slog.Default(), opts)
}

func TestWorker_CompletesJob(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	backend := NewMemoryBackend()

	require.NoError(t, backend.Enqueue(ctx, newTestJob("a")))

	var seen *Job

	worker := newTestWorker(backend, clock, func(_ context.Context, job *Job) error {
		seen = job

		return nil
	}, WorkerOptions{RemoveOnComplete: Retention{Count: 10}})

	processed, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	require.NotNil(t, seen)
	assert.Equal(t, "customer-1", seen.Data.CustomerID)
	assert.Equal(t, 1, seen.Attempts)

	stats, err := backend.Stats(ctx, TimeDelayQueue)
	require.NoError(t, err)
	assert.Equal(t, Stats{Completed: 1}, stats)

	processed, err = worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWorker_RetriesThenFails(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	backend := NewMemoryBackend()

	require.NoError(t, backend.Enqueue(ctx, newTestJob("a")))

	var calls atomic.Int32

	worker := newTestWorker(backend, clock, func(context.Context, *Job) error {
		calls.Add(1)

		return errors.New("smtp unavailable")
	}, WorkerOptions{MaxAttempts: 3})

	for attempt := 1; attempt <= 3; attempt++ {
		processed, err := worker.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed, "attempt %d", attempt)

		// Nothing is ready until the backoff has elapsed.
		processed, err = worker.ProcessNext(ctx)
		require.NoError(t, err)
		require.False(t, processed)

		clock.Advance(2 * time.Second)
	}

	assert.Equal(t, int32(3), calls.Load())

	failed, err := backend.Failed(ctx, TimeDelayQueue, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, "smtp unavailable", failed[0].LastError)
}

func TestWorker_PermanentErrorFailsAtOnce(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	backend := NewMemoryBackend()

	require.NoError(t, backend.Enqueue(ctx, newTestJob("a")))

	worker := newTestWorker(backend, clock, func(context.Context, *Job) error {
		return Permanent(errors.New("step deleted"))
	}, WorkerOptions{})

	processed, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	stats, err := backend.Stats(ctx, TimeDelayQueue)
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, stats)
}

func TestWorker_PanicIsPermanent(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	backend := NewMemoryBackend()

	require.NoError(t, backend.Enqueue(ctx, newTestJob("a")))

	worker := newTestWorker(backend, clock, func(context.Context, *Job) error {
		panic("nil step")
	}, WorkerOptions{})

	processed, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	failed, err := backend.Failed(ctx, TimeDelayQueue, 1)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "nil step")
}

func TestWorker_StalledTooOftenFails(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	backend := NewMemoryBackend()

	require.NoError(t, backend.Enqueue(ctx, newTestJob("a")))

	for range 2 {
		_, err := backend.Reserve(ctx, TimeDelayQueue, clock.Now(), time.Minute)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)

		n, err := backend.RequeueStalled(ctx, TimeDelayQueue, clock.Now())
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	var called bool

	worker := newTestWorker(backend, clock, func(context.Context, *Job) error {
		called = true

		return nil
	}, WorkerOptions{MaxAttempts: 2})

	processed, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.False(t, called)

	stats, err := backend.Stats(ctx, TimeDelayQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := NewMemoryBackend()

	require.NoError(t, backend.Enqueue(ctx, newTestJob("a"), newTestJob("b")))

	var handled atomic.Int32

	worker := newTestWorker(backend, clockwork.NewRealClock(), func(context.Context, *Job) error {
		if handled.Add(1) == 2 {
			cancel()
		}

		return nil
	}, WorkerOptions{Concurrency: 2, PollInterval: time.Millisecond})

	done := make(chan error, 1)

	go func() { done <- worker.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, int32(2), handled.Load())
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(errors.New("boom")))
	assert.False(t, IsRecoverable(Permanent(errors.New("boom"))))
	assert.False(t, IsRecoverable(context.Canceled))
	assert.NoError(t, Permanent(nil))
}
