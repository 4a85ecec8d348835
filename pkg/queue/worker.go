package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Handler processes one job. Returning an error retries the job unless the
// error is marked with Permanent or attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// WorkerOptions tune a Worker. Zero values select the defaults.
type WorkerOptions struct {
	Concurrency      int
	MaxAttempts      int
	LeaseDuration    time.Duration
	StalledInterval  time.Duration
	PollInterval     time.Duration
	RetryInitial     time.Duration
	RetryMax         time.Duration
	RemoveOnComplete Retention
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}

	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}

	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 10 * time.Minute
	}

	if o.StalledInterval <= 0 {
		o.StalledInterval = 30 * time.Second
	}

	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}

	if o.RetryInitial <= 0 {
		o.RetryInitial = time.Second
	}

	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Minute
	}

	return o
}

// Worker drains one queue.
type Worker struct {
	queue   string
	backend Backend
	handler Handler
	clock   clockwork.Clock
	logger  *slog.Logger
	opts    WorkerOptions
}

// NewWorker creates a worker for queue.
func NewWorker(
	queue string,
	backend Backend,
	handler Handler,
	clock clockwork.Clock,
	logger *slog.Logger,
	opts WorkerOptions,
) *Worker {
	return &Worker{
		queue:   queue,
		backend: backend,
		handler: handler,
		clock:   clock,
		logger:  logger.With("module", "queue_worker", "queue", queue),
		opts:    opts.withDefaults(),
	}
}

// Queue returns the name of the queue the worker drains.
func (w *Worker) Queue() string {
	return w.queue
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "starting worker", "concurrency", w.opts.Concurrency)

	group, ctx := errgroup.WithContext(ctx)

	for range w.opts.Concurrency {
		group.Go(func() error {
			w.loop(ctx)

			return nil
		})
	}

	group.Go(func() error {
		w.watchStalled(ctx)

		return nil
	})

	err := group.Wait()

	w.logger.InfoContext(context.WithoutCancel(ctx), "worker stopped")

	return err
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "failed to process job", "error", err)
		}

		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.opts.PollInterval):
		}
	}
}

func (w *Worker) watchStalled(ctx context.Context) {
	ticker := w.clock.NewTicker(w.opts.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n, err := w.backend.RequeueStalled(ctx, w.queue, w.clock.Now())
			if err != nil {
				w.logger.ErrorContext(ctx, "failed to requeue stalled jobs", "error", err)

				continue
			}

			if n > 0 {
				w.logger.WarnContext(ctx, "requeued stalled jobs", "count", n)
			}
		}
	}
}

// ProcessNext reserves and handles one job. It reports whether a job was found;
// the error covers bookkeeping failures, not handler failures.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.backend.Reserve(ctx, w.queue, w.clock.Now(), w.opts.LeaseDuration)
	if err != nil {
		return false, fmt.Errorf("failed to reserve job: %w", err)
	}

	if job == nil {
		return false, nil
	}

	logger := w.logger.With(
		"job_id", job.ID,
		"journey_id", job.Data.JourneyID,
		"customer_id", job.Data.CustomerID,
		"step_id", job.Data.StepID,
		"attempt", job.Attempts,
	)

	if job.Attempts > w.opts.MaxAttempts {
		logger.ErrorContext(ctx, "job exceeded max attempts after stalling")

		return true, w.backend.Fail(ctx, job, w.clock.Now(), errors.New("job stalled more than allowed"))
	}

	handleErr := w.handle(ctx, job)
	if handleErr == nil {
		return true, w.settle(ctx, logger, w.backend.Complete(ctx, job, w.clock.Now(), w.opts.RemoveOnComplete))
	}

	if !IsRecoverable(handleErr) || job.Attempts >= w.opts.MaxAttempts {
		logger.ErrorContext(ctx, "job failed", "error", handleErr)

		return true, w.settle(ctx, logger, w.backend.Fail(ctx, job, w.clock.Now(), handleErr))
	}

	delay := w.retryDelay(job.Attempts)
	logger.WarnContext(ctx, "job will be retried", "error", handleErr, "delay", delay)

	return true, w.settle(ctx, logger, w.backend.Retry(ctx, job, w.clock.Now().Add(delay), handleErr))
}

// handle runs the handler, turning panics into permanent failures.
func (w *Worker) handle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panicked: %v", r))
		}
	}()

	return w.handler(ctx, job)
}

func (w *Worker) settle(ctx context.Context, logger *slog.Logger, err error) error {
	if errors.Is(err, ErrNotActive) {
		logger.WarnContext(ctx, "job lease expired before it was settled")

		return nil
	}

	return err
}

// retryDelay is the exponential backoff before the given attempt number is retried.
func (w *Worker) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.RetryInitial
	b.MaxInterval = w.opts.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for range attempt - 1 {
		delay = b.NextBackOff()
	}

	return delay
}
