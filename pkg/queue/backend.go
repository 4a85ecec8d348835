package queue

import (
	"context"
	"errors"
	"time"
)

// Backend stores jobs for every queue.
//
// Jobs with a zero AvailableAt are ready at once; others stay delayed until
// Reserve is called at or after AvailableAt. Reserve leases the ready job
// with the lowest priority (oldest first on ties) until the lease deadline;
// RequeueStalled returns expired leases to the ready set.
type Backend interface {
	Enqueue(ctx context.Context, jobs ...*Job) error
	// Reserve returns nil when nothing is ready. The returned job has its
	// Attempts counter already incremented.
	Reserve(ctx context.Context, queue string, now time.Time, lease time.Duration) (*Job, error)
	Complete(ctx context.Context, job *Job, now time.Time, retention Retention) error
	Retry(ctx context.Context, job *Job, at time.Time, cause error) error
	Fail(ctx context.Context, job *Job, now time.Time, cause error) error
	RequeueStalled(ctx context.Context, queue string, now time.Time) (int, error)
	Failed(ctx context.Context, queue string, limit int) ([]*Job, error)
	Stats(ctx context.Context, queue string) (Stats, error)
	Close() error
}

// ErrNotActive is returned when settling a job whose lease has expired.
var ErrNotActive = errors.New("job is not active")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

func (e *permanentError) IsRecoverable() bool {
	return false
}

// Permanent marks err as not worth retrying; the job fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsRecoverable reports whether a job failing with err should be retried.
func IsRecoverable(err error) bool {
	var recoverable interface{ IsRecoverable() bool }
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}

	return !errors.Is(err, context.Canceled)
}
