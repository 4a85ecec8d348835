package queue

import (
	"container/heap"
	"context"
	"slices"
	"sync"
	"time"
)

type entry struct {
	job   *Job
	seq   uint64
	index int
}

type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}

	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	e.index = -1

	return e
}

// lease is held by the reservation whose Attempts matches job.Attempts.
type lease struct {
	job      *Job
	deadline time.Time
}

// holds reports whether job is the reservation behind l.
func (l *lease) holds(job *Job) bool {
	return l.job.Attempts == job.Attempts
}

type completion struct {
	job *Job
	at  time.Time
}

type memoryQueue struct {
	ready     readyHeap
	readyByID map[string]*entry
	delayed   map[string]*Job
	active    map[string]*lease
	failed    []*Job
	completed []completion
}

// MemoryBackend keeps queues in process memory.
type MemoryBackend struct {
	mu     sync.Mutex
	seq    uint64
	queues map[string]*memoryQueue
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{queues: map[string]*memoryQueue{}}
}

func (b *MemoryBackend) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{
			readyByID: map[string]*entry{},
			delayed:   map[string]*Job{},
			active:    map[string]*lease{},
		}
		b.queues[name] = q
	}

	return q
}

func (b *MemoryBackend) push(q *memoryQueue, job *Job) {
	b.seq++
	e := &entry{job: job, seq: b.seq}
	heap.Push(&q.ready, e)
	q.readyByID[job.ID] = e
}

func (b *MemoryBackend) Enqueue(_ context.Context, jobs ...*Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, job := range jobs {
		stored := *job
		q := b.queue(job.Queue)

		if stored.AvailableAt.IsZero() {
			b.push(q, &stored)
		} else {
			q.delayed[stored.ID] = &stored
		}
	}

	return nil
}

func (b *MemoryBackend) Reserve(_ context.Context, name string, now time.Time, leaseFor time.Duration) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(name)

	due := make([]*Job, 0)

	for _, job := range q.delayed {
		if !job.AvailableAt.After(now) {
			due = append(due, job)
		}
	}

	slices.SortFunc(due, func(a, b *Job) int { return a.AvailableAt.Compare(b.AvailableAt) })

	for _, job := range due {
		delete(q.delayed, job.ID)
		b.push(q, job)
	}

	if q.ready.Len() == 0 {
		return nil, nil
	}

	e := heap.Pop(&q.ready).(*entry)
	delete(q.readyByID, e.job.ID)

	e.job.Attempts++
	q.active[e.job.ID] = &lease{job: e.job, deadline: now.Add(leaseFor)}

	reserved := *e.job

	return &reserved, nil
}

func (b *MemoryBackend) Complete(_ context.Context, job *Job, now time.Time, retention Retention) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.Queue)

	if active, ok := q.active[job.ID]; ok {
		if !active.holds(job) {
			return ErrNotActive
		}

		delete(q.active, job.ID)
	}

	// A stalled copy may have been requeued while this one was running.
	if e, ok := q.readyByID[job.ID]; ok {
		heap.Remove(&q.ready, e.index)
		delete(q.readyByID, job.ID)
	}

	if retention.Count <= 0 && retention.Age <= 0 {
		return nil
	}

	done := *job
	q.completed = append(q.completed, completion{job: &done, at: now})

	if retention.Age > 0 {
		cutoff := now.Add(-retention.Age)
		q.completed = slices.DeleteFunc(q.completed, func(c completion) bool { return c.at.Before(cutoff) })
	}

	if retention.Count > 0 && len(q.completed) > retention.Count {
		q.completed = slices.Clone(q.completed[len(q.completed)-retention.Count:])
	}

	return nil
}

func (b *MemoryBackend) Retry(_ context.Context, job *Job, at time.Time, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.Queue)

	active, ok := q.active[job.ID]
	if !ok || !active.holds(job) {
		return ErrNotActive
	}

	delete(q.active, job.ID)

	retried := *active.job
	retried.AvailableAt = at
	retried.LastError = cause.Error()
	q.delayed[retried.ID] = &retried

	return nil
}

func (b *MemoryBackend) Fail(_ context.Context, job *Job, now time.Time, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(job.Queue)

	active, ok := q.active[job.ID]
	if !ok || !active.holds(job) {
		return ErrNotActive
	}

	delete(q.active, job.ID)

	failed := *active.job
	failed.LastError = cause.Error()
	failed.FailedAt = &now
	q.failed = append(q.failed, &failed)

	return nil
}

func (b *MemoryBackend) RequeueStalled(_ context.Context, name string, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(name)
	stalled := make([]*Job, 0)

	for id, active := range q.active {
		if active.deadline.Before(now) {
			stalled = append(stalled, active.job)
			delete(q.active, id)
		}
	}

	slices.SortFunc(stalled, func(a, b *Job) int { return a.EnqueuedAt.Compare(b.EnqueuedAt) })

	for _, job := range stalled {
		b.push(q, job)
	}

	return len(stalled), nil
}

func (b *MemoryBackend) Failed(_ context.Context, name string, limit int) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(name)
	jobs := make([]*Job, 0, len(q.failed))

	// Newest first.
	for i := len(q.failed) - 1; i >= 0; i-- {
		if limit > 0 && len(jobs) == limit {
			break
		}

		job := *q.failed[i]
		jobs = append(jobs, &job)
	}

	return jobs, nil
}

func (b *MemoryBackend) Stats(_ context.Context, name string) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(name)

	return Stats{
		Waiting:   q.ready.Len(),
		Delayed:   len(q.delayed),
		Active:    len(q.active),
		Failed:    len(q.failed),
		Completed: len(q.completed),
	}, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
