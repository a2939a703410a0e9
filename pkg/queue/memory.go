package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type entry struct {
	job Job
	due time.Time
}

// MemoryQueue orders jobs by due time in process.
type MemoryQueue struct {
	mu       sync.Mutex
	waiting  map[string]*entry
	inflight map[string]Job
	wake     chan struct{}
	closed   bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		waiting:  make(map[string]*entry),
		inflight: make(map[string]Job),
		wake:     make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	q.waiting[job.ID] = &entry{job: job, due: time.Now().Add(max(delay, 0))}
	slog.Debug("queue push", slog.String("job_id", job.ID), slog.Int64("keyword_id", job.KeywordID), slog.Duration("delay", delay))
	q.signal()
	return nil
}

// next pops the earliest due job, or reports how long until one is due.
// A negative wait means the queue is empty.
func (q *MemoryQueue) next() (*Job, time.Duration) {
	now := time.Now()
	var first *entry
	for _, e := range q.waiting {
		if first == nil || e.due.Before(first.due) {
			first = e
		}
	}
	if first == nil {
		return nil, -1
	}
	if first.due.After(now) {
		return nil, first.due.Sub(now)
	}

	delete(q.waiting, first.job.ID)
	q.inflight[first.job.ID] = first.job
	return &first.job, 0
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Job{}, ErrClosed
		}
		job, wait := q.next()
		if job != nil && len(q.waiting) > 0 {
			// pass the wake-up on to the next idle consumer
			q.signal()
		}
		q.mu.Unlock()

		if job != nil {
			return *job, nil
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return Job{}, ctx.Err()
		case <-q.wake:
		case <-fire:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (q *MemoryQueue) Ack(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, job.ID)
	return nil
}

func (q *MemoryQueue) Requeue(_ context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[job.ID]; !ok {
		return fmt.Errorf("requeue job %s: not in flight", job.ID)
	}
	delete(q.inflight, job.ID)
	if q.closed {
		return ErrClosed
	}
	q.waiting[job.ID] = &entry{job: job, due: time.Now().Add(max(delay, 0))}
	q.signal()
	return nil
}

// Len counts waiting and in-flight jobs.
func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting) + len(q.inflight), nil
}

// Close wakes blocked consumers with ErrClosed.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
}
