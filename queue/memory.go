package queue

import (
	"context"
	"sync"
	"time"

	"github.com/theuselessai/pipelit/types"
)

// MemoryQueue is an in-process Queue for tests and single-process
// deployments. Dedup state lives in memory, so it is not durable.
type MemoryQueue struct {
	mu     sync.Mutex
	seen   map[types.JobKey]bool
	ch     chan types.Job
	done   chan struct{}
	timers []*time.Timer
	closed bool
}

// NewMemoryQueue creates a MemoryQueue with the given delivery buffer.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryQueue{
		seen: make(map[types.JobKey]bool),
		ch:   make(chan types.Job, buffer),
		done: make(chan struct{}),
	}
}

// Enqueue submits a job, deduplicating on its key.
func (q *MemoryQueue) Enqueue(ctx context.Context, job types.Job) (bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrQueueClosed
	}
	if q.seen[job.Key] {
		q.mu.Unlock()
		return false, nil
	}
	q.seen[job.Key] = true

	delay := time.Until(job.RunAt)
	if job.RunAt.IsZero() || delay <= 0 {
		q.mu.Unlock()
		q.deliver(job)
		return true, nil
	}
	t := time.AfterFunc(delay, func() { q.deliver(job) })
	q.timers = append(q.timers, t)
	q.mu.Unlock()
	return true, nil
}

// deliver hands the job to a consumer. The buffer is sized for the
// workload; a full channel applies backpressure to the producer.
func (q *MemoryQueue) deliver(job types.Job) {
	select {
	case q.ch <- job:
	case <-q.done:
	}
}

// Jobs returns the delivery channel. Delivery stops after Close; consumers
// should also watch their own context.
func (q *MemoryQueue) Jobs() <-chan types.Job {
	return q.ch
}

// Done is closed when the queue shuts down.
func (q *MemoryQueue) Done() <-chan struct{} {
	return q.done
}

// Close stops delivery and drops pending delayed jobs.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for _, t := range q.timers {
		t.Stop()
	}
	close(q.done)
	return nil
}
