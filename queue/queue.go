// Package queue provides the durable, at-least-once work-dispatch channel
// shared by the execution engine and the scheduler. Every job carries an
// idempotency key; enqueueing a key the queue has already accepted is a
// no-op, which lets crash recovery re-submit work unconditionally.
package queue

import (
	"context"
	"errors"

	"github.com/theuselessai/pipelit/types"
)

// ErrQueueClosed is returned when enqueueing on a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// Queue is the shared job queue. Jobs with a future RunAt are held back
// until due.
type Queue interface {
	// Enqueue submits a job. It reports false when the job's key was
	// already accepted and the submission was dropped as a duplicate.
	Enqueue(ctx context.Context, job types.Job) (bool, error)

	// Jobs is the delivery channel workers consume from. Delivery stops
	// after Close; consumers should also watch their own context.
	Jobs() <-chan types.Job

	// Close stops delivery. A durable implementation keeps undelivered
	// jobs for the next process.
	Close() error
}
