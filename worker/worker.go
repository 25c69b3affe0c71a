// Package worker runs the consume loop: it pulls jobs off the shared
// queue and dispatches them on a bounded goroutine pool. Many worker
// processes may consume the same queue; no worker owns a run end-to-end.
package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/panjf2000/ants/v2"

	"github.com/theuselessai/pipelit/queue"
	"github.com/theuselessai/pipelit/types"
)

// NodeHandler processes (run, node) jobs. The engine satisfies it.
type NodeHandler interface {
	HandleJob(ctx context.Context, job types.Job) error
}

// TickHandler processes scheduler ticks. The scheduler satisfies it.
type TickHandler interface {
	HandleTick(ctx context.Context, tick types.Job) error
}

// Worker consumes the queue until its context is done.
type Worker struct {
	queue  queue.Queue
	nodes  NodeHandler
	ticks  TickHandler
	pool   *ants.Pool
	logger *slog.Logger
}

// New creates a Worker with a pool of size concurrent job slots.
func New(q queue.Queue, nodes NodeHandler, ticks TickHandler, size int) (*Worker, error) {
	if q == nil || nodes == nil {
		return nil, errors.New("queue and node handler are required")
	}
	if size <= 0 {
		size = 16
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	return &Worker{
		queue:  q,
		nodes:  nodes,
		ticks:  ticks,
		pool:   pool,
		logger: slog.Default().With("component", "worker"),
	}, nil
}

// Run consumes jobs until ctx is done or the queue stops delivering.
// Submission blocks when every pool slot is busy, which bounds how much
// work one process takes on.
func (w *Worker) Run(ctx context.Context) error {
	defer w.pool.Release()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-w.queue.Jobs():
			if !ok {
				return nil
			}
			j := job
			if err := w.pool.Submit(func() { w.handle(ctx, j) }); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, job types.Job) {
	var err error
	switch job.Kind {
	case types.JobKindNode:
		err = w.nodes.HandleJob(ctx, job)
	case types.JobKindTick:
		if w.ticks == nil {
			w.logger.Warn("tick job with no scheduler attached", "key", job.Key)
			return
		}
		err = w.ticks.HandleTick(ctx, job)
	default:
		w.logger.Warn("unknown job kind", "key", job.Key, "kind", job.Kind)
		return
	}
	if err != nil {
		w.logger.Error("job failed", "key", job.Key, "kind", job.Kind, "error", err)
	}
}
