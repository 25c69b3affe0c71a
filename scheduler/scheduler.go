// Package scheduler drives recurring runs with the self-rescheduling
// pattern: each tick is a queue job that, on completion, enqueues its own
// successor. Deterministic tick keys derived from (job, repeat, retry)
// make re-submission after a crash a harmless no-op.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/theuselessai/pipelit/events"
	"github.com/theuselessai/pipelit/queue"
	"github.com/theuselessai/pipelit/state"
	"github.com/theuselessai/pipelit/types"
)

var (
	// ErrNotPaused is returned when resuming a job that is not paused.
	ErrNotPaused = errors.New("job is not paused")
	// ErrNotActive is returned when pausing a job that is not active.
	ErrNotActive = errors.New("job is not active")
	// ErrInvalidSpec is returned when a job definition is malformed.
	ErrInvalidSpec = errors.New("invalid job definition")
)

// maxBackoffFactor caps the exponential dispatch backoff at ten times the
// base interval.
const maxBackoffFactor = 10

// DispatchFunc fires the target trigger of a scheduled job and returns
// the started run.
type DispatchFunc func(ctx context.Context, job types.ScheduledJob) (types.RunID, error)

// RunChecker reports on previously dispatched runs, for overlap
// protection. The engine's state store satisfies it.
type RunChecker interface {
	Run(ctx context.Context, id types.RunID) (types.Run, error)
}

// Scheduler owns scheduled job definitions and their tick protocol.
type Scheduler struct {
	store    JobStore
	queue    queue.Queue
	generate generator.Generator
	dispatch DispatchFunc
	runs     RunChecker
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Scheduler.
func New(store JobStore, q queue.Queue, generate generator.Generator,
	dispatch DispatchFunc, runs RunChecker, bus *events.Bus) (*Scheduler, error) {
	if store == nil || q == nil || generate == nil || dispatch == nil {
		return nil, errors.New("store, queue, generator and dispatch are required")
	}
	return &Scheduler{
		store:    store,
		queue:    q,
		generate: generate,
		dispatch: dispatch,
		runs:     runs,
		bus:      bus,
		logger:   slog.Default().With("component", "scheduler"),
		now:      time.Now,
	}, nil
}

// Spec is the user-facing definition of a recurring run.
type Spec struct {
	GraphID         string
	TriggerNodeID   types.NodeID
	IntervalSeconds int
	TotalRepeats    int // 0 = infinite
	MaxRetries      int
}

// Create registers a new scheduled job and enqueues its first tick.
func (s *Scheduler) Create(ctx context.Context, spec Spec) (types.ScheduledJob, error) {
	if spec.GraphID == "" || spec.TriggerNodeID == "" {
		return types.ScheduledJob{}, fmt.Errorf("%w: graph and trigger node are required", ErrInvalidSpec)
	}
	if spec.IntervalSeconds <= 0 {
		return types.ScheduledJob{}, fmt.Errorf("%w: interval must be positive", ErrInvalidSpec)
	}
	if spec.TotalRepeats < 0 || spec.MaxRetries < 0 {
		return types.ScheduledJob{}, fmt.Errorf("%w: repeats and retries must not be negative", ErrInvalidSpec)
	}

	id, err := s.generate.NextID()
	if err != nil {
		return types.ScheduledJob{}, fmt.Errorf("failed to generate job id: %w", err)
	}
	now := s.now()
	job := types.ScheduledJob{
		ID:              id,
		GraphID:         spec.GraphID,
		TriggerNodeID:   spec.TriggerNodeID,
		IntervalSeconds: spec.IntervalSeconds,
		TotalRepeats:    spec.TotalRepeats,
		MaxRetries:      spec.MaxRetries,
		Status:          types.ScheduleActive,
		NextRunAt:       now.Add(specInterval(spec)).UnixMilli(),
		CreatedAt:       now.UnixMilli(),
		UpdatedAt:       now.UnixMilli(),
	}
	if err := s.store.Save(ctx, job); err != nil {
		return types.ScheduledJob{}, err
	}
	if err := s.enqueueTick(ctx, job); err != nil {
		return types.ScheduledJob{}, err
	}
	return job, nil
}

func specInterval(spec Spec) time.Duration {
	return time.Duration(spec.IntervalSeconds) * time.Second
}

// Get returns a scheduled job by id.
func (s *Scheduler) Get(ctx context.Context, id uint64) (types.ScheduledJob, error) {
	return s.store.Get(ctx, id)
}

// List returns jobs, filtered by status when status is non-empty.
func (s *Scheduler) List(ctx context.Context, status string) ([]types.ScheduledJob, error) {
	return s.store.List(ctx, status)
}

// Pause stops an active job. A tick already queued no-ops when it fires.
func (s *Scheduler) Pause(ctx context.Context, id uint64) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != types.ScheduleActive {
		return fmt.Errorf("%w: id=%d status=%s", ErrNotActive, id, job.Status)
	}
	job.Status = types.SchedulePaused
	job.UpdatedAt = s.now().UnixMilli()
	if err := s.store.Save(ctx, job); err != nil {
		return err
	}
	s.publishState(ctx, job)
	return nil
}

// Resume reactivates a paused job and enqueues a fresh tick. The retry
// counter is bumped so the new tick's key cannot collide with the tick
// that no-opped while paused.
func (s *Scheduler) Resume(ctx context.Context, id uint64) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != types.SchedulePaused {
		return fmt.Errorf("%w: id=%d status=%s", ErrNotPaused, id, job.Status)
	}
	job.Status = types.ScheduleActive
	job.CurrentRetry++
	job.NextRunAt = s.now().Add(job.Interval()).UnixMilli()
	job.UpdatedAt = s.now().UnixMilli()
	if err := s.store.Save(ctx, job); err != nil {
		return err
	}
	s.publishState(ctx, job)
	return s.enqueueTick(ctx, job)
}

// Delete removes a job definition. Queued ticks no-op once it is gone.
func (s *Scheduler) Delete(ctx context.Context, id uint64) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	return s.store.Delete(ctx, id)
}

// HandleTick executes one tick job from the queue.
func (s *Scheduler) HandleTick(ctx context.Context, tick types.Job) error {
	job, err := s.store.Get(ctx, tick.ScheduleID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil // deleted since the tick was queued
		}
		return err
	}
	if job.Status != types.ScheduleActive {
		return nil
	}

	// Overlap protection: when the previous dispatch is still running,
	// skip this tick and try again after the normal interval. The retry
	// counter keys the replacement tick without touching the backoff
	// state machine, because no dispatch was attempted.
	if s.overlapping(ctx, job) {
		job.CurrentRetry++
		job.NextRunAt = s.now().Add(job.Interval()).UnixMilli()
		job.UpdatedAt = s.now().UnixMilli()
		if err := s.store.Save(ctx, job); err != nil {
			return err
		}
		return s.enqueueTick(ctx, job)
	}

	runID, err := s.dispatch(ctx, job)
	if err != nil {
		return s.tickFailed(ctx, job, err)
	}
	return s.tickSucceeded(ctx, job, runID)
}

func (s *Scheduler) overlapping(ctx context.Context, job types.ScheduledJob) bool {
	if job.InFlightRun == "" || s.runs == nil {
		return false
	}
	run, err := s.runs.Run(ctx, job.InFlightRun)
	if err != nil {
		// Expired or purged state means the run is long done.
		if errors.Is(err, state.ErrStateNotFound) {
			return false
		}
		s.logger.Warn("overlap check failed", "job_id", job.ID, "run_id", job.InFlightRun, "error", err)
		return false
	}
	return run.Status == types.RunPending || run.Status == types.RunRunning
}

// tickSucceeded resets the retry counter, advances the repeat counter and
// enqueues the next tick, or finishes the job at its repeat limit.
func (s *Scheduler) tickSucceeded(ctx context.Context, job types.ScheduledJob, runID types.RunID) error {
	job.InFlightRun = runID
	job.CurrentRetry = 0
	job.CurrentRepeat++
	job.UpdatedAt = s.now().UnixMilli()

	if job.TotalRepeats > 0 && job.CurrentRepeat >= job.TotalRepeats {
		job.Status = types.ScheduleDone
		if err := s.store.Save(ctx, job); err != nil {
			return err
		}
		s.publishState(ctx, job)
		return nil
	}

	job.NextRunAt = s.now().Add(job.Interval()).UnixMilli()
	if err := s.store.Save(ctx, job); err != nil {
		return err
	}
	return s.enqueueTick(ctx, job)
}

// tickFailed applies exponential backoff capped at ten times the interval
// and marks the job dead past its retry limit.
func (s *Scheduler) tickFailed(ctx context.Context, job types.ScheduledJob, cause error) error {
	job.CurrentRetry++
	job.UpdatedAt = s.now().UnixMilli()
	s.logger.Warn("tick dispatch failed", "job_id", job.ID, "retry", job.CurrentRetry, "error", cause)

	if job.MaxRetries > 0 && job.CurrentRetry > job.MaxRetries {
		job.Status = types.ScheduleDead
		if err := s.store.Save(ctx, job); err != nil {
			return err
		}
		s.publishState(ctx, job)
		return nil
	}

	job.NextRunAt = s.now().Add(s.backoff(job)).UnixMilli()
	if err := s.store.Save(ctx, job); err != nil {
		return err
	}
	return s.enqueueTick(ctx, job)
}

// backoff returns min(interval * 2^(retry-1), interval * 10).
func (s *Scheduler) backoff(job types.ScheduledJob) time.Duration {
	factor := 1
	for i := 1; i < job.CurrentRetry && factor < maxBackoffFactor; i++ {
		factor *= 2
	}
	if factor > maxBackoffFactor {
		factor = maxBackoffFactor
	}
	return time.Duration(factor) * job.Interval()
}

// enqueueTick submits the job's next tick under its deterministic key.
func (s *Scheduler) enqueueTick(ctx context.Context, job types.ScheduledJob) error {
	tick := types.TickJob(job.ID, job.CurrentRepeat, job.CurrentRetry, time.UnixMilli(job.NextRunAt))
	if _, err := s.queue.Enqueue(ctx, tick); err != nil {
		return fmt.Errorf("failed to enqueue tick for job %d: %w", job.ID, err)
	}
	return nil
}

// RecoverDue re-enqueues a tick for every active job whose next run time
// has passed. Deterministic keys make the sweep safe to run
// unconditionally after a crash.
func (s *Scheduler) RecoverDue(ctx context.Context) error {
	jobs, err := s.store.List(ctx, types.ScheduleActive)
	if err != nil {
		return err
	}
	now := s.now().UnixMilli()
	for _, job := range jobs {
		if job.NextRunAt > now {
			continue
		}
		if err := s.enqueueTick(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) publishState(ctx context.Context, job types.ScheduledJob) {
	if s.bus == nil {
		return
	}
	err := s.bus.Publish(ctx, events.Event{
		Type:       events.TypeScheduleState,
		ScheduleID: job.ID,
		Status:     job.Status,
	})
	if err != nil && !errors.Is(err, events.ErrBusClosed) {
		s.logger.Warn("failed to publish schedule event", "job_id", job.ID, "error", err)
	}
}
