// Package types defines the core data model shared by the topology builder,
// the execution engine, the scheduler and the stores.
package types

import (
	"fmt"
	"time"
)

// NodeID identifies a node inside a graph definition.
type NodeID string

// RunID identifies one execution instance of a graph.
type RunID string

// JobKey is an idempotency key for a unit of work. Re-enqueueing a key the
// queue has already seen is a no-op, which makes crash recovery safe.
type JobKey string

// Edge labels. Plain data edges are traversed during execution;
// configuration edges are resolved by the node that declares them and are
// never traversed.
const (
	EdgeLabelData   = "data"
	EdgeLabelConfig = "config"
)

// Node is one processing step in a graph definition.
type Node struct {
	ID     NodeID         `json:"id"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`

	// ContinueOnError lets a node inside a loop body fail an item without
	// failing the whole run; the loop advances to its next item instead.
	ContinueOnError bool `json:"continue_on_error,omitempty"`

	// Merge marks an explicit fan-in point. Non-merge nodes have an
	// implicit fan-in count of 1 even when several edges point at them.
	Merge bool `json:"merge,omitempty"`

	// LoopID links a body node back to the loop node controlling it.
	LoopID NodeID `json:"loop_id,omitempty"`
}

// Edge connects two nodes. Condition, when non-empty, is an expression
// evaluated against the routing decision of the source node; only matching
// edges are followed.
type Edge struct {
	Source    NodeID `json:"source"`
	Target    NodeID `json:"target"`
	Label     string `json:"label,omitempty"` // "" is treated as a data edge
	Condition string `json:"condition,omitempty"`
}

// IsData reports whether the edge is traversed during execution.
func (e Edge) IsData() bool {
	return e.Label == "" || e.Label == EdgeLabelData
}

// Graph is an immutable graph definition. The engine never mutates it.
type Graph struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is one execution instance of a graph.
type Run struct {
	ID            RunID  `json:"id"`
	GraphID       string `json:"graph_id"`
	TriggerNodeID NodeID `json:"trigger_node_id"`
	Status        string `json:"status"`
	StartedAt   int64  `json:"started_at"`
	CompletedAt int64  `json:"completed_at,omitempty"`
	FinalOutput any    `json:"final_output,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Node run statuses.
const (
	NodePending = "pending"
	NodeRunning = "running"
	NodeSuccess = "success"
	NodeFailed  = "failed"
	NodeSkipped = "skipped"
	NodeWaiting = "waiting"
)

// NodeRunState is the per (run, node) record. It is mutated only by the
// worker currently executing the node.
type NodeRunState struct {
	NodeID       NodeID         `json:"node_id"`
	Status       string         `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	StartedAt    int64          `json:"started_at,omitempty"`
	CompletedAt  int64          `json:"completed_at,omitempty"`
}

// Message is one entry in a run's append-only conversation log.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	NodeID  NodeID `json:"node_id,omitempty"`
	At      int64  `json:"at"`
}

// Usage is aggregated task-body cost metadata for a run.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Add returns the element-wise sum of two usage records.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		Cost:         u.Cost + o.Cost,
	}
}

// Job kinds carried on the shared queue.
const (
	JobKindNode = "node"
	JobKindTick = "tick"
)

// Job is one unit of work on the durable queue: either a (run, node) pair
// or a scheduler tick.
type Job struct {
	Key    JobKey `json:"key"`
	Kind   string `json:"kind"`
	RunID  RunID  `json:"run_id,omitempty"`
	NodeID NodeID `json:"node_id,omitempty"`

	// Seq distinguishes loop iterations: body nodes re-executed per item
	// carry the iteration index so their job keys stay unique.
	Seq int `json:"seq,omitempty"`

	// ResumeChild marks a job that resumes a waiting node after the given
	// child run finalized.
	ResumeChild RunID `json:"resume_child,omitempty"`

	ScheduleID uint64 `json:"schedule_id,omitempty"`
	Repeat     int    `json:"repeat,omitempty"`
	Retry      int    `json:"retry,omitempty"`

	// RunAt delays delivery; zero means deliver immediately.
	RunAt time.Time `json:"run_at,omitempty"`
}

// NodeJob builds the job dispatching one node of one run. Fan-in
// guarantees each (node, iteration) pair is enqueued at most once per run,
// so the key needs no random component.
func NodeJob(runID RunID, nodeID NodeID, seq int) Job {
	return Job{
		Key:    JobKey(fmt.Sprintf("node:%s:%s:%d", runID, nodeID, seq)),
		Kind:   JobKindNode,
		RunID:  runID,
		NodeID: nodeID,
		Seq:    seq,
	}
}

// ResumeJob builds the job that wakes a waiting parent node once its
// awaited child run finalized. The child id keys it: a child finalizes
// once, so the resume is enqueued at most once.
func ResumeJob(parent RunID, node NodeID, child RunID) Job {
	return Job{
		Key:         JobKey(fmt.Sprintf("resume:%s", child)),
		Kind:        JobKindNode,
		RunID:       parent,
		NodeID:      node,
		ResumeChild: child,
	}
}

// TickJob builds a scheduler tick with a deterministic key derived from
// (schedule, repeat, retry), making re-submission after a crash a no-op.
func TickJob(scheduleID uint64, repeat, retry int, runAt time.Time) Job {
	return Job{
		Key:        JobKey(fmt.Sprintf("tick:%d:%d:%d", scheduleID, repeat, retry)),
		Kind:       JobKindTick,
		ScheduleID: scheduleID,
		Repeat:     repeat,
		Retry:      retry,
		RunAt:      runAt,
	}
}

// Scheduled job statuses.
const (
	ScheduleActive = "active"
	SchedulePaused = "paused"
	ScheduleDone   = "done"
	ScheduleDead   = "dead"
)

// ScheduledJob is a recurring-run definition. It is mutated only by the
// scheduler; deterministic tick keys guarantee two ticks of the same job
// never run concurrently.
type ScheduledJob struct {
	ID              uint64 `json:"id"`
	GraphID         string `json:"graph_id"`
	TriggerNodeID   NodeID `json:"trigger_node_id"`
	IntervalSeconds int    `json:"interval_seconds"`
	TotalRepeats    int    `json:"total_repeats"` // 0 = infinite
	MaxRetries      int    `json:"max_retries"`
	CurrentRepeat   int    `json:"current_repeat"`
	CurrentRetry    int    `json:"current_retry"`
	Status          string `json:"status"`
	NextRunAt       int64  `json:"next_run_at"`
	InFlightRun     RunID  `json:"in_flight_run,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

// Interval returns the job's base tick interval.
func (j ScheduledJob) Interval() time.Duration {
	return time.Duration(j.IntervalSeconds) * time.Second
}
