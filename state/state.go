// Package state defines the shared, TTL-bounded run state store. It is the
// only structure mutated by more than one worker, so every operation a
// worker may race on (counters, output writes, message appends) is a single
// atomic primitive against the backing store.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/theuselessai/pipelit/types"
)

var (
	// ErrStateNotFound is returned when a run's state is missing or has
	// expired. It signals an infrastructure problem, not business logic.
	ErrStateNotFound = errors.New("run state not found or expired")

	// ErrProtectedKey is returned when a state patch tries to write a key
	// the engine owns.
	ErrProtectedKey = errors.New("patch writes to protected key")
)

// Protected run-variable keys. Task bodies communicate effects through
// their structured result, never by patching these directly.
var protectedKeys = map[string]bool{
	"route":        true,
	"messages":     true,
	"node_outputs": true,
	"in_flight":    true,
	"fan_in":       true,
	"trigger":      true,
}

// IsProtectedKey reports whether k may not appear in a state patch.
func IsProtectedKey(k string) bool { return protectedKeys[k] }

// DefaultTTL bounds how long a live run's state is kept.
const DefaultTTL = 24 * time.Hour

// DefaultRetention is how long finalized run state stays readable before
// it is purged.
const DefaultRetention = 10 * time.Minute

// Waiter identifies a parent node parked on a child run.
type Waiter struct {
	RunID  types.RunID  `json:"run_id"`
	NodeID types.NodeID `json:"node_id"`
}

// Seed is the initial state written when a run is created: the run record,
// the trigger payload, and the precomputed fan-in counters of its merge
// nodes. The in-flight counter starts at 1 for the trigger job itself.
type Seed struct {
	Run     types.Run
	Trigger map[string]any
	FanIn   map[types.NodeID]int
	TTL     time.Duration
}

// Store is the shared run state store. All implementations must make each
// method atomic with respect to concurrent workers of the same run.
type Store interface {
	// CreateRun seeds state for a new run with the given TTL.
	CreateRun(ctx context.Context, seed Seed) error

	// Run returns the run record, or ErrStateNotFound.
	Run(ctx context.Context, id types.RunID) (types.Run, error)

	// CASRunStatus transitions the run status from one value to another,
	// reporting whether the swap happened.
	CASRunStatus(ctx context.Context, id types.RunID, from, to string) (bool, error)

	// FailRun marks a live (pending or running) run failed and records
	// the first failure message. It reports false when the run already
	// reached a terminal status, so the first failure wins.
	FailRun(ctx context.Context, id types.RunID, errMsg string) (bool, error)

	// FinishRun records the terminal status, final output and completion
	// time of a run.
	FinishRun(ctx context.Context, id types.RunID, status string, finalOutput any, errMsg string) error

	// TriggerPayload returns the payload the run was fired with.
	TriggerPayload(ctx context.Context, id types.RunID) (map[string]any, error)

	// NodeState returns the per-node record; a node that has never been
	// touched reports status pending.
	NodeState(ctx context.Context, id types.RunID, node types.NodeID) (types.NodeRunState, error)

	// PutNodeState overwrites the per-node record. Only the worker that
	// currently owns the node calls this.
	PutNodeState(ctx context.Context, id types.RunID, st types.NodeRunState) error

	// NodeStates returns all per-node records written so far.
	NodeStates(ctx context.Context, id types.RunID) (map[types.NodeID]types.NodeRunState, error)

	// PutOutputs stores a node's outputs for downstream resolution.
	PutOutputs(ctx context.Context, id types.RunID, node types.NodeID, out map[string]any) error

	// Outputs returns every node's stored outputs.
	Outputs(ctx context.Context, id types.RunID) (map[types.NodeID]map[string]any, error)

	// SetRoute records the last conditional-routing decision of the run.
	SetRoute(ctx context.Context, id types.RunID, route string) error

	// AppendMessage appends to the run's ordered message log.
	AppendMessage(ctx context.Context, id types.RunID, m types.Message) error

	// Messages returns the message log in append order.
	Messages(ctx context.Context, id types.RunID) ([]types.Message, error)

	// PatchVariables merges patch into the run's variables, rejecting the
	// whole patch with ErrProtectedKey if it touches an engine-owned key.
	PatchVariables(ctx context.Context, id types.RunID, patch map[string]any) error

	// Variables returns the run's variable map.
	Variables(ctx context.Context, id types.RunID) (map[string]any, error)

	// AddInFlight atomically adds delta to the run's in-flight counter and
	// returns the new value. The run finalizes exactly once, when the
	// counter transitions to zero.
	AddInFlight(ctx context.Context, id types.RunID, delta int) (int64, error)

	// DecrFanIn atomically decrements a merge node's remaining-predecessor
	// counter and returns the new value.
	DecrFanIn(ctx context.Context, id types.RunID, node types.NodeID) (int64, error)

	// AddUsage accumulates task-body usage metadata onto the run.
	AddUsage(ctx context.Context, id types.RunID, u types.Usage) error

	// Usage returns the run's accumulated usage.
	Usage(ctx context.Context, id types.RunID) (types.Usage, error)

	// SetLoopItems stores the item list of a loop node once per run.
	SetLoopItems(ctx context.Context, id types.RunID, node types.NodeID, items []any) error

	// LoopItems returns the stored items, or nil when the loop node has
	// not produced its payload yet.
	LoopItems(ctx context.Context, id types.RunID, node types.NodeID) ([]any, error)

	// AdvanceLoop atomically advances the loop cursor and returns the new
	// value (the count of items dispatched so far).
	AdvanceLoop(ctx context.Context, id types.RunID, node types.NodeID) (int64, error)

	// RegisterWaiter parks a parent node on a child run.
	RegisterWaiter(ctx context.Context, child types.RunID, w Waiter) error

	// TakeWaiter atomically removes and returns the waiter registered on a
	// child run, or nil when there is none.
	TakeWaiter(ctx context.Context, child types.RunID) (*Waiter, error)

	// Retain rebounds the run's state to the retention window after
	// finalization; the state is purged when it elapses.
	Retain(ctx context.Context, id types.RunID, ttl time.Duration) error
}
