package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/theuselessai/pipelit/types"
)

// runState is everything the store keeps for one run.
type runState struct {
	run       types.Run
	trigger   map[string]any
	fanIn     map[types.NodeID]int64
	inFlight  int64
	nodes     map[types.NodeID]types.NodeRunState
	outputs   map[types.NodeID]map[string]any
	route     string
	messages  []types.Message
	variables map[string]any
	usage     types.Usage
	loopItems map[types.NodeID][]any
	loopCur   map[types.NodeID]int64
	expiresAt time.Time
}

// MemoryStore is an in-memory Store used in tests and single-process
// deployments. A single mutex makes every method atomic.
type MemoryStore struct {
	mu      sync.Mutex
	runs    map[types.RunID]*runState
	waiters map[types.RunID]Waiter
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[types.RunID]*runState),
		waiters: make(map[types.RunID]Waiter),
		now:     time.Now,
	}
}

// get returns live state for id, enforcing expiry lazily. Callers hold mu.
func (s *MemoryStore) get(id types.RunID) (*runState, error) {
	rs, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: run=%s", ErrStateNotFound, id)
	}
	if s.now().After(rs.expiresAt) {
		delete(s.runs, id)
		return nil, fmt.Errorf("%w: run=%s", ErrStateNotFound, id)
	}
	return rs, nil
}

// CreateRun seeds state for a new run.
func (s *MemoryStore) CreateRun(ctx context.Context, seed Seed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ttl := seed.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	fanIn := make(map[types.NodeID]int64, len(seed.FanIn))
	for id, n := range seed.FanIn {
		fanIn[id] = int64(n)
	}
	s.runs[seed.Run.ID] = &runState{
		run:       seed.Run,
		trigger:   seed.Trigger,
		fanIn:     fanIn,
		inFlight:  1,
		nodes:     make(map[types.NodeID]types.NodeRunState),
		outputs:   make(map[types.NodeID]map[string]any),
		variables: make(map[string]any),
		loopItems: make(map[types.NodeID][]any),
		loopCur:   make(map[types.NodeID]int64),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Run returns the run record.
func (s *MemoryStore) Run(ctx context.Context, id types.RunID) (types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return types.Run{}, err
	}
	return rs.run, nil
}

// CASRunStatus swaps the run status when it currently equals from.
func (s *MemoryStore) CASRunStatus(ctx context.Context, id types.RunID, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return false, err
	}
	if rs.run.Status != from {
		return false, nil
	}
	rs.run.Status = to
	return true, nil
}

// FailRun marks a live run failed, first failure wins.
func (s *MemoryStore) FailRun(ctx context.Context, id types.RunID, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return false, err
	}
	if rs.run.Status != types.RunPending && rs.run.Status != types.RunRunning {
		return false, nil
	}
	rs.run.Status = types.RunFailed
	rs.run.Error = errMsg
	return true, nil
}

// FinishRun records the terminal state of a run.
func (s *MemoryStore) FinishRun(ctx context.Context, id types.RunID, status string, finalOutput any, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return err
	}
	rs.run.Status = status
	rs.run.FinalOutput = finalOutput
	rs.run.Error = errMsg
	rs.run.CompletedAt = s.now().UnixMilli()
	return nil
}

// TriggerPayload returns the payload the run was fired with.
func (s *MemoryStore) TriggerPayload(ctx context.Context, id types.RunID) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return rs.trigger, nil
}

// NodeState returns the per-node record, defaulting to pending.
func (s *MemoryStore) NodeState(ctx context.Context, id types.RunID, node types.NodeID) (types.NodeRunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return types.NodeRunState{}, err
	}
	st, ok := rs.nodes[node]
	if !ok {
		return types.NodeRunState{NodeID: node, Status: types.NodePending}, nil
	}
	return st, nil
}

// PutNodeState overwrites the per-node record.
func (s *MemoryStore) PutNodeState(ctx context.Context, id types.RunID, st types.NodeRunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return err
	}
	rs.nodes[st.NodeID] = st
	return nil
}

// NodeStates returns all per-node records written so far.
func (s *MemoryStore) NodeStates(ctx context.Context, id types.RunID) (map[types.NodeID]types.NodeRunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return nil, err
	}
	out := make(map[types.NodeID]types.NodeRunState, len(rs.nodes))
	for k, v := range rs.nodes {
		out[k] = v
	}
	return out, nil
}

// PutOutputs stores a node's outputs.
func (s *MemoryStore) PutOutputs(ctx context.Context, id types.RunID, node types.NodeID, out map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return err
	}
	dst := rs.outputs[node]
	if dst == nil {
		dst = make(map[string]any, len(out))
		rs.outputs[node] = dst
	}
	for k, v := range out {
		dst[k] = v
	}
	return nil
}

// Outputs returns every node's stored outputs.
func (s *MemoryStore) Outputs(ctx context.Context, id types.RunID) (map[types.NodeID]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return nil, err
	}
	out := make(map[types.NodeID]map[string]any, len(rs.outputs))
	for nid, m := range rs.outputs {
		cp := make(map[string]any, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out[nid] = cp
	}
	return out, nil
}

// SetRoute records the last routing decision.
func (s *MemoryStore) SetRoute(ctx context.Context, id types.RunID, route string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return err
	}
	rs.route = route
	return nil
}

// AppendMessage appends to the run's message log.
func (s *MemoryStore) AppendMessage(ctx context.Context, id types.RunID, m types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return err
	}
	rs.messages = append(rs.messages, m)
	return nil
}

// Messages returns the message log in append order.
func (s *MemoryStore) Messages(ctx context.Context, id types.RunID) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return nil, err
	}
	out := make([]types.Message, len(rs.messages))
	copy(out, rs.messages)
	return out, nil
}

// PatchVariables merges patch into the run's variables.
func (s *MemoryStore) PatchVariables(ctx context.Context, id types.RunID, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return err
	}
	for k := range patch {
		if IsProtectedKey(k) {
			return fmt.Errorf("%w: %s", ErrProtectedKey, k)
		}
	}
	for k, v := range patch {
		rs.variables[k] = v
	}
	return nil
}

// Variables returns the run's variable map.
func (s *MemoryStore) Variables(ctx context.Context, id types.RunID) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(rs.variables))
	for k, v := range rs.variables {
		out[k] = v
	}
	return out, nil
}

// AddInFlight adds delta to the in-flight counter and returns the result.
func (s *MemoryStore) AddInFlight(ctx context.Context, id types.RunID, delta int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return 0, err
	}
	rs.inFlight += int64(delta)
	return rs.inFlight, nil
}

// DecrFanIn decrements a merge node's remaining-predecessor counter.
func (s *MemoryStore) DecrFanIn(ctx context.Context, id types.RunID, node types.NodeID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return 0, err
	}
	rs.fanIn[node]--
	return rs.fanIn[node], nil
}

// AddUsage accumulates usage metadata.
func (s *MemoryStore) AddUsage(ctx context.Context, id types.RunID, u types.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return err
	}
	rs.usage = rs.usage.Add(u)
	return nil
}

// Usage returns the accumulated usage.
func (s *MemoryStore) Usage(ctx context.Context, id types.RunID) (types.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return types.Usage{}, err
	}
	return rs.usage, nil
}

// SetLoopItems stores a loop node's item list once.
func (s *MemoryStore) SetLoopItems(ctx context.Context, id types.RunID, node types.NodeID, items []any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return err
	}
	if _, ok := rs.loopItems[node]; !ok {
		rs.loopItems[node] = items
	}
	return nil
}

// LoopItems returns the stored items, nil when unset.
func (s *MemoryStore) LoopItems(ctx context.Context, id types.RunID, node types.NodeID) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return rs.loopItems[node], nil
}

// AdvanceLoop advances the loop cursor and returns the new value.
func (s *MemoryStore) AdvanceLoop(ctx context.Context, id types.RunID, node types.NodeID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return 0, err
	}
	rs.loopCur[node]++
	return rs.loopCur[node], nil
}

// RegisterWaiter parks a parent node on a child run.
func (s *MemoryStore) RegisterWaiter(ctx context.Context, child types.RunID, w Waiter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters[child] = w
	return nil
}

// TakeWaiter removes and returns the waiter for a child run.
func (s *MemoryStore) TakeWaiter(ctx context.Context, child types.RunID) (*Waiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waiters[child]
	if !ok {
		return nil, nil
	}
	delete(s.waiters, child)
	return &w, nil
}

// Retain rebounds the run's state to the retention window.
func (s *MemoryStore) Retain(ctx context.Context, id types.RunID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, err := s.get(id)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultRetention
	}
	rs.expiresAt = s.now().Add(ttl)
	return nil
}
