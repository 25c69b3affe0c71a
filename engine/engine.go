// Package engine is the orchestrator: it turns a stored graph definition
// into a running distributed computation. Each job dispatches one node of
// one run; many workers may process different nodes of the same run at
// once, and the shared state store is the only structure they race on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/theuselessai/pipelit/events"
	"github.com/theuselessai/pipelit/queue"
	"github.com/theuselessai/pipelit/rules"
	"github.com/theuselessai/pipelit/runlog"
	"github.com/theuselessai/pipelit/state"
	"github.com/theuselessai/pipelit/task"
	"github.com/theuselessai/pipelit/topology"
	"github.com/theuselessai/pipelit/types"
)

var (
	// ErrGraphNotFound is returned when the graph store has no such graph.
	ErrGraphNotFound = errors.New("graph not found")
	// ErrNodeNotInTopology is returned when a job names a node outside the
	// run's compiled subgraph.
	ErrNodeNotInTopology = errors.New("node not in run topology")
)

// GraphStore supplies graph definitions. It is external to the engine and
// read-only during a run.
type GraphStore interface {
	Graph(ctx context.Context, id string) (types.Graph, error)
}

// Options tune the orchestrator. Zero values take the defaults below.
type Options struct {
	// JobTimeout bounds one task-body invocation.
	JobTimeout time.Duration

	// MaxAttempts is the per-node attempt cap.
	MaxAttempts int

	// Backoff is the fixed in-place retry schedule.
	Backoff []time.Duration

	// StateTTL bounds a live run's shared state.
	StateTTL time.Duration

	// Retention is how long finalized state stays readable.
	Retention time.Duration

	// DeliverOutput, when set, runs during finalization with the
	// completed run record.
	DeliverOutput func(ctx context.Context, run types.Run) error

	// Sleep is swapped out in tests; defaults to time.Sleep.
	Sleep func(d time.Duration)
}

func (o *Options) setDefaults() {
	if o.JobTimeout <= 0 {
		o.JobTimeout = 600 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if len(o.Backoff) == 0 {
		o.Backoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	if o.StateTTL <= 0 {
		o.StateTTL = state.DefaultTTL
	}
	if o.Retention <= 0 {
		o.Retention = state.DefaultRetention
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
}

// Engine consumes (run, node) jobs, invokes task bodies and advances runs.
type Engine struct {
	graphs    GraphStore
	state     state.Store
	queue     queue.Queue
	bus       *events.Bus
	registry  *task.Registry
	evaluator rules.Evaluator
	log       runlog.Store
	logger    *slog.Logger
	opts      Options

	topos *topoCache
}

// New creates an Engine.
func New(graphs GraphStore, st state.Store, q queue.Queue, bus *events.Bus,
	registry *task.Registry, evaluator rules.Evaluator, log runlog.Store, opts Options) (*Engine, error) {
	if graphs == nil || st == nil || q == nil || bus == nil || registry == nil {
		return nil, errors.New("graph store, state store, queue, bus and registry are required")
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}
	if log == nil {
		log = runlog.NewMemoryStore()
	}
	opts.setDefaults()
	return &Engine{
		graphs:    graphs,
		state:     st,
		queue:     q,
		bus:       bus,
		registry:  registry,
		evaluator: evaluator,
		log:       log,
		logger:    slog.Default().With("component", "engine"),
		opts:      opts,
		topos:     newTopoCache(),
	}, nil
}

// StartRun compiles the reachable subgraph from the firing trigger node,
// seeds run state and enqueues the trigger as the first job.
func (e *Engine) StartRun(ctx context.Context, graphID string, trigger types.NodeID, payload map[string]any) (types.RunID, error) {
	g, err := e.graphs.Graph(ctx, graphID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrGraphNotFound, graphID)
	}
	topo, err := topology.Build(g, trigger)
	if err != nil {
		return "", err
	}

	runID := types.RunID(uuid.NewString())
	run := types.Run{
		ID:            runID,
		GraphID:       graphID,
		TriggerNodeID: trigger,
		Status:        types.RunPending,
		StartedAt:     time.Now().UnixMilli(),
	}
	seed := state.Seed{
		Run:     run,
		Trigger: payload,
		FanIn:   topo.FanInCounts(),
		TTL:     e.opts.StateTTL,
	}
	if err := e.state.CreateRun(ctx, seed); err != nil {
		return "", fmt.Errorf("failed to seed run state: %w", err)
	}
	e.topos.put(runID, topo)

	e.publish(ctx, events.Event{Type: events.TypeRunStarted, RunID: runID, Status: types.RunPending})
	if _, err := e.queue.Enqueue(ctx, types.NodeJob(runID, trigger, 0)); err != nil {
		return "", fmt.Errorf("failed to enqueue trigger job: %w", err)
	}
	return runID, nil
}

// CancelRun aborts a run by marking its status. In-flight jobs discover
// the mark on their next state check; nothing is forcibly killed. The
// single terminal event is published by finalization once in-flight jobs
// have settled.
func (e *Engine) CancelRun(ctx context.Context, id types.RunID) error {
	_, err := e.state.FailRun(ctx, id, "run canceled")
	return err
}

// Run returns the run record from the state store.
func (e *Engine) Run(ctx context.Context, id types.RunID) (types.Run, error) {
	return e.state.Run(ctx, id)
}

// HandleJob processes one (run, node) job. Errors that fail the run are
// absorbed into run state; the returned error only signals infrastructure
// trouble the worker may want to log.
func (e *Engine) HandleJob(ctx context.Context, job types.Job) error {
	run, err := e.state.Run(ctx, job.RunID)
	if err != nil {
		// State missing or expired: infrastructure failure, not business
		// logic. There is nothing to finalize against.
		e.logger.Error("run state lost", "run_id", job.RunID, "node_id", job.NodeID, "error", err)
		e.publish(ctx, events.Event{
			Type: events.TypeRunFailed, RunID: job.RunID, Status: types.RunFailed,
			Error: runlog.Truncate(err.Error()),
		})
		return err
	}

	topo, err := e.topologyFor(ctx, run)
	if err != nil {
		return err
	}
	node, ok := topo.Node(job.NodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotInTopology, job.NodeID)
	}

	// Cooperative cancellation and late duplicates: a terminal run still
	// settles its in-flight accounting, a finalized one drops the job.
	if run.Status == types.RunFailed || run.Status == types.RunCompleted {
		if run.CompletedAt != 0 {
			return nil
		}
		e.setNodeStatus(ctx, job.RunID, job.NodeID, types.NodeSkipped, 0, "")
		return e.settle(ctx, run, topo)
	}
	if run.Status == types.RunPending {
		e.state.CASRunStatus(ctx, job.RunID, types.RunPending, types.RunRunning)
	}

	if job.ResumeChild != "" {
		return e.resumeAwait(ctx, run, topo, node, job)
	}
	if items, _ := e.state.LoopItems(ctx, job.RunID, job.NodeID); items != nil {
		// Loop node re-entry: the payload is already stored, dispatch the
		// next item without re-invoking the task body.
		return e.dispatchLoop(ctx, run, topo, node, job, items)
	}
	return e.executeNode(ctx, run, topo, node, job)
}

// executeNode runs the full node protocol for one job: resolve input,
// invoke the task body with retries, apply effects, store outputs, advance.
func (e *Engine) executeNode(ctx context.Context, run types.Run, topo *topology.Topology, node types.Node, job types.Job) error {
	started := time.Now()
	input, err := e.buildInput(ctx, run, topo, node, job)
	if err != nil {
		return e.failNode(ctx, run, topo, node, job, 0, started, err)
	}

	handler, err := e.registry.Lookup(node.Type)
	if err != nil {
		// A missing handler is a configuration error, no retry.
		return e.failNode(ctx, run, topo, node, job, 0, started, fmt.Errorf("%w: %v", task.ErrConfig, err))
	}

	e.setNodeStatus(ctx, run.ID, node.ID, types.NodeRunning, 0, "")
	result, attempts, err := e.invokeWithRetry(ctx, handler, input)
	if err != nil {
		return e.failNode(ctx, run, topo, node, job, attempts, started, err)
	}

	if result == nil {
		result = &task.Result{}
	}
	if lp := loopPayload(result); lp != nil {
		if err := e.state.SetLoopItems(ctx, run.ID, node.ID, lp.Items); err != nil {
			return e.failNode(ctx, run, topo, node, job, attempts, started, err)
		}
		items, _ := e.state.LoopItems(ctx, run.ID, node.ID)
		return e.dispatchLoop(ctx, run, topo, node, job, items)
	}

	if err := e.applyEffects(ctx, run, node, result); err != nil {
		return e.failNode(ctx, run, topo, node, job, attempts, started, err)
	}
	if await := awaitChild(result); await != nil {
		return e.parkOnChild(ctx, run, node, job, await.ChildRunID, started)
	}

	if len(result.Outputs) > 0 {
		if err := e.state.PutOutputs(ctx, run.ID, node.ID, result.Outputs); err != nil {
			return e.failNode(ctx, run, topo, node, job, attempts, started, err)
		}
	}

	now := time.Now()
	st := types.NodeRunState{
		NodeID:       node.ID,
		Status:       types.NodeSuccess,
		Output:       result.Outputs,
		AttemptCount: attempts,
		StartedAt:    started.UnixMilli(),
		CompletedAt:  now.UnixMilli(),
	}
	if err := e.state.PutNodeState(ctx, run.ID, st); err != nil {
		e.logger.Error("failed to record node state", "run_id", run.ID, "node_id", node.ID, "error", err)
	}
	e.record(ctx, run.ID, node.ID, types.NodeSuccess, attempts, now.Sub(started), fmt.Sprintf("%v", result.Outputs), "")
	e.publish(ctx, events.Event{
		Type: events.TypeNodeStatus, RunID: run.ID, NodeID: node.ID,
		Status: types.NodeSuccess, DurationMs: now.Sub(started).Milliseconds(),
	})

	route, routed := result.Route()
	var delay time.Duration
	for _, eff := range result.Effects {
		if d, ok := eff.(task.Delay); ok {
			delay = d.For
		}
	}
	return e.advance(ctx, run, topo, node, job, result.Outputs, route, routed, delay)
}

// invokeWithRetry runs the task body under the per-job timeout, retrying
// transient failures in place on the fixed backoff schedule.
func (e *Engine) invokeWithRetry(ctx context.Context, handler task.Handler, input task.Input) (*task.Result, int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		input.Attempt = attempt
		jobCtx, cancel := context.WithTimeout(ctx, e.opts.JobTimeout)
		result, err := handler.Execute(jobCtx, input)
		cancel()
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err
		if errors.Is(err, task.ErrConfig) || ctx.Err() != nil {
			return nil, attempt, err
		}
		if attempt < e.opts.MaxAttempts {
			e.opts.Sleep(e.backoff(attempt))
		}
	}
	return nil, e.opts.MaxAttempts, fmt.Errorf("task failed after %d attempts: %w", e.opts.MaxAttempts, lastErr)
}

func (e *Engine) backoff(attempt int) time.Duration {
	if attempt-1 < len(e.opts.Backoff) {
		return e.opts.Backoff[attempt-1]
	}
	return e.opts.Backoff[len(e.opts.Backoff)-1]
}

// buildInput resolves the node's configuration against run state and the
// trigger payload, injecting configuration-edge inputs first.
func (e *Engine) buildInput(ctx context.Context, run types.Run, topo *topology.Topology, node types.Node, job types.Job) (task.Input, error) {
	trigger, err := e.state.TriggerPayload(ctx, run.ID)
	if err != nil {
		return task.Input{}, err
	}
	outputs, err := e.state.Outputs(ctx, run.ID)
	if err != nil {
		return task.Input{}, err
	}
	variables, err := e.state.Variables(ctx, run.ID)
	if err != nil {
		return task.Input{}, err
	}
	messages, err := e.state.Messages(ctx, run.ID)
	if err != nil {
		return task.Input{}, err
	}

	cfg := make(map[string]any, len(node.Config))
	for k, v := range node.Config {
		cfg[k] = v
	}
	// Auxiliary configuration edges: first match by insertion order wins
	// for each port; the declaring node's own config takes precedence.
	for _, edge := range topo.ConfigSources(node.ID) {
		port := edge.Condition
		if port == "" {
			port = string(edge.Source)
		}
		if _, ok := cfg[port]; !ok {
			if src, ok := outputs[edge.Source]; ok {
				cfg[port] = src
			}
		}
	}
	cfg = resolveConfig(cfg, resolveEnv{trigger: trigger, outputs: outputs, variables: variables})

	return task.Input{
		RunID:     run.ID,
		NodeID:    node.ID,
		Config:    cfg,
		Trigger:   trigger,
		Outputs:   outputs,
		Variables: variables,
		Messages:  messages,
	}, nil
}

// applyEffects consumes the result's non-routing effects.
func (e *Engine) applyEffects(ctx context.Context, run types.Run, node types.Node, result *task.Result) error {
	for _, eff := range result.Effects {
		switch t := eff.(type) {
		case task.AppendMessage:
			m := types.Message{Role: t.Role, Content: t.Content, NodeID: node.ID, At: time.Now().UnixMilli()}
			if err := e.state.AppendMessage(ctx, run.ID, m); err != nil {
				return err
			}
		case task.StatePatch:
			if err := e.state.PatchVariables(ctx, run.ID, t.Patch); err != nil {
				return err
			}
		case task.RouteDecision:
			if err := e.state.SetRoute(ctx, run.ID, t.Route); err != nil {
				return err
			}
		}
	}
	if result.Usage != (types.Usage{}) {
		if err := e.state.AddUsage(ctx, run.ID, result.Usage); err != nil {
			return err
		}
	}
	return nil
}

// advance decrements successor fan-in counters and enqueues every eligible
// successor, then settles this node's in-flight slot.
func (e *Engine) advance(ctx context.Context, run types.Run, topo *topology.Topology, node types.Node,
	job types.Job, outputs map[string]any, route string, routed bool, delay time.Duration) error {

	env := rules.Env{Route: route, Outputs: outputs}
	if trigger, err := e.state.TriggerPayload(ctx, run.ID); err == nil {
		env.Trigger = trigger
	}

	var eligible []types.NodeID
	seen := make(map[types.NodeID]bool)
	for _, edge := range topo.Successors(node.ID) {
		if routed {
			ok, err := e.evaluator.Match(edge.Condition, env)
			if err != nil {
				e.logger.Warn("edge condition failed", "run_id", run.ID,
					"source", edge.Source, "target", edge.Target, "error", err)
				continue
			}
			if !ok {
				continue
			}
		} else if edge.Condition != "" && edge.Condition != "true" {
			// A conditional edge without a routing decision is not taken.
			continue
		}

		target, ok := topo.Node(edge.Target)
		if !ok {
			continue
		}
		if target.Merge {
			// Each taken edge counts toward the merge; the k-th
			// predecessor enqueues it, exactly once.
			remaining, err := e.state.DecrFanIn(ctx, run.ID, edge.Target)
			if err != nil {
				return err
			}
			if remaining != 0 {
				continue
			}
		}
		if seen[edge.Target] {
			continue
		}
		seen[edge.Target] = true
		eligible = append(eligible, edge.Target)
	}

	if len(eligible) > 0 {
		if _, err := e.state.AddInFlight(ctx, run.ID, len(eligible)); err != nil {
			return err
		}
		for _, target := range eligible {
			seq := job.Seq
			if node.LoopID == target {
				// Edge from a body terminal back to its loop node starts
				// the next iteration; the key must not collide with the
				// pass that dispatched this one.
				seq = job.Seq + 1
			}
			next := types.NodeJob(run.ID, target, seq)
			if delay > 0 {
				next.RunAt = time.Now().Add(delay)
			}
			accepted, err := e.queue.Enqueue(ctx, next)
			if err != nil {
				return err
			}
			if !accepted {
				// Another predecessor already enqueued this target (two
				// branches converging on a non-merge node race here). Give
				// the reserved slot back so settlement stays balanced.
				if _, err := e.state.AddInFlight(ctx, run.ID, -1); err != nil {
					return err
				}
			}
		}
	}
	return e.settle(ctx, run, topo)
}

// settle atomically decrements the run's in-flight counter and finalizes
// the run when it transitions to zero. The counter never goes negative:
// every enqueued job settles exactly once.
func (e *Engine) settle(ctx context.Context, run types.Run, topo *topology.Topology) error {
	n, err := e.state.AddInFlight(ctx, run.ID, -1)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return e.finalize(ctx, run.ID, topo)
}

// finalize runs exactly once per run, on the worker that observed the
// in-flight counter hit zero.
func (e *Engine) finalize(ctx context.Context, id types.RunID, topo *topology.Topology) error {
	run, err := e.state.Run(ctx, id)
	if err != nil {
		return err
	}
	status := types.RunCompleted
	if run.Status == types.RunFailed {
		status = types.RunFailed
	}

	// Nodes the routing never reached end skipped.
	states, err := e.state.NodeStates(ctx, id)
	if err != nil {
		return err
	}
	for _, nodeID := range topo.Order {
		if _, ok := states[nodeID]; !ok {
			e.setNodeStatus(ctx, id, nodeID, types.NodeSkipped, 0, "")
		}
	}

	final := e.finalOutput(ctx, id, topo, states)
	if err := e.state.FinishRun(ctx, id, status, final, run.Error); err != nil {
		return err
	}

	eventType := events.TypeRunCompleted
	if status == types.RunFailed {
		eventType = events.TypeRunFailed
	}
	e.publish(ctx, events.Event{Type: eventType, RunID: id, Status: status,
		Error: run.Error, Data: map[string]any{"final_output": final}})

	if e.opts.DeliverOutput != nil && status == types.RunCompleted {
		run.Status = status
		run.FinalOutput = final
		if err := e.opts.DeliverOutput(ctx, run); err != nil {
			e.logger.Warn("output delivery failed", "run_id", id, "error", err)
		}
	}

	if err := e.state.Retain(ctx, id, e.opts.Retention); err != nil {
		e.logger.Warn("failed to bound run retention", "run_id", id, "error", err)
	}
	e.topos.drop(id)

	// Wake a parent run parked on this one.
	if w, err := e.state.TakeWaiter(ctx, id); err == nil && w != nil {
		if _, err := e.queue.Enqueue(ctx, types.ResumeJob(w.RunID, w.NodeID, id)); err != nil {
			e.logger.Error("failed to resume parent run", "run_id", w.RunID, "child", id, "error", err)
		}
	}
	return nil
}

// finalOutput extracts the run's final output: the last message when the
// run kept a conversation log, otherwise the outputs of its leaf nodes.
func (e *Engine) finalOutput(ctx context.Context, id types.RunID, topo *topology.Topology, states map[types.NodeID]types.NodeRunState) any {
	if msgs, err := e.state.Messages(ctx, id); err == nil && len(msgs) > 0 {
		return msgs[len(msgs)-1].Content
	}
	leaves := make(map[string]any)
	for _, nodeID := range topo.Order {
		if len(topo.Successors(nodeID)) > 0 {
			continue
		}
		if st, ok := states[nodeID]; ok && st.Status == types.NodeSuccess && len(st.Output) > 0 {
			leaves[string(nodeID)] = st.Output
		}
	}
	if len(leaves) == 0 {
		return nil
	}
	return leaves
}

// failNode records a node failure and propagates it to the run, unless the
// node sits inside a continue-on-error loop body, in which case the loop
// advances to its next item instead.
func (e *Engine) failNode(ctx context.Context, run types.Run, topo *topology.Topology, node types.Node,
	job types.Job, attempts int, started time.Time, cause error) error {

	msg := runlog.Truncate(cause.Error())
	now := time.Now()
	st := types.NodeRunState{
		NodeID:       node.ID,
		Status:       types.NodeFailed,
		Error:        msg,
		AttemptCount: attempts,
		StartedAt:    started.UnixMilli(),
		CompletedAt:  now.UnixMilli(),
	}
	if err := e.state.PutNodeState(ctx, run.ID, st); err != nil {
		e.logger.Error("failed to record node failure", "run_id", run.ID, "node_id", node.ID, "error", err)
	}
	e.record(ctx, run.ID, node.ID, types.NodeFailed, attempts, now.Sub(started), "", msg)
	e.publish(ctx, events.Event{
		Type: events.TypeNodeStatus, RunID: run.ID, NodeID: node.ID,
		Status: types.NodeFailed, Error: msg, DurationMs: now.Sub(started).Milliseconds(),
	})

	if node.ContinueOnError && node.LoopID != "" && topo.Contains(node.LoopID) {
		// Item-level failure inside a tolerant loop body: re-enter the
		// loop node for the next item instead of failing the run.
		if _, err := e.state.AddInFlight(ctx, run.ID, 1); err != nil {
			return err
		}
		accepted, err := e.queue.Enqueue(ctx, types.NodeJob(run.ID, node.LoopID, job.Seq+1))
		if err != nil {
			return err
		}
		if !accepted {
			if _, err := e.state.AddInFlight(ctx, run.ID, -1); err != nil {
				return err
			}
		}
		return e.settle(ctx, run, topo)
	}

	if _, err := e.state.FailRun(ctx, run.ID, fmt.Sprintf("node %s: %s", node.ID, msg)); err != nil {
		e.logger.Error("failed to mark run failed", "run_id", run.ID, "error", err)
	}
	return e.settle(ctx, run, topo)
}

// dispatchLoop hands the loop node its next item, or routes it to done
// when the items are exhausted.
func (e *Engine) dispatchLoop(ctx context.Context, run types.Run, topo *topology.Topology, node types.Node,
	job types.Job, items []any) error {

	cursor, err := e.state.AdvanceLoop(ctx, run.ID, node.ID)
	if err != nil {
		return e.failNode(ctx, run, topo, node, job, 0, time.Now(), err)
	}
	index := int(cursor - 1)

	var outputs map[string]any
	var route string
	if index < len(items) {
		outputs = map[string]any{"item": items[index], "index": index}
		route = "body"
	} else {
		outputs = map[string]any{"count": len(items)}
		route = "done"
	}
	if err := e.state.PutOutputs(ctx, run.ID, node.ID, outputs); err != nil {
		return e.failNode(ctx, run, topo, node, job, 0, time.Now(), err)
	}
	if err := e.state.SetRoute(ctx, run.ID, route); err != nil {
		return e.failNode(ctx, run, topo, node, job, 0, time.Now(), err)
	}
	e.setNodeStatus(ctx, run.ID, node.ID, types.NodeSuccess, 0, "")

	// Body jobs carry the iteration index so each pass gets fresh keys.
	seq := job.Seq
	if route == "body" {
		seq = index
	}
	loopJob := job
	loopJob.Seq = seq
	return e.advance(ctx, run, topo, node, loopJob, outputs, route, true, 0)
}

// parkOnChild leaves the node waiting on a child run. The in-flight slot
// stays held: the node is not complete until the resume job settles it.
func (e *Engine) parkOnChild(ctx context.Context, run types.Run, node types.Node, job types.Job,
	child types.RunID, started time.Time) error {

	st := types.NodeRunState{
		NodeID:    node.ID,
		Status:    types.NodeWaiting,
		StartedAt: started.UnixMilli(),
	}
	if err := e.state.PutNodeState(ctx, run.ID, st); err != nil {
		return err
	}
	if err := e.state.RegisterWaiter(ctx, child, state.Waiter{RunID: run.ID, NodeID: node.ID}); err != nil {
		return err
	}
	e.publish(ctx, events.Event{
		Type: events.TypeNodeStatus, RunID: run.ID, NodeID: node.ID, Status: types.NodeWaiting,
	})
	return nil
}

// resumeAwait completes a node that was parked on a child run, adopting
// the child's final output as the node's output.
func (e *Engine) resumeAwait(ctx context.Context, run types.Run, topo *topology.Topology, node types.Node, job types.Job) error {
	child, err := e.state.Run(ctx, job.ResumeChild)
	if err != nil {
		return e.failNode(ctx, run, topo, node, job, 0, time.Now(), err)
	}
	if child.Status == types.RunFailed {
		return e.failNode(ctx, run, topo, node, job, 0, time.Now(),
			fmt.Errorf("child run %s failed: %s", child.ID, child.Error))
	}

	outputs := map[string]any{"output": child.FinalOutput}
	if err := e.state.PutOutputs(ctx, run.ID, node.ID, outputs); err != nil {
		return e.failNode(ctx, run, topo, node, job, 0, time.Now(), err)
	}
	e.setNodeStatus(ctx, run.ID, node.ID, types.NodeSuccess, 0, "")
	e.publish(ctx, events.Event{
		Type: events.TypeNodeStatus, RunID: run.ID, NodeID: node.ID, Status: types.NodeSuccess,
	})
	return e.advance(ctx, run, topo, node, job, outputs, "", false, 0)
}

// topologyFor compiles (or fetches from the per-process cache) the run's
// execution subgraph.
func (e *Engine) topologyFor(ctx context.Context, run types.Run) (*topology.Topology, error) {
	if topo := e.topos.get(run.ID); topo != nil {
		return topo, nil
	}
	g, err := e.graphs.Graph(ctx, run.GraphID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, run.GraphID)
	}
	topo, err := topology.Build(g, run.TriggerNodeID)
	if err != nil {
		return nil, err
	}
	e.topos.put(run.ID, topo)
	return topo, nil
}

func (e *Engine) setNodeStatus(ctx context.Context, id types.RunID, node types.NodeID, status string, attempts int, errMsg string) {
	st, err := e.state.NodeState(ctx, id, node)
	if err != nil {
		return
	}
	st.NodeID = node
	st.Status = status
	if attempts > 0 {
		st.AttemptCount = attempts
	}
	if errMsg != "" {
		st.Error = errMsg
	}
	if status == types.NodeSuccess || status == types.NodeFailed || status == types.NodeSkipped {
		st.CompletedAt = time.Now().UnixMilli()
	}
	if err := e.state.PutNodeState(ctx, id, st); err != nil {
		e.logger.Error("failed to set node status", "run_id", id, "node_id", node, "error", err)
	}
}

func (e *Engine) record(ctx context.Context, id types.RunID, node types.NodeID, status string,
	attempts int, d time.Duration, output, errMsg string) {
	rec := runlog.Record{
		RunID:        id,
		NodeID:       node,
		Status:       status,
		AttemptCount: attempts,
		DurationMs:   d.Milliseconds(),
		Output:       output,
		Error:        errMsg,
		At:           time.Now().UnixMilli(),
	}
	if err := e.log.Append(ctx, rec); err != nil {
		e.logger.Warn("failed to append run log record", "run_id", id, "node_id", node, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if err := e.bus.Publish(ctx, event); err != nil && !errors.Is(err, events.ErrBusClosed) {
		e.logger.Warn("failed to publish event", "type", event.Type, "run_id", event.RunID, "error", err)
	}
}

func loopPayload(r *task.Result) *task.LoopPayload {
	for _, eff := range r.Effects {
		if lp, ok := eff.(task.LoopPayload); ok {
			return &lp
		}
	}
	return nil
}

func awaitChild(r *task.Result) *task.AwaitChild {
	for _, eff := range r.Effects {
		if a, ok := eff.(task.AwaitChild); ok {
			return &a
		}
	}
	return nil
}
