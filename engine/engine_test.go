package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theuselessai/pipelit/events"
	"github.com/theuselessai/pipelit/queue"
	"github.com/theuselessai/pipelit/rules"
	"github.com/theuselessai/pipelit/runlog"
	"github.com/theuselessai/pipelit/state"
	"github.com/theuselessai/pipelit/task"
	"github.com/theuselessai/pipelit/types"
)

// mapGraphs is an in-memory GraphStore.
type mapGraphs map[string]types.Graph

func (m mapGraphs) Graph(ctx context.Context, id string) (types.Graph, error) {
	g, ok := m[id]
	if !ok {
		return types.Graph{}, errors.New("no such graph")
	}
	return g, nil
}

// fixture wires an engine against in-memory stores and drains the queue
// synchronously, standing in for a worker pool.
type fixture struct {
	t   *testing.T
	eng *Engine
	st  *state.MemoryStore
	q   *queue.MemoryQueue
	bus *events.Bus
	log *runlog.MemoryStore
	reg *task.Registry

	mu     sync.Mutex
	sleeps []time.Duration
	got    []events.Event
}

func newFixture(t *testing.T, graphs mapGraphs) *fixture {
	t.Helper()
	f := &fixture{
		t:   t,
		st:  state.NewMemoryStore(),
		q:   queue.NewMemoryQueue(256),
		bus: events.NewBus(),
		log: runlog.NewMemoryStore(),
		reg: task.NewRegistry(),
	}
	t.Cleanup(func() { f.q.Close() })

	for _, typ := range []string{events.TypeRunStarted, events.TypeNodeStatus,
		events.TypeRunCompleted, events.TypeRunFailed} {
		f.bus.SubscribeFunc(typ, func(ctx context.Context, e events.Event) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.got = append(f.got, e)
			return nil
		})
	}

	eng, err := New(graphs, f.st, f.q, f.bus, f.reg, rules.NewExprEvaluator(), f.log, Options{
		Sleep: func(d time.Duration) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.sleeps = append(f.sleeps, d)
		},
	})
	require.NoError(t, err)
	f.eng = eng

	f.reg.RegisterFunc("trigger", func(ctx context.Context, in task.Input) (*task.Result, error) {
		return &task.Result{Outputs: in.Trigger}, nil
	})
	f.reg.RegisterFunc("echo", func(ctx context.Context, in task.Input) (*task.Result, error) {
		return &task.Result{Outputs: in.Config}, nil
	})
	return f
}

// drain processes queued jobs until the queue stays quiet.
func (f *fixture) drain() {
	f.t.Helper()
	for {
		select {
		case job := <-f.q.Jobs():
			_ = f.eng.HandleJob(context.Background(), job)
		case <-time.After(150 * time.Millisecond):
			return
		}
	}
}

// events drains the bus and returns everything captured so far.
func (f *fixture) events() []events.Event {
	f.bus.Stop()
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Event(nil), f.got...)
}

func (f *fixture) countEvents(typ string) int {
	n := 0
	for _, e := range f.events() {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (f *fixture) nodeStatus(id types.RunID, node types.NodeID) string {
	st, err := f.st.NodeState(context.Background(), id, node)
	require.NoError(f.t, err)
	return st.Status
}

func diamond() mapGraphs {
	return mapGraphs{
		"diamond": {
			ID: "diamond",
			Nodes: []types.Node{
				{ID: "a", Type: "trigger"},
				{ID: "b", Type: "echo", Config: map[string]any{"from": "b"}},
				{ID: "c", Type: "echo", Config: map[string]any{"from": "c"}},
				{ID: "d", Type: "echo", Merge: true, Config: map[string]any{
					"b": "{{node.b.from}}", "c": "{{node.c.from}}",
				}},
			},
			Edges: []types.Edge{
				{Source: "a", Target: "b"},
				{Source: "a", Target: "c"},
				{Source: "b", Target: "d"},
				{Source: "c", Target: "d"},
			},
		},
	}
}

func TestDiamondRunCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, diamond())

	runID, err := f.eng.StartRun(ctx, "diamond", "a", map[string]any{"subject": "hi"})
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.NotZero(t, run.CompletedAt)

	for _, n := range []types.NodeID{"a", "b", "c", "d"} {
		assert.Equal(t, types.NodeSuccess, f.nodeStatus(runID, n), string(n))
	}

	// The merge node saw both branch outputs.
	out, err := f.st.Outputs(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"b": "b", "c": "c"}, out["d"])

	// Leaf outputs become the final output.
	final, ok := run.FinalOutput.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, final, "d")

	// In-flight accounting drained to exactly zero.
	n, err := f.st.AddInFlight(ctx, runID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Finalization ran exactly once.
	assert.Equal(t, 1, f.countEvents(events.TypeRunCompleted))
}

func TestNonMergeConvergenceFinalizesRun(t *testing.T) {
	ctx := context.Background()
	g := diamond()["diamond"]
	// The join waits for only its first arrival; the second branch's
	// submission is dropped as a duplicate and must not strand the run.
	g.Nodes[3].Merge = false
	f := newFixture(t, mapGraphs{"diamond": g})

	runID, err := f.eng.StartRun(ctx, "diamond", "a", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.NotZero(t, run.CompletedAt)

	// The join executed exactly once.
	recs, err := f.log.Records(ctx, runID)
	require.NoError(t, err)
	joinRuns := 0
	for _, r := range recs {
		if r.NodeID == "d" {
			joinRuns++
		}
	}
	assert.Equal(t, 1, joinRuns)

	// Both slots reserved for the join were settled or given back.
	n, err := f.st.AddInFlight(ctx, runID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, 1, f.countEvents(events.TypeRunCompleted))
}

func TestRunTopicSubscriberSeesTerminalEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, diamond())

	runID, err := f.eng.StartRun(ctx, "diamond", "a", nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var scoped []events.Event
	f.bus.SubscribeFunc(events.RunTopic(runID), func(ctx context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		scoped = append(scoped, e)
		return nil
	})

	f.drain()
	f.bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, scoped, "run-scoped subscriber received nothing")
	sawNode, sawCompleted := false, false
	for _, e := range scoped {
		switch e.Type {
		case events.TypeNodeStatus:
			sawNode = true
		case events.TypeRunCompleted:
			sawCompleted = true
		}
	}
	assert.True(t, sawNode, "node status events missing")
	assert.True(t, sawCompleted, "terminal event missing")
}

func TestMergeExecutesOnceAfterAllPredecessors(t *testing.T) {
	ctx := context.Background()
	g := diamond()["diamond"]
	// Widen the fan-in to three branches.
	g.Nodes = append(g.Nodes, types.Node{ID: "e", Type: "echo", Config: map[string]any{"from": "e"}})
	g.Edges = append(g.Edges,
		types.Edge{Source: "a", Target: "e"},
		types.Edge{Source: "e", Target: "d"},
	)
	f := newFixture(t, mapGraphs{"diamond": g})

	runID, err := f.eng.StartRun(ctx, "diamond", "a", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)

	recs, err := f.log.Records(ctx, runID)
	require.NoError(t, err)
	mergeRuns := 0
	for _, r := range recs {
		if r.NodeID == "d" {
			mergeRuns++
		}
	}
	assert.Equal(t, 1, mergeRuns)
}

func TestConditionalRoutingTakesMatchingEdgeOnly(t *testing.T) {
	ctx := context.Background()
	graphs := mapGraphs{
		"routed": {
			ID: "routed",
			Nodes: []types.Node{
				{ID: "a", Type: "trigger"},
				{ID: "r", Type: "router"},
				{ID: "left", Type: "echo", Config: map[string]any{"side": "left"}},
				{ID: "right", Type: "echo", Config: map[string]any{"side": "right"}},
			},
			Edges: []types.Edge{
				{Source: "a", Target: "r"},
				{Source: "r", Target: "left", Condition: "left"},
				{Source: "r", Target: "right", Condition: "right"},
			},
		},
	}
	f := newFixture(t, graphs)
	f.reg.RegisterFunc("router", func(ctx context.Context, in task.Input) (*task.Result, error) {
		return &task.Result{Effects: []task.Effect{task.RouteDecision{Route: "left"}}}, nil
	})

	runID, err := f.eng.StartRun(ctx, "routed", "a", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, types.NodeSuccess, f.nodeStatus(runID, "left"))
	assert.Equal(t, types.NodeSkipped, f.nodeStatus(runID, "right"))
}

func TestMergeWithSkippedPredecessorEndsSkipped(t *testing.T) {
	ctx := context.Background()
	graphs := mapGraphs{
		"half": {
			ID: "half",
			Nodes: []types.Node{
				{ID: "a", Type: "router"},
				{ID: "b", Type: "echo"},
				{ID: "c", Type: "echo"},
				{ID: "d", Type: "echo", Merge: true},
			},
			Edges: []types.Edge{
				{Source: "a", Target: "b", Condition: "left"},
				{Source: "a", Target: "c", Condition: "right"},
				{Source: "b", Target: "d"},
				{Source: "c", Target: "d"},
			},
		},
	}
	f := newFixture(t, graphs)
	f.reg.RegisterFunc("router", func(ctx context.Context, in task.Input) (*task.Result, error) {
		return &task.Result{Effects: []task.Effect{task.RouteDecision{Route: "left"}}}, nil
	})

	runID, err := f.eng.StartRun(ctx, "half", "a", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	// A merge starved by a skipped branch never fires, and the run still
	// completes instead of hanging.
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, types.NodeSuccess, f.nodeStatus(runID, "b"))
	assert.Equal(t, types.NodeSkipped, f.nodeStatus(runID, "c"))
	assert.Equal(t, types.NodeSkipped, f.nodeStatus(runID, "d"))
}

func TestRetryScheduleThenSuccess(t *testing.T) {
	ctx := context.Background()
	graphs := mapGraphs{
		"g": {
			ID: "g",
			Nodes: []types.Node{
				{ID: "a", Type: "trigger"},
				{ID: "b", Type: "flaky"},
			},
			Edges: []types.Edge{{Source: "a", Target: "b"}},
		},
	}
	f := newFixture(t, graphs)
	f.reg.RegisterFunc("flaky", func(ctx context.Context, in task.Input) (*task.Result, error) {
		if in.Attempt < 3 {
			return nil, errors.New("transient")
		}
		return &task.Result{Outputs: map[string]any{"ok": true}}, nil
	})

	runID, err := f.eng.StartRun(ctx, "g", "a", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)

	st, err := f.st.NodeState(ctx, runID, "b")
	require.NoError(t, err)
	assert.Equal(t, 3, st.AttemptCount)

	f.mu.Lock()
	sleeps := append([]time.Duration(nil), f.sleeps...)
	f.mu.Unlock()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)
}

func TestRetryExhaustionFailsRun(t *testing.T) {
	ctx := context.Background()
	graphs := mapGraphs{
		"g": {
			ID: "g",
			Nodes: []types.Node{
				{ID: "a", Type: "trigger"},
				{ID: "b", Type: "broken"},
				{ID: "c", Type: "echo"},
			},
			Edges: []types.Edge{
				{Source: "a", Target: "b"},
				{Source: "b", Target: "c"},
			},
		},
	}
	f := newFixture(t, graphs)
	f.reg.RegisterFunc("broken", func(ctx context.Context, in task.Input) (*task.Result, error) {
		return nil, errors.New("boom")
	})

	runID, err := f.eng.StartRun(ctx, "g", "a", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Contains(t, run.Error, "node b")
	assert.Contains(t, run.Error, "after 3 attempts")

	st, err := f.st.NodeState(ctx, runID, "b")
	require.NoError(t, err)
	assert.Equal(t, types.NodeFailed, st.Status)
	assert.Equal(t, 3, st.AttemptCount)

	// The successor never ran.
	assert.Equal(t, types.NodeSkipped, f.nodeStatus(runID, "c"))
	assert.Equal(t, 1, f.countEvents(events.TypeRunFailed))
}

func TestConfigErrorFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	graphs := mapGraphs{
		"g": {
			ID: "g",
			Nodes: []types.Node{
				{ID: "a", Type: "trigger"},
				{ID: "b", Type: "misconfigured"},
			},
			Edges: []types.Edge{{Source: "a", Target: "b"}},
		},
	}
	f := newFixture(t, graphs)
	f.reg.RegisterFunc("misconfigured", func(ctx context.Context, in task.Input) (*task.Result, error) {
		return nil, fmt.Errorf("%w: api_key is required", task.ErrConfig)
	})

	runID, err := f.eng.StartRun(ctx, "g", "a", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, run.Status)

	st, err := f.st.NodeState(ctx, runID, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, st.AttemptCount)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.sleeps, "configuration errors must not back off and retry")
}

func TestMissingHandlerFailsRun(t *testing.T) {
	ctx := context.Background()
	graphs := mapGraphs{
		"g": {
			ID: "g",
			Nodes: []types.Node{
				{ID: "a", Type: "trigger"},
				{ID: "b", Type: "unregistered"},
			},
			Edges: []types.Edge{{Source: "a", Target: "b"}},
		},
	}
	f := newFixture(t, graphs)

	runID, err := f.eng.StartRun(ctx, "g", "a", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Contains(t, run.Error, "not registered")
}

func TestCancelRunSkipsRemainingNodes(t *testing.T) {
	ctx := context.Background()
	graphs := mapGraphs{
		"g": {
			ID: "g",
			Nodes: []types.Node{
				{ID: "a", Type: "trigger"},
				{ID: "b", Type: "canceler"},
				{ID: "c", Type: "echo"},
			},
			Edges: []types.Edge{
				{Source: "a", Target: "b"},
				{Source: "b", Target: "c"},
			},
		},
	}
	f := newFixture(t, graphs)
	f.reg.RegisterFunc("canceler", func(ctx context.Context, in task.Input) (*task.Result, error) {
		require.NoError(t, f.eng.CancelRun(ctx, in.RunID))
		return &task.Result{}, nil
	})

	runID, err := f.eng.StartRun(ctx, "g", "a", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Equal(t, "run canceled", run.Error)
	// The successor job was enqueued before the mark was noticed, then
	// dropped cooperatively.
	assert.Equal(t, types.NodeSkipped, f.nodeStatus(runID, "c"))
	// Observers see a single terminal event, published at finalization.
	assert.Equal(t, 1, f.countEvents(events.TypeRunFailed))
}

func TestLoopIteratesItems(t *testing.T) {
	ctx := context.Background()
	graphs := mapGraphs{
		"loopy": {
			ID: "loopy",
			Nodes: []types.Node{
				{ID: "start", Type: "trigger"},
				{ID: "each", Type: "splitter"},
				{ID: "work", Type: "echo", LoopID: "each", Config: map[string]any{
					"item": "{{node.each.item}}",
				}},
				{ID: "after", Type: "echo", Config: map[string]any{
					"count": "{{node.each.count}}",
				}},
			},
			Edges: []types.Edge{
				{Source: "start", Target: "each"},
				{Source: "each", Target: "work", Condition: "body"},
				{Source: "each", Target: "after", Condition: "done"},
				{Source: "work", Target: "each"},
			},
		},
	}
	f := newFixture(t, graphs)
	f.reg.RegisterFunc("splitter", func(ctx context.Context, in task.Input) (*task.Result, error) {
		return &task.Result{Effects: []task.Effect{
			task.LoopPayload{Items: []any{"x", "y", "z"}},
		}}, nil
	})

	var mu sync.Mutex
	var seen []any
	f.reg.RegisterFunc("echo", func(ctx context.Context, in task.Input) (*task.Result, error) {
		if in.NodeID == "work" {
			mu.Lock()
			seen = append(seen, in.Config["item"])
			mu.Unlock()
		}
		return &task.Result{Outputs: in.Config}, nil
	})

	runID, err := f.eng.StartRun(ctx, "loopy", "start", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)

	mu.Lock()
	assert.Equal(t, []any{"x", "y", "z"}, seen)
	mu.Unlock()

	out, err := f.st.Outputs(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 3, out["after"]["count"])
}

func TestLoopContinueOnErrorAdvances(t *testing.T) {
	ctx := context.Background()
	graphs := mapGraphs{
		"loopy": {
			ID: "loopy",
			Nodes: []types.Node{
				{ID: "start", Type: "trigger"},
				{ID: "each", Type: "splitter"},
				{ID: "work", Type: "picky", LoopID: "each", ContinueOnError: true, Config: map[string]any{
					"item": "{{node.each.item}}",
				}},
				{ID: "after", Type: "echo"},
			},
			Edges: []types.Edge{
				{Source: "start", Target: "each"},
				{Source: "each", Target: "work", Condition: "body"},
				{Source: "each", Target: "after", Condition: "done"},
				{Source: "work", Target: "each"},
			},
		},
	}
	f := newFixture(t, graphs)
	f.reg.RegisterFunc("splitter", func(ctx context.Context, in task.Input) (*task.Result, error) {
		return &task.Result{Effects: []task.Effect{
			task.LoopPayload{Items: []any{"good", "bad", "fine"}},
		}}, nil
	})

	var mu sync.Mutex
	var seen []any
	f.reg.RegisterFunc("picky", func(ctx context.Context, in task.Input) (*task.Result, error) {
		mu.Lock()
		seen = append(seen, in.Config["item"])
		mu.Unlock()
		if in.Config["item"] == "bad" {
			return nil, fmt.Errorf("%w: unprocessable item", task.ErrConfig)
		}
		return &task.Result{Outputs: in.Config}, nil
	})

	runID, err := f.eng.StartRun(ctx, "loopy", "start", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	// One bad item does not fail the run; the loop finishes its remaining
	// items and the done branch still fires.
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, types.NodeSuccess, f.nodeStatus(runID, "after"))

	mu.Lock()
	assert.Equal(t, []any{"good", "bad", "fine"}, seen)
	mu.Unlock()
}

func TestAwaitChildAdoptsFinalOutput(t *testing.T) {
	ctx := context.Background()
	graphs := mapGraphs{
		"parent": {
			ID: "parent",
			Nodes: []types.Node{
				{ID: "start", Type: "trigger"},
				{ID: "call", Type: "subrun"},
			},
			Edges: []types.Edge{{Source: "start", Target: "call"}},
		},
		"child": {
			ID: "child",
			Nodes: []types.Node{
				{ID: "cstart", Type: "trigger"},
				{ID: "cwork", Type: "echo", Config: map[string]any{"answer": 42}},
			},
			Edges: []types.Edge{{Source: "cstart", Target: "cwork"}},
		},
	}
	f := newFixture(t, graphs)
	f.reg.RegisterFunc("subrun", func(ctx context.Context, in task.Input) (*task.Result, error) {
		childID, err := f.eng.StartRun(ctx, "child", "cstart", nil)
		if err != nil {
			return nil, err
		}
		return &task.Result{Effects: []task.Effect{task.AwaitChild{ChildRunID: childID}}}, nil
	})

	runID, err := f.eng.StartRun(ctx, "parent", "start", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, types.NodeSuccess, f.nodeStatus(runID, "call"))

	// The child's final output becomes the parked node's output, without
	// the task body running again.
	out, err := f.st.Outputs(ctx, runID)
	require.NoError(t, err)
	child, ok := out["call"]["output"].(map[string]any)
	require.True(t, ok, "call output: %v", out["call"])
	assert.Contains(t, child, "cwork")
}

func TestAwaitChildFailurePropagates(t *testing.T) {
	ctx := context.Background()
	graphs := mapGraphs{
		"parent": {
			ID: "parent",
			Nodes: []types.Node{
				{ID: "start", Type: "trigger"},
				{ID: "call", Type: "subrun"},
			},
			Edges: []types.Edge{{Source: "start", Target: "call"}},
		},
		"child": {
			ID: "child",
			Nodes: []types.Node{
				{ID: "cstart", Type: "trigger"},
				{ID: "cwork", Type: "broken"},
			},
			Edges: []types.Edge{{Source: "cstart", Target: "cwork"}},
		},
	}
	f := newFixture(t, graphs)
	f.reg.RegisterFunc("broken", func(ctx context.Context, in task.Input) (*task.Result, error) {
		return nil, fmt.Errorf("%w: always", task.ErrConfig)
	})
	f.reg.RegisterFunc("subrun", func(ctx context.Context, in task.Input) (*task.Result, error) {
		childID, err := f.eng.StartRun(ctx, "child", "cstart", nil)
		if err != nil {
			return nil, err
		}
		return &task.Result{Effects: []task.Effect{task.AwaitChild{ChildRunID: childID}}}, nil
	})

	runID, err := f.eng.StartRun(ctx, "parent", "start", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Contains(t, run.Error, "child run")
}

func TestMessageLogBecomesFinalOutput(t *testing.T) {
	ctx := context.Background()
	graphs := mapGraphs{
		"chat": {
			ID: "chat",
			Nodes: []types.Node{
				{ID: "start", Type: "trigger"},
				{ID: "reply", Type: "speaker"},
			},
			Edges: []types.Edge{{Source: "start", Target: "reply"}},
		},
	}
	f := newFixture(t, graphs)
	f.reg.RegisterFunc("speaker", func(ctx context.Context, in task.Input) (*task.Result, error) {
		return &task.Result{
			Effects: []task.Effect{
				task.AppendMessage{Role: "assistant", Content: "first"},
				task.AppendMessage{Role: "assistant", Content: "final answer"},
			},
			Usage: types.Usage{InputTokens: 3, OutputTokens: 5},
		}, nil
	})

	runID, err := f.eng.StartRun(ctx, "chat", "start", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, "final answer", run.FinalOutput)

	u, err := f.st.Usage(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.InputTokens)
	assert.Equal(t, int64(5), u.OutputTokens)
}

func TestConfigEdgeInjectsUpstreamOutputs(t *testing.T) {
	ctx := context.Background()
	graphs := mapGraphs{
		"g": {
			ID: "g",
			Nodes: []types.Node{
				{ID: "a", Type: "trigger"},
				{ID: "creds", Type: "echo", Config: map[string]any{"token": "secret"}},
				{ID: "b", Type: "echo"},
			},
			Edges: []types.Edge{
				{Source: "a", Target: "creds"},
				{Source: "creds", Target: "b"},
				{Source: "creds", Target: "b", Label: types.EdgeLabelConfig, Condition: "auth"},
			},
		},
	}
	f := newFixture(t, graphs)

	runID, err := f.eng.StartRun(ctx, "g", "a", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)

	out, err := f.st.Outputs(ctx, runID)
	require.NoError(t, err)
	auth, ok := out["b"]["auth"].(map[string]any)
	require.True(t, ok, "b outputs: %v", out["b"])
	assert.Equal(t, "secret", auth["token"])
}

func TestDeliverOutputHook(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var delivered []types.Run

	f := newFixture(t, diamond())
	f.eng.opts.DeliverOutput = func(ctx context.Context, run types.Run) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, run)
		return nil
	}

	runID, err := f.eng.StartRun(ctx, "diamond", "a", nil)
	require.NoError(t, err)
	f.drain()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	assert.Equal(t, runID, delivered[0].ID)
	assert.Equal(t, types.RunCompleted, delivered[0].Status)
}

func TestHandleJobWithLostState(t *testing.T) {
	f := newFixture(t, diamond())
	err := f.eng.HandleJob(context.Background(), types.NodeJob("gone", "a", 0))
	assert.ErrorIs(t, err, state.ErrStateNotFound)
	assert.Equal(t, 1, f.countEvents(events.TypeRunFailed))
}

func TestStartRunUnknownGraph(t *testing.T) {
	f := newFixture(t, diamond())
	_, err := f.eng.StartRun(context.Background(), "nope", "a", nil)
	assert.ErrorIs(t, err, ErrGraphNotFound)
}

func TestDelayEffectPostponesSuccessors(t *testing.T) {
	ctx := context.Background()
	graphs := mapGraphs{
		"g": {
			ID: "g",
			Nodes: []types.Node{
				{ID: "a", Type: "trigger"},
				{ID: "b", Type: "pauser"},
				{ID: "c", Type: "echo"},
			},
			Edges: []types.Edge{
				{Source: "a", Target: "b"},
				{Source: "b", Target: "c"},
			},
		},
	}
	f := newFixture(t, graphs)
	f.reg.RegisterFunc("pauser", func(ctx context.Context, in task.Input) (*task.Result, error) {
		return &task.Result{Effects: []task.Effect{task.Delay{For: 30 * time.Millisecond}}}, nil
	})

	runID, err := f.eng.StartRun(ctx, "g", "a", nil)
	require.NoError(t, err)
	f.drain()

	run, err := f.eng.Run(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, types.NodeSuccess, f.nodeStatus(runID, "c"))
}
