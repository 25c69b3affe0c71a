// Package topology compiles the reachable execution subgraph for a firing
// trigger node and precomputes the fan-in counts the engine needs for merge
// synchronization.
package topology

import (
	"errors"
	"fmt"

	"github.com/theuselessai/pipelit/types"
)

// ErrUnknownTriggerNode is returned when the firing node id does not exist
// in the graph. This is the only failure mode: disconnected or half-wired
// nodes are silently excluded because a graph may hold several independent
// trigger branches and in-progress edits.
var ErrUnknownTriggerNode = errors.New("unknown trigger node")

// Topology is the compiled execution subgraph for one run. It is built once
// per run and read-only afterwards, so jobs never re-traverse the graph.
type Topology struct {
	TriggerID types.NodeID

	// Order is the reachable node set in BFS order from the trigger.
	Order []types.NodeID

	nodes      map[types.NodeID]types.Node
	successors map[types.NodeID][]types.Edge
	fanIn      map[types.NodeID]int
	configEdge map[types.NodeID][]types.Edge
}

// Build runs a breadth-first traversal from the firing node following only
// plain data edges and returns the induced topology.
func Build(g types.Graph, trigger types.NodeID) (*Topology, error) {
	nodes := make(map[types.NodeID]types.Node, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes[n.ID] = n
	}
	if _, ok := nodes[trigger]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTriggerNode, trigger)
	}

	// Adjacency over data edges only. Configuration edges are indexed by
	// their declaring (target) node and resolved at configuration time.
	out := make(map[types.NodeID][]types.Edge)
	configEdge := make(map[types.NodeID][]types.Edge)
	for _, e := range g.Edges {
		if e.IsData() {
			out[e.Source] = append(out[e.Source], e)
		} else {
			configEdge[e.Target] = append(configEdge[e.Target], e)
		}
	}

	t := &Topology{
		TriggerID:  trigger,
		nodes:      make(map[types.NodeID]types.Node),
		successors: make(map[types.NodeID][]types.Edge),
		fanIn:      make(map[types.NodeID]int),
		configEdge: configEdge,
	}

	visited := map[types.NodeID]bool{trigger: true}
	queue := []types.NodeID{trigger}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		t.Order = append(t.Order, id)
		t.nodes[id] = nodes[id]
		for _, e := range out[id] {
			if _, ok := nodes[e.Target]; !ok {
				continue // dangling edge from an in-progress edit
			}
			t.successors[id] = append(t.successors[id], e)
			t.fanIn[e.Target]++
			if !visited[e.Target] {
				visited[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}

	// Non-merge nodes wait for exactly one predecessor regardless of how
	// many edges reach them; the first arrival wins.
	for id, n := range t.nodes {
		if !n.Merge && t.fanIn[id] > 1 {
			t.fanIn[id] = 1
		}
	}
	return t, nil
}

// Node returns the node definition for id within the compiled subgraph.
func (t *Topology) Node(id types.NodeID) (types.Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Contains reports whether id is reachable from the trigger.
func (t *Topology) Contains(id types.NodeID) bool {
	_, ok := t.nodes[id]
	return ok
}

// Successors returns the outgoing data edges of id, in graph insertion order.
func (t *Topology) Successors(id types.NodeID) []types.Edge {
	return t.successors[id]
}

// FanIn returns the number of predecessors id waits for before it may run.
// The trigger node and nodes with no inbound edges report 0.
func (t *Topology) FanIn(id types.NodeID) int {
	return t.fanIn[id]
}

// FanInCounts returns a copy of the fan-in map for seeding run state.
func (t *Topology) FanInCounts() map[types.NodeID]int {
	m := make(map[types.NodeID]int, len(t.fanIn))
	for id, n := range t.fanIn {
		if n > 0 {
			m[id] = n
		}
	}
	return m
}

// ConfigSource resolves the auxiliary configuration input named port for
// node id. When several configuration edges declare the same port the first
// one in graph insertion order wins; this tie-break is deliberate and
// documented rather than left to map iteration.
func (t *Topology) ConfigSource(id types.NodeID, port string) (types.NodeID, bool) {
	for _, e := range t.configEdge[id] {
		if e.Condition == "" || e.Condition == port {
			return e.Source, true
		}
	}
	return "", false
}

// ConfigSources returns all configuration edges declared by id, in graph
// insertion order.
func (t *Topology) ConfigSources(id types.NodeID) []types.Edge {
	return t.configEdge[id]
}

// Len returns the number of reachable nodes.
func (t *Topology) Len() int {
	return len(t.Order)
}
