package engine

import (
	"sync"

	"github.com/theuselessai/pipelit/topology"
	"github.com/theuselessai/pipelit/types"
)

// topoCache holds one compiled topology per live run so jobs never
// re-traverse the graph. It is per-process; a worker joining a run it did
// not start recompiles once from the graph store.
type topoCache struct {
	mu    sync.RWMutex
	topos map[types.RunID]*topology.Topology
}

func newTopoCache() *topoCache {
	return &topoCache{topos: make(map[types.RunID]*topology.Topology)}
}

func (c *topoCache) get(id types.RunID) *topology.Topology {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topos[id]
}

func (c *topoCache) put(id types.RunID, t *topology.Topology) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topos[id] = t
}

func (c *topoCache) drop(id types.RunID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topos, id)
}
