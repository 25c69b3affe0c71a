package runlog

import (
	"context"
	"sync"

	"github.com/theuselessai/pipelit/types"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[types.RunID][]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[types.RunID][]Record)}
}

// Append adds a record to a run's log.
func (s *MemoryStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Output = Truncate(rec.Output)
	rec.Error = Truncate(rec.Error)
	s.records[rec.RunID] = append(s.records[rec.RunID], rec)
	return nil
}

// Records returns a run's log in append order.
func (s *MemoryStore) Records(ctx context.Context, id types.RunID) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records[id]))
	copy(out, s.records[id])
	return out, nil
}
