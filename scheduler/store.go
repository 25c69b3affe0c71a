package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/theuselessai/pipelit/types"
)

// ErrJobNotFound is returned when no scheduled job has the given id.
var ErrJobNotFound = errors.New("scheduled job not found")

// JobStore persists scheduled job definitions.
type JobStore interface {
	// Save creates or overwrites a job.
	Save(ctx context.Context, job types.ScheduledJob) error

	// Get returns a job by id, or ErrJobNotFound.
	Get(ctx context.Context, id uint64) (types.ScheduledJob, error)

	// Delete removes a job.
	Delete(ctx context.Context, id uint64) error

	// List returns jobs, filtered by status when status is non-empty.
	List(ctx context.Context, status string) ([]types.ScheduledJob, error)
}

// MemoryJobStore is an in-memory JobStore.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[uint64]types.ScheduledJob
}

// NewMemoryJobStore creates an empty MemoryJobStore.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[uint64]types.ScheduledJob)}
}

// Save creates or overwrites a job.
func (s *MemoryJobStore) Save(ctx context.Context, job types.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// Get returns a job by id.
func (s *MemoryJobStore) Get(ctx context.Context, id uint64) (types.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return types.ScheduledJob{}, fmt.Errorf("%w: id=%d", ErrJobNotFound, id)
	}
	return job, nil
}

// Delete removes a job.
func (s *MemoryJobStore) Delete(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// List returns jobs, optionally filtered by status.
func (s *MemoryJobStore) List(ctx context.Context, status string) ([]types.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status == "" || job.Status == status {
			out = append(out, job)
		}
	}
	return out, nil
}

const schedulePrefix = "pipelit:schedule:"
const scheduleIndex = "pipelit:schedules"

// RedisJobStore is a Redis-backed JobStore: one JSON value per job plus a
// set of known ids for listing.
type RedisJobStore struct {
	client *redis.Client
}

// NewRedisJobStore wraps an existing Redis client.
func NewRedisJobStore(client *redis.Client) *RedisJobStore {
	return &RedisJobStore{client: client}
}

// Save creates or overwrites a job.
func (s *RedisJobStore) Save(ctx context.Context, job types.ScheduledJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal scheduled job %d: %w", job.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf("%s%d", schedulePrefix, job.ID), data, 0)
	pipe.SAdd(ctx, scheduleIndex, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save scheduled job %d: %w", job.ID, err)
	}
	return nil
}

// Get returns a job by id.
func (s *RedisJobStore) Get(ctx context.Context, id uint64) (types.ScheduledJob, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf("%s%d", schedulePrefix, id)).Bytes()
	if err == redis.Nil {
		return types.ScheduledJob{}, fmt.Errorf("%w: id=%d", ErrJobNotFound, id)
	} else if err != nil {
		return types.ScheduledJob{}, fmt.Errorf("failed to get scheduled job %d: %w", id, err)
	}
	var job types.ScheduledJob
	if err := json.Unmarshal(data, &job); err != nil {
		return types.ScheduledJob{}, fmt.Errorf("failed to unmarshal scheduled job %d: %w", id, err)
	}
	return job, nil
}

// Delete removes a job.
func (s *RedisJobStore) Delete(ctx context.Context, id uint64) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, fmt.Sprintf("%s%d", schedulePrefix, id))
	pipe.SRem(ctx, scheduleIndex, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete scheduled job %d: %w", id, err)
	}
	return nil
}

// List returns jobs, optionally filtered by status.
func (s *RedisJobStore) List(ctx context.Context, status string) ([]types.ScheduledJob, error) {
	ids, err := s.client.SMembers(ctx, scheduleIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}
	out := make([]types.ScheduledJob, 0, len(ids))
	for _, raw := range ids {
		data, err := s.client.Get(ctx, schedulePrefix+raw).Bytes()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("failed to get scheduled job %s: %w", raw, err)
		}
		var job types.ScheduledJob
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scheduled job %s: %w", raw, err)
		}
		if status == "" || job.Status == status {
			out = append(out, job)
		}
	}
	return out, nil
}
