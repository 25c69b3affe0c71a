package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/theuselessai/pipelit/types"
)

const logPrefix = "pipelit:runlog:"

// DefaultRetention is how long execution records are kept. The log
// outlives the run's live state so failures can be inspected afterwards.
const DefaultRetention = 30 * 24 * time.Hour

// RedisStore is a Redis-backed Store keeping one list per run.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, retention: retention}
}

// Append adds a record to a run's log with RPUSH.
func (s *RedisStore) Append(ctx context.Context, rec Record) error {
	rec.Output = Truncate(rec.Output)
	rec.Error = Truncate(rec.Error)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s/%s: %w", rec.RunID, rec.NodeID, err)
	}
	key := logPrefix + string(rec.RunID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append record %s/%s: %w", rec.RunID, rec.NodeID, err)
	}
	return nil
}

// Records returns a run's log in append order.
func (s *RedisStore) Records(ctx context.Context, id types.RunID) ([]Record, error) {
	raws, err := s.client.LRange(ctx, logPrefix+string(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get records of run %s: %w", id, err)
	}
	out := make([]Record, 0, len(raws))
	for _, raw := range raws {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record of run %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
