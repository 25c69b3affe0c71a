package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/theuselessai/pipelit/types"
)

const (
	seenPrefix = "pipelit:job:seen:"
	readyKey   = "pipelit:jobs:ready"
	delayedKey = "pipelit:jobs:delayed"

	// seenTTL bounds the dedup memory; a key older than this may be
	// accepted again, which at-least-once consumers already tolerate.
	seenTTL = 7 * 24 * time.Hour
)

// promoteScript moves due delayed jobs onto the ready list atomically.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, v in ipairs(due) do
  redis.call("LPUSH", KEYS[2], v)
  redis.call("ZREM", KEYS[1], v)
end
return #due
`)

// RedisQueue is a Redis-backed Queue shared by many worker processes.
// Dedup uses SETNX on the job key, immediate jobs go through a list, and
// delayed jobs sit in a sorted set scored by their due time until a
// promotion pass moves them over.
type RedisQueue struct {
	client *redis.Client
	ch     chan types.Job
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewRedisQueue connects to Redis and starts the delivery loops.
func NewRedisQueue(opts RedisOptions) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	loopCtx, stop := context.WithCancel(context.Background())
	q := &RedisQueue{
		client: client,
		ch:     make(chan types.Job),
		cancel: stop,
		logger: slog.Default().With("component", "queue"),
	}
	go q.promoteLoop(loopCtx)
	go q.popLoop(loopCtx)
	return q, nil
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// Enqueue submits a job, deduplicating on its key with SETNX.
func (q *RedisQueue) Enqueue(ctx context.Context, job types.Job) (bool, error) {
	ok, err := q.client.SetNX(ctx, seenPrefix+string(job.Key), 1, seenTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim job key %s: %w", job.Key, err)
	}
	if !ok {
		return false, nil
	}

	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job %s: %w", job.Key, err)
	}
	if job.RunAt.IsZero() || !job.RunAt.After(time.Now()) {
		if err := q.client.LPush(ctx, readyKey, data).Err(); err != nil {
			return false, fmt.Errorf("failed to enqueue job %s: %w", job.Key, err)
		}
		return true, nil
	}
	score := float64(job.RunAt.UnixMilli())
	if err := q.client.ZAdd(ctx, delayedKey, &redis.Z{Score: score, Member: data}).Err(); err != nil {
		return false, fmt.Errorf("failed to delay job %s: %w", job.Key, err)
	}
	return true, nil
}

// promoteLoop periodically moves due delayed jobs onto the ready list.
func (q *RedisQueue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			if err := promoteScript.Run(ctx, q.client, []string{delayedKey, readyKey}, now).Err(); err != nil && err != redis.Nil {
				q.logger.Warn("promote pass failed", "error", err)
			}
		}
	}
}

// popLoop blocks on the ready list and feeds the delivery channel.
func (q *RedisQueue) popLoop(ctx context.Context) {
	defer close(q.ch)
	for {
		res, err := q.client.BRPop(ctx, time.Second, readyKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("pop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		var job types.Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Warn("dropping undecodable job", "error", err)
			continue
		}
		select {
		case q.ch <- job:
		case <-ctx.Done():
			return
		}
	}
}

// Jobs returns the delivery channel.
func (q *RedisQueue) Jobs() <-chan types.Job {
	return q.ch
}

// Close stops the delivery loops. Undelivered jobs stay in Redis for the
// next process.
func (q *RedisQueue) Close() error {
	q.cancel()
	return q.client.Close()
}
