package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/theuselessai/pipelit/types"
)

const (
	runPrefix    = "pipelit:run:"
	waiterPrefix = "pipelit:waiter:"
)

// RedisOptions extends redis.Options with store configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// RedisStore is a Redis-backed Store. Counters use INCRBY/HINCRBY, message
// appends use RPUSH and the status swap runs as a Lua script, so every
// racy operation is a single atomic command on the server.
type RedisStore struct {
	client *redis.Client
}

var casStatusScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") == ARGV[1] then
  redis.call("HSET", KEYS[1], "status", ARGV[2])
  return 1
end
return 0
`)

var failRunScript = redis.NewScript(`
local st = redis.call("HGET", KEYS[1], "status")
if st == "pending" or st == "running" then
  redis.call("HSET", KEYS[1], "status", "failed", "error", ARGV[1])
  return 1
end
return 0
`)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
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
	return &RedisStore{client: client}, nil
}

func runKey(id types.RunID, part string) string {
	return runPrefix + string(id) + ":" + part
}

func (s *RedisStore) exists(ctx context.Context, id types.RunID) error {
	n, err := s.client.Exists(ctx, runKey(id, "meta")).Result()
	if err != nil {
		return fmt.Errorf("failed to check run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: run=%s", ErrStateNotFound, id)
	}
	return nil
}

// CreateRun seeds state for a new run.
func (s *RedisStore) CreateRun(ctx context.Context, seed Seed) error {
	ttl := seed.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	trigger, err := json.Marshal(seed.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger payload: %w", err)
	}
	id := seed.Run.ID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, runKey(id, "meta"),
		"status", seed.Run.Status,
		"graph_id", seed.Run.GraphID,
		"trigger_node_id", string(seed.Run.TriggerNodeID),
		"started_at", seed.Run.StartedAt,
		"route", "",
	)
	pipe.Set(ctx, runKey(id, "trigger"), trigger, ttl)
	pipe.Set(ctx, runKey(id, "inflight"), 1, ttl)
	for node, n := range seed.FanIn {
		pipe.HSet(ctx, runKey(id, "fanin"), string(node), n)
	}
	pipe.Expire(ctx, runKey(id, "meta"), ttl)
	pipe.Expire(ctx, runKey(id, "fanin"), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to seed run %s: %w", id, err)
	}
	return nil
}

// Run returns the run record.
func (s *RedisStore) Run(ctx context.Context, id types.RunID) (types.Run, error) {
	m, err := s.client.HGetAll(ctx, runKey(id, "meta")).Result()
	if err != nil {
		return types.Run{}, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	if len(m) == 0 {
		return types.Run{}, fmt.Errorf("%w: run=%s", ErrStateNotFound, id)
	}
	run := types.Run{
		ID:            id,
		GraphID:       m["graph_id"],
		TriggerNodeID: types.NodeID(m["trigger_node_id"]),
		Status:        m["status"],
		Error:         m["error"],
	}
	run.StartedAt, _ = strconv.ParseInt(m["started_at"], 10, 64)
	run.CompletedAt, _ = strconv.ParseInt(m["completed_at"], 10, 64)
	if raw := m["final_output"]; raw != "" {
		var out any
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			run.FinalOutput = out
		}
	}
	return run, nil
}

// CASRunStatus swaps the run status atomically via a Lua script.
func (s *RedisStore) CASRunStatus(ctx context.Context, id types.RunID, from, to string) (bool, error) {
	if err := s.exists(ctx, id); err != nil {
		return false, err
	}
	n, err := casStatusScript.Run(ctx, s.client, []string{runKey(id, "meta")}, from, to).Int()
	if err != nil {
		return false, fmt.Errorf("failed to swap status of run %s: %w", id, err)
	}
	return n == 1, nil
}

// FailRun marks a live run failed via a Lua script, first failure wins.
func (s *RedisStore) FailRun(ctx context.Context, id types.RunID, errMsg string) (bool, error) {
	if err := s.exists(ctx, id); err != nil {
		return false, err
	}
	n, err := failRunScript.Run(ctx, s.client, []string{runKey(id, "meta")}, errMsg).Int()
	if err != nil {
		return false, fmt.Errorf("failed to fail run %s: %w", id, err)
	}
	return n == 1, nil
}

// FinishRun records the terminal state of a run.
func (s *RedisStore) FinishRun(ctx context.Context, id types.RunID, status string, finalOutput any, errMsg string) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	out, err := json.Marshal(finalOutput)
	if err != nil {
		return fmt.Errorf("failed to marshal final output of run %s: %w", id, err)
	}
	err = s.client.HSet(ctx, runKey(id, "meta"),
		"status", status,
		"final_output", out,
		"error", errMsg,
		"completed_at", time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	return nil
}

// TriggerPayload returns the payload the run was fired with.
func (s *RedisStore) TriggerPayload(ctx context.Context, id types.RunID) (map[string]any, error) {
	data, err := s.client.Get(ctx, runKey(id, "trigger")).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: run=%s", ErrStateNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get trigger payload of run %s: %w", id, err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger payload of run %s: %w", id, err)
	}
	return payload, nil
}

// NodeState returns the per-node record, defaulting to pending.
func (s *RedisStore) NodeState(ctx context.Context, id types.RunID, node types.NodeID) (types.NodeRunState, error) {
	if err := s.exists(ctx, id); err != nil {
		return types.NodeRunState{}, err
	}
	data, err := s.client.HGet(ctx, runKey(id, "nodes"), string(node)).Bytes()
	if err == redis.Nil {
		return types.NodeRunState{NodeID: node, Status: types.NodePending}, nil
	} else if err != nil {
		return types.NodeRunState{}, fmt.Errorf("failed to get node state %s/%s: %w", id, node, err)
	}
	var st types.NodeRunState
	if err := json.Unmarshal(data, &st); err != nil {
		return types.NodeRunState{}, fmt.Errorf("failed to unmarshal node state %s/%s: %w", id, node, err)
	}
	return st, nil
}

// PutNodeState overwrites the per-node record.
func (s *RedisStore) PutNodeState(ctx context.Context, id types.RunID, st types.NodeRunState) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal node state %s/%s: %w", id, st.NodeID, err)
	}
	key := runKey(id, "nodes")
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, string(st.NodeID), data)
	pipe.Expire(ctx, key, DefaultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to put node state %s/%s: %w", id, st.NodeID, err)
	}
	return nil
}

// NodeStates returns all per-node records written so far.
func (s *RedisStore) NodeStates(ctx context.Context, id types.RunID) (map[types.NodeID]types.NodeRunState, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	m, err := s.client.HGetAll(ctx, runKey(id, "nodes")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get node states of run %s: %w", id, err)
	}
	out := make(map[types.NodeID]types.NodeRunState, len(m))
	for k, raw := range m {
		var st types.NodeRunState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node state %s/%s: %w", id, k, err)
		}
		out[types.NodeID(k)] = st
	}
	return out, nil
}

// PutOutputs stores a node's outputs field by field.
func (s *RedisStore) PutOutputs(ctx context.Context, id types.RunID, node types.NodeID, out map[string]any) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	key := runKey(id, "out:"+string(node))
	pipe := s.client.TxPipeline()
	for k, v := range out {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal output %s/%s.%s: %w", id, node, k, err)
		}
		pipe.HSet(ctx, key, k, data)
	}
	pipe.SAdd(ctx, runKey(id, "outnodes"), string(node))
	pipe.Expire(ctx, key, DefaultTTL)
	pipe.Expire(ctx, runKey(id, "outnodes"), DefaultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to put outputs %s/%s: %w", id, node, err)
	}
	return nil
}

// Outputs returns every node's stored outputs.
func (s *RedisStore) Outputs(ctx context.Context, id types.RunID) (map[types.NodeID]map[string]any, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	nodes, err := s.client.SMembers(ctx, runKey(id, "outnodes")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list output nodes of run %s: %w", id, err)
	}
	out := make(map[types.NodeID]map[string]any, len(nodes))
	for _, node := range nodes {
		m, err := s.client.HGetAll(ctx, runKey(id, "out:"+node)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get outputs %s/%s: %w", id, node, err)
		}
		vals := make(map[string]any, len(m))
		for k, raw := range m {
			var v any
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				return nil, fmt.Errorf("failed to unmarshal output %s/%s.%s: %w", id, node, k, err)
			}
			vals[k] = v
		}
		out[types.NodeID(node)] = vals
	}
	return out, nil
}

// SetRoute records the last routing decision.
func (s *RedisStore) SetRoute(ctx context.Context, id types.RunID, route string) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, runKey(id, "meta"), "route", route).Err(); err != nil {
		return fmt.Errorf("failed to set route of run %s: %w", id, err)
	}
	return nil
}

// AppendMessage appends to the run's message log with RPUSH.
func (s *RedisStore) AppendMessage(ctx context.Context, id types.RunID, m types.Message) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message for run %s: %w", id, err)
	}
	key := runKey(id, "msgs")
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, DefaultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append message to run %s: %w", id, err)
	}
	return nil
}

// Messages returns the message log in append order.
func (s *RedisStore) Messages(ctx context.Context, id types.RunID) ([]types.Message, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	raws, err := s.client.LRange(ctx, runKey(id, "msgs"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get messages of run %s: %w", id, err)
	}
	out := make([]types.Message, 0, len(raws))
	for _, raw := range raws {
		var m types.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message of run %s: %w", id, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// PatchVariables merges patch into the run's variables.
func (s *RedisStore) PatchVariables(ctx context.Context, id types.RunID, patch map[string]any) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	for k := range patch {
		if IsProtectedKey(k) {
			return fmt.Errorf("%w: %s", ErrProtectedKey, k)
		}
	}
	key := runKey(id, "vars")
	pipe := s.client.TxPipeline()
	for k, v := range patch {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal variable %s of run %s: %w", k, id, err)
		}
		pipe.HSet(ctx, key, k, data)
	}
	pipe.Expire(ctx, key, DefaultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to patch variables of run %s: %w", id, err)
	}
	return nil
}

// Variables returns the run's variable map.
func (s *RedisStore) Variables(ctx context.Context, id types.RunID) (map[string]any, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	m, err := s.client.HGetAll(ctx, runKey(id, "vars")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get variables of run %s: %w", id, err)
	}
	out := make(map[string]any, len(m))
	for k, raw := range m {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variable %s of run %s: %w", k, id, err)
		}
		out[k] = v
	}
	return out, nil
}

// AddInFlight adds delta to the in-flight counter with INCRBY.
func (s *RedisStore) AddInFlight(ctx context.Context, id types.RunID, delta int) (int64, error) {
	if err := s.exists(ctx, id); err != nil {
		return 0, err
	}
	n, err := s.client.IncrBy(ctx, runKey(id, "inflight"), int64(delta)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to adjust in-flight counter of run %s: %w", id, err)
	}
	return n, nil
}

// DecrFanIn decrements a merge node's counter with HINCRBY.
func (s *RedisStore) DecrFanIn(ctx context.Context, id types.RunID, node types.NodeID) (int64, error) {
	if err := s.exists(ctx, id); err != nil {
		return 0, err
	}
	n, err := s.client.HIncrBy(ctx, runKey(id, "fanin"), string(node), -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to decrement fan-in of %s/%s: %w", id, node, err)
	}
	return n, nil
}

// AddUsage accumulates usage metadata with HINCRBY/HINCRBYFLOAT.
func (s *RedisStore) AddUsage(ctx context.Context, id types.RunID, u types.Usage) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	key := runKey(id, "usage")
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "input_tokens", u.InputTokens)
	pipe.HIncrBy(ctx, key, "output_tokens", u.OutputTokens)
	pipe.HIncrByFloat(ctx, key, "cost", u.Cost)
	pipe.Expire(ctx, key, DefaultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add usage to run %s: %w", id, err)
	}
	return nil
}

// Usage returns the accumulated usage.
func (s *RedisStore) Usage(ctx context.Context, id types.RunID) (types.Usage, error) {
	if err := s.exists(ctx, id); err != nil {
		return types.Usage{}, err
	}
	m, err := s.client.HGetAll(ctx, runKey(id, "usage")).Result()
	if err != nil {
		return types.Usage{}, fmt.Errorf("failed to get usage of run %s: %w", id, err)
	}
	var u types.Usage
	u.InputTokens, _ = strconv.ParseInt(m["input_tokens"], 10, 64)
	u.OutputTokens, _ = strconv.ParseInt(m["output_tokens"], 10, 64)
	u.Cost, _ = strconv.ParseFloat(m["cost"], 64)
	return u, nil
}

// SetLoopItems stores a loop node's item list once with HSETNX.
func (s *RedisStore) SetLoopItems(ctx context.Context, id types.RunID, node types.NodeID, items []any) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal loop items %s/%s: %w", id, node, err)
	}
	key := runKey(id, "loopitems")
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, string(node), data)
	pipe.Expire(ctx, key, DefaultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set loop items %s/%s: %w", id, node, err)
	}
	return nil
}

// LoopItems returns the stored items, nil when unset.
func (s *RedisStore) LoopItems(ctx context.Context, id types.RunID, node types.NodeID) ([]any, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	data, err := s.client.HGet(ctx, runKey(id, "loopitems"), string(node)).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get loop items %s/%s: %w", id, node, err)
	}
	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal loop items %s/%s: %w", id, node, err)
	}
	return items, nil
}

// AdvanceLoop advances the loop cursor with HINCRBY.
func (s *RedisStore) AdvanceLoop(ctx context.Context, id types.RunID, node types.NodeID) (int64, error) {
	if err := s.exists(ctx, id); err != nil {
		return 0, err
	}
	n, err := s.client.HIncrBy(ctx, runKey(id, "loopcur"), string(node), 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance loop %s/%s: %w", id, node, err)
	}
	return n, nil
}

// RegisterWaiter parks a parent node on a child run.
func (s *RedisStore) RegisterWaiter(ctx context.Context, child types.RunID, w Waiter) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal waiter for run %s: %w", child, err)
	}
	if err := s.client.Set(ctx, waiterPrefix+string(child), data, DefaultTTL).Err(); err != nil {
		return fmt.Errorf("failed to register waiter for run %s: %w", child, err)
	}
	return nil
}

// TakeWaiter removes and returns the waiter for a child run with GETDEL.
func (s *RedisStore) TakeWaiter(ctx context.Context, child types.RunID) (*Waiter, error) {
	data, err := s.client.GetDel(ctx, waiterPrefix+string(child)).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to take waiter for run %s: %w", child, err)
	}
	var w Waiter
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal waiter for run %s: %w", child, err)
	}
	return &w, nil
}

// runKeyParts are the fixed per-run keys the store writes; per-node output
// hashes are tracked in the outnodes set.
var runKeyParts = []string{
	"meta", "trigger", "inflight", "fanin", "nodes",
	"msgs", "vars", "usage", "loopitems", "loopcur", "outnodes",
}

// retainKeys enumerates every key the store holds for one run. Retention
// touches this known set; the keyspace is never pattern-scanned.
func retainKeys(id types.RunID, outputNodes []string) []string {
	keys := make([]string, 0, len(runKeyParts)+len(outputNodes))
	for _, part := range runKeyParts {
		keys = append(keys, runKey(id, part))
	}
	for _, node := range outputNodes {
		keys = append(keys, runKey(id, "out:"+node))
	}
	return keys
}

// Retain rebounds all of the run's keys to the retention window.
func (s *RedisStore) Retain(ctx context.Context, id types.RunID, ttl time.Duration) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultRetention
	}
	nodes, err := s.client.SMembers(ctx, runKey(id, "outnodes")).Result()
	if err != nil {
		return fmt.Errorf("failed to list output nodes of run %s: %w", id, err)
	}
	pipe := s.client.Pipeline()
	for _, key := range retainKeys(id, nodes) {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to retain run %s: %w", id, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
