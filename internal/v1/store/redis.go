package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowboard/flowboard/internal/v1/logging"
	"github.com/flowboard/flowboard/internal/v1/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	taskKeyPrefix  = "board:task:"
	taskIndexKey   = "board:tasks"
	activityLogKey = "board:activity"
)

// RedisTaskStore persists tasks as JSON values keyed by task id, with a set
// index for listing. Redis single-key operations give the linearisable
// per-record reads and writes the TaskStore contract requires.
type RedisTaskStore struct {
	client *redis.Client
}

// NewRedisTaskStore wraps an existing client.
func NewRedisTaskStore(client *redis.Client) *RedisTaskStore {
	return &RedisTaskStore{client: client}
}

func taskKey(id types.TaskIDType) string {
	return taskKeyPrefix + string(id)
}

func (s *RedisTaskStore) Insert(ctx context.Context, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	ok, err := s.client.SetNX(ctx, taskKey(task.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	if !ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	if err := s.client.SAdd(ctx, taskIndexKey, string(task.ID)).Err(); err != nil {
		return fmt.Errorf("failed to index task: %w", err)
	}
	return nil
}

func (s *RedisTaskStore) Get(ctx context.Context, id types.TaskIDType) (*types.Task, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, types.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task %s: %w", id, err)
	}
	return &task, nil
}

func (s *RedisTaskStore) Update(ctx context.Context, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	ok, err := s.client.SetXX(ctx, taskKey(task.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if !ok {
		return types.ErrTaskNotFound
	}
	return nil
}

func (s *RedisTaskStore) Delete(ctx context.Context, id types.TaskIDType) error {
	removed, err := s.client.Del(ctx, taskKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if removed == 0 {
		return types.ErrTaskNotFound
	}
	if err := s.client.SRem(ctx, taskIndexKey, string(id)).Err(); err != nil {
		return fmt.Errorf("failed to unindex task: %w", err)
	}
	return nil
}

func (s *RedisTaskStore) List(ctx context.Context) ([]*types.Task, error) {
	ids, err := s.client.SMembers(ctx, taskIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list task ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKeyPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tasks: %w", err)
	}

	out := make([]*types.Task, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a record: deletion raced the scan.
			logging.Warn(ctx, "Stale task index entry", zap.String("task_id", ids[i]))
			continue
		}
		var task types.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task %s: %w", ids[i], err)
		}
		out = append(out, &task)
	}
	return out, nil
}

// RedisActivitySink appends activity records to a redis list, newest first.
type RedisActivitySink struct {
	client *redis.Client
}

// NewRedisActivitySink wraps an existing client.
func NewRedisActivitySink(client *redis.Client) *RedisActivitySink {
	return &RedisActivitySink{client: client}
}

func (s *RedisActivitySink) Append(ctx context.Context, rec *types.ActivityRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal activity record: %w", err)
	}
	if err := s.client.LPush(ctx, activityLogKey, data).Err(); err != nil {
		return fmt.Errorf("failed to append activity record: %w", err)
	}
	return nil
}

func (s *RedisActivitySink) Prune(ctx context.Context, before time.Time, severities []types.ActivitySeverity) (int, error) {
	prunable := make(map[types.ActivitySeverity]bool, len(severities))
	for _, sev := range severities {
		prunable[sev] = true
	}

	raw, err := s.client.LRange(ctx, activityLogKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read activity log: %w", err)
	}

	kept := make([]interface{}, 0, len(raw))
	removed := 0
	for _, item := range raw {
		var rec types.ActivityRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			// Keep records we cannot parse rather than silently destroying them.
			kept = append(kept, item)
			continue
		}
		if rec.CreatedAt.Before(before) && prunable[rec.Severity] {
			removed++
			continue
		}
		kept = append(kept, item)
	}

	if removed == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, activityLogKey)
	if len(kept) > 0 {
		pipe.RPush(ctx, activityLogKey, kept...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to rewrite activity log: %w", err)
	}
	return removed, nil
}
