// Package coord wraps the Redis coordination store: the assignment queue,
// task locks, skip cooldowns, global-skip counters, active-agent pointers
// and the audit lists. All multi-step mutations that must not interleave
// with other callers run as server-side Lua scripts.
package coord

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key schema. Task and agent ids are rendered in decimal.
const (
	queueKey = "assignment_queue"

	lockKeyPrefix       = "task:locked:"
	activeKeyPrefix     = "agent:active:"
	skipKeyPrefix       = "task:skipped:"
	globalSkipKeyPrefix = "task:global_skips:"
	completedSetKey     = "tasks:completed"

	auditAssignmentsKey = "audit:assignments"
	auditCompletionsKey = "audit:completions"
	auditSkipsKey       = "audit:skips"
	auditAudioKey       = "audit:audio_access"
)

func lockKey(taskID int64) string {
	return lockKeyPrefix + strconv.FormatInt(taskID, 10)
}

func activeKey(agentID int64) string {
	return activeKeyPrefix + strconv.FormatInt(agentID, 10)
}

func skipKey(taskID, agentID int64) string {
	return fmt.Sprintf("%s%d:%d", skipKeyPrefix, taskID, agentID)
}

func globalSkipKey(taskID int64) string {
	return globalSkipKeyPrefix + strconv.FormatInt(taskID, 10)
}

// Store provides typed access to the coordination keys.
type Store struct {
	rdb *redis.Client
}

// NewStore connects to Redis using a redis:// URL and verifies the
// connection with a ping.
func NewStore(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Store{rdb: rdb}, nil
}

// NewStoreFromClient wraps an existing client (useful for testing).
func NewStoreFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Ping verifies store reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// ReplaceQueue atomically rebuilds the assignment queue with the given task
// ids in order. DEL and the RPUSHes run in one transactional pipeline so no
// caller observes a half-built queue.
func (s *Store) ReplaceQueue(ctx context.Context, taskIDs []int64) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, queueKey)
	for _, id := range taskIDs {
		pipe.RPush(ctx, queueKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to rebuild assignment queue: %w", err)
	}
	return nil
}

// QueueLen returns the current length of the assignment queue.
func (s *Store) QueueLen(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

// Queue returns the queued task ids in order.
func (s *Store) Queue(ctx context.Context) ([]int64, error) {
	items, err := s.rdb.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		id, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed task id %q in queue: %w", item, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// PushBack appends task ids to the tail of the queue (used by the engine's
// refill path).
func (s *Store) PushBack(ctx context.Context, taskIDs []int64) error {
	if len(taskIDs) == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range taskIDs {
		pipe.RPush(ctx, queueKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push tasks to queue: %w", err)
	}
	return nil
}

// RemoveFromQueue deletes every occurrence of the task id from the queue.
func (s *Store) RemoveFromQueue(ctx context.Context, taskID int64) error {
	if err := s.rdb.LRem(ctx, queueKey, 0, taskID).Err(); err != nil {
		return fmt.Errorf("failed to remove task %d from queue: %w", taskID, err)
	}
	return nil
}

// CountLocked returns how many of the given tasks currently hold a lock.
func (s *Store) CountLocked(ctx context.Context, taskIDs []int64) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(taskIDs))
	for i, id := range taskIDs {
		cmds[i] = pipe.Exists(ctx, lockKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to count locked tasks: %w", err)
	}
	locked := 0
	for _, cmd := range cmds {
		if cmd.Val() > 0 {
			locked++
		}
	}
	return locked, nil
}

// MarkCompleted records a task as completed so the reconciler does not
// re-enqueue it before the labeling backend's unlabeled view catches up.
// The set carries a sliding 24 h TTL; that window only needs to outlive the
// gap between a submit and the next reconciliation.
func (s *Store) MarkCompleted(ctx context.Context, taskID int64) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, completedSetKey, taskID)
	pipe.Expire(ctx, completedSetKey, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark task %d completed: %w", taskID, err)
	}
	return nil
}

// CompletedTasks returns the set of task ids completed within the TTL window.
func (s *Store) CompletedTasks(ctx context.Context) (map[int64]bool, error) {
	members, err := s.rdb.SMembers(ctx, completedSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read completed set: %w", err)
	}
	completed := make(map[int64]bool, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		completed[id] = true
	}
	return completed, nil
}
