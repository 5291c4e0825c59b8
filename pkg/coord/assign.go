package coord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// PopOutcome classifies one run of the atomic pop-and-lock script.
type PopOutcome int

const (
	// PopAssigned means the task was popped and locked for the agent.
	PopAssigned PopOutcome = iota
	// PopEmpty means the queue had no tasks.
	PopEmpty
	// PopSkipped means the popped task is under the agent's skip cooldown;
	// it was pushed back to the tail.
	PopSkipped
	// PopLocked means another agent holds the task's lock; it was pushed
	// back to the tail.
	PopLocked
	// PopDisabled means the task crossed the global-skip threshold and was
	// dropped without re-enqueueing.
	PopDisabled
)

// PopResult carries the outcome of one pop-and-lock attempt. TaskID is only
// meaningful when Outcome == PopAssigned.
type PopResult struct {
	Outcome PopOutcome
	TaskID  int64
}

// popAndLockScript is the heart of the assignment protocol. It must stay a
// single script: LPOP, the disabled/cooldown checks, the SET NX and the
// compensating RPUSH may not interleave with any other caller.
//
// ARGV[1] = agent id, ARGV[2] = disable threshold, ARGV[3] = lock TTL (s).
var popAndLockScript = redis.NewScript(`
local task_id = redis.call('LPOP', 'assignment_queue')
if not task_id then
    return nil
end

local agent_id = ARGV[1]
local skip_key = 'task:skipped:' .. task_id .. ':' .. agent_id
local lock_key = 'task:locked:' .. task_id
local global_skip_key = 'task:global_skips:' .. task_id

local global_skip_count = tonumber(redis.call('GET', global_skip_key) or 0)
if global_skip_count >= tonumber(ARGV[2]) then
    return 'DISABLED'
end

if redis.call('EXISTS', skip_key) == 1 then
    redis.call('RPUSH', 'assignment_queue', task_id)
    return 'SKIPPED'
end

local lock_result = redis.call('SET', lock_key, agent_id, 'NX', 'EX', ARGV[3])
if lock_result then
    return task_id
else
    redis.call('RPUSH', 'assignment_queue', task_id)
    return 'LOCKED'
end
`)

// PopAndLock runs the atomic assignment script once for the given agent.
func (s *Store) PopAndLock(ctx context.Context, agentID int64, disableThreshold int, lockTTL time.Duration) (PopResult, error) {
	raw, err := popAndLockScript.Run(ctx, s.rdb, nil,
		strconv.FormatInt(agentID, 10),
		disableThreshold,
		int(lockTTL.Seconds()),
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return PopResult{Outcome: PopEmpty}, nil
		}
		return PopResult{}, fmt.Errorf("pop-and-lock script failed: %w", err)
	}

	val, ok := raw.(string)
	if !ok {
		return PopResult{}, fmt.Errorf("pop-and-lock script returned unexpected type %T", raw)
	}

	switch val {
	case "SKIPPED":
		return PopResult{Outcome: PopSkipped}, nil
	case "LOCKED":
		return PopResult{Outcome: PopLocked}, nil
	case "DISABLED":
		return PopResult{Outcome: PopDisabled}, nil
	}

	taskID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return PopResult{}, fmt.Errorf("pop-and-lock script returned unparseable task id %q: %w", val, err)
	}
	return PopResult{Outcome: PopAssigned, TaskID: taskID}, nil
}

// LockHolder returns the agent currently holding the task's lock, or
// (0, false) when the task is unlocked.
func (s *Store) LockHolder(ctx context.Context, taskID int64) (int64, bool, error) {
	val, err := s.rdb.Get(ctx, lockKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read lock for task %d: %w", taskID, err)
	}
	holder, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("lock for task %d holds unparseable agent id %q: %w", taskID, val, err)
	}
	return holder, true, nil
}

// ReleaseAssignment deletes the task lock and the agent's active-assignment
// pointer together.
func (s *Store) ReleaseAssignment(ctx context.Context, agentID, taskID int64) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, lockKey(taskID))
	pipe.Del(ctx, activeKey(agentID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to release assignment of task %d: %w", taskID, err)
	}
	return nil
}

// SetActiveAssignment stores the agent's current assignment payload (JSON)
// with the lock TTL.
func (s *Store) SetActiveAssignment(ctx context.Context, agentID int64, payload []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, activeKey(agentID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store active assignment for agent %d: %w", agentID, err)
	}
	return nil
}

// ActiveAssignment returns the agent's current assignment payload, or nil
// when the agent holds none.
func (s *Store) ActiveAssignment(ctx context.Context, agentID int64) ([]byte, error) {
	val, err := s.rdb.Get(ctx, activeKey(agentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read active assignment for agent %d: %w", agentID, err)
	}
	return val, nil
}

// SetSkipCooldown suppresses the task for this agent for the cooldown window.
func (s *Store) SetSkipCooldown(ctx context.Context, agentID, taskID int64, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, skipKey(taskID, agentID), "skipped", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set skip cooldown for task %d: %w", taskID, err)
	}
	return nil
}

// HasSkipCooldown reports whether the agent's cooldown for the task is live.
func (s *Store) HasSkipCooldown(ctx context.Context, agentID, taskID int64) (bool, error) {
	n, err := s.rdb.Exists(ctx, skipKey(taskID, agentID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check skip cooldown for task %d: %w", taskID, err)
	}
	return n > 0, nil
}

// incrGlobalSkipScript bumps the per-task skip counter and arms the window
// TTL on the first increment, atomically.
//
// ARGV[1] = window TTL in seconds.
var incrGlobalSkipScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// IncrGlobalSkips increments the task's global skip counter, setting the
// window TTL when the counter is born, and returns the new count.
func (s *Store) IncrGlobalSkips(ctx context.Context, taskID int64, window time.Duration) (int64, error) {
	count, err := incrGlobalSkipScript.Run(ctx, s.rdb,
		[]string{globalSkipKey(taskID)},
		int(window.Seconds()),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment global skips for task %d: %w", taskID, err)
	}
	return count, nil
}

// GlobalSkipCount returns the task's current global skip count (0 when the
// counter does not exist).
func (s *Store) GlobalSkipCount(ctx context.Context, taskID int64) (int64, error) {
	val, err := s.rdb.Get(ctx, globalSkipKey(taskID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read global skips for task %d: %w", taskID, err)
	}
	return val, nil
}
