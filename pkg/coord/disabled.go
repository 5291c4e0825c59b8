package coord

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DisabledTask pairs a task id with its current global skip count.
type DisabledTask struct {
	TaskID    int64 `json:"task_id"`
	SkipCount int64 `json:"skip_count"`
}

// DisabledTasks scans the global-skip counters and returns the tasks whose
// count has reached the disable threshold, sorted by task id.
func (s *Store) DisabledTasks(ctx context.Context, threshold int) ([]DisabledTask, error) {
	var disabled []DisabledTask

	iter := s.rdb.Scan(ctx, 0, globalSkipKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		count, err := s.rdb.Get(ctx, key).Int64()
		if err != nil {
			// Key may have expired between SCAN and GET.
			continue
		}
		if count < int64(threshold) {
			continue
		}
		taskID, err := strconv.ParseInt(key[strings.LastIndex(key, ":")+1:], 10, 64)
		if err != nil {
			continue
		}
		disabled = append(disabled, DisabledTask{TaskID: taskID, SkipCount: count})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan global-skip counters: %w", err)
	}

	sort.Slice(disabled, func(i, j int) bool { return disabled[i].TaskID < disabled[j].TaskID })
	return disabled, nil
}

// ResetGlobalSkips deletes every global-skip counter regardless of its value
// and returns the task ids whose counters were cleared.
func (s *Store) ResetGlobalSkips(ctx context.Context) ([]int64, error) {
	var restored []int64

	iter := s.rdb.Scan(ctx, 0, globalSkipKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return nil, fmt.Errorf("failed to delete %s: %w", key, err)
		}
		taskID, err := strconv.ParseInt(key[strings.LastIndex(key, ":")+1:], 10, 64)
		if err != nil {
			continue
		}
		restored = append(restored, taskID)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan global-skip counters: %w", err)
	}

	sort.Slice(restored, func(i, j int) bool { return restored[i] < restored[j] })
	return restored, nil
}

// ActiveSession pairs an agent with the task it currently holds.
type ActiveSession struct {
	AgentID int64 `json:"agent_id"`
	TaskID  int64 `json:"task_id"`
}

// ActiveSessions scans the active-assignment pointers and returns every
// agent currently holding a task.
func (s *Store) ActiveSessions(ctx context.Context) ([]ActiveSession, error) {
	var sessions []ActiveSession

	iter := s.rdb.Scan(ctx, 0, activeKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		agentID, err := strconv.ParseInt(key[strings.LastIndex(key, ":")+1:], 10, 64)
		if err != nil {
			continue
		}
		payload, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		taskID, ok := taskIDFromPayload(payload)
		if !ok {
			continue
		}
		sessions = append(sessions, ActiveSession{AgentID: agentID, TaskID: taskID})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan active assignments: %w", err)
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].AgentID < sessions[j].AgentID })
	return sessions, nil
}
