package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Audit entries are JSON strings left-pushed onto per-event lists. They are
// best-effort breadcrumbs, not the ledger; callers treat failures as
// non-fatal.

type assignmentAudit struct {
	AgentID    int64  `json:"agent_id"`
	TaskID     int64  `json:"task_id"`
	AssignedAt string `json:"assigned_at"`
}

type completionAudit struct {
	AgentID             int64  `json:"agent_id"`
	TaskID              int64  `json:"task_id"`
	CompletedAt         string `json:"completed_at"`
	TranscriptionLength int    `json:"transcription_length"`
}

type skipAudit struct {
	AgentID   int64  `json:"agent_id"`
	TaskID    int64  `json:"task_id"`
	SkippedAt string `json:"skipped_at"`
	Reason    string `json:"reason"`
}

type audioAccessAudit struct {
	AgentID    int64  `json:"agent_id"`
	TaskID     int64  `json:"task_id"`
	AccessedAt string `json:"accessed_at"`
	FilePath   string `json:"file_path"`
}

// AuditAssignment records a successful task assignment.
func (s *Store) AuditAssignment(ctx context.Context, agentID, taskID int64) error {
	return s.pushAudit(ctx, auditAssignmentsKey, assignmentAudit{
		AgentID:    agentID,
		TaskID:     taskID,
		AssignedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// AuditCompletion records a successful transcription submit.
func (s *Store) AuditCompletion(ctx context.Context, agentID, taskID int64, transcriptionLen int) error {
	return s.pushAudit(ctx, auditCompletionsKey, completionAudit{
		AgentID:             agentID,
		TaskID:              taskID,
		CompletedAt:         time.Now().UTC().Format(time.RFC3339),
		TranscriptionLength: transcriptionLen,
	})
}

// AuditSkip records a skip with its reason.
func (s *Store) AuditSkip(ctx context.Context, agentID, taskID int64, reason string) error {
	return s.pushAudit(ctx, auditSkipsKey, skipAudit{
		AgentID:   agentID,
		TaskID:    taskID,
		SkippedAt: time.Now().UTC().Format(time.RFC3339),
		Reason:    reason,
	})
}

// AuditAudioAccess records an audio stream served to an agent.
func (s *Store) AuditAudioAccess(ctx context.Context, agentID, taskID int64, filePath string) error {
	return s.pushAudit(ctx, auditAudioKey, audioAccessAudit{
		AgentID:    agentID,
		TaskID:     taskID,
		AccessedAt: time.Now().UTC().Format(time.RFC3339),
		FilePath:   filePath,
	})
}

func (s *Store) pushAudit(ctx context.Context, key string, entry any) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if err := s.rdb.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("failed to push audit entry to %s: %w", key, err)
	}
	return nil
}

// taskIDFromPayload extracts the task_id field from a stored assignment
// payload without binding this package to the engine's assignment type.
func taskIDFromPayload(payload []byte) (int64, bool) {
	var probe struct {
		TaskID int64 `json:"task_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return 0, false
	}
	return probe.TaskID, true
}
