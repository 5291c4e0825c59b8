// Package dispatch implements task assignment: the queue reconciler, the
// assignment engine that hands tasks to agents, and the processor that
// handles submissions and skips.
package dispatch

import (
	"context"
	"errors"

	"github.com/tzsystem/dispatch/pkg/labelstudio"
)

// Sentinel errors the API layer maps to HTTP statuses.
var (
	// ErrQueueEmpty means the assignment queue has no tasks at all.
	ErrQueueEmpty = errors.New("no tasks available in assignment queue")
	// ErrNoEligibleTasks means tasks exist but every candidate was locked
	// or on skip cooldown for this agent.
	ErrNoEligibleTasks = errors.New("no eligible tasks for agent")
	// ErrNotHolder means the agent does not hold the lock on the task.
	ErrNotHolder = errors.New("task is not assigned to this agent")
	// ErrUpstream means the labeling backend rejected or failed an operation.
	ErrUpstream = errors.New("labeling backend error")
)

// TaskAssignment is the payload handed to an agent. The same bytes are
// cached as the agent's active assignment so repeated requests are
// idempotent.
type TaskAssignment struct {
	TaskID   int64          `json:"task_id"`
	AudioURL string         `json:"audio_url"`
	Duration *float64       `json:"duration"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskSource is the labeling backend surface the dispatcher needs.
type TaskSource interface {
	UnlabeledTaskIDs(ctx context.Context) ([]int64, error)
	GetTask(ctx context.Context, taskID int64) (*labelstudio.Task, error)
	SubmitAnnotation(ctx context.Context, taskID int64, transcription string) error
}

// Ledger is the durable session ledger surface the dispatcher needs.
type Ledger interface {
	InsertAssignment(ctx context.Context, agentID, taskID int64, durationSeconds *float64) error
	CompleteSessions(ctx context.Context, agentID, taskID int64, transcriptionLen int, ratePerMinute float64) (int, error)
	SkipSessions(ctx context.Context, agentID, taskID int64, reason string) (int, error)
}
