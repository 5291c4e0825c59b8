package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tzsystem/dispatch/pkg/config"
	"github.com/tzsystem/dispatch/pkg/coord"
)

// Engine assigns tasks to agents. Assignment is idempotent per agent: while
// an agent holds an active assignment, requesting again replays the cached
// payload instead of handing out a second task.
type Engine struct {
	store  *coord.Store
	source TaskSource
	ledger Ledger
	rec    *Reconciler
	cfg    *config.Config
	log    *slog.Logger
}

// NewEngine creates an assignment engine.
func NewEngine(store *coord.Store, source TaskSource, ledger Ledger, rec *Reconciler, cfg *config.Config, log *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		source: source,
		ledger: ledger,
		rec:    rec,
		cfg:    cfg,
		log:    log,
	}
}

// RequestTask pops the next eligible task for the agent, locks it, and
// returns the assignment payload. Tasks on this agent's skip cooldown or
// locked by someone else are cycled to the queue tail and retried, up to
// MaxAssignAttempts. The returned bytes are exactly what a replayed request
// for the same active assignment would return.
func (e *Engine) RequestTask(ctx context.Context, agentID int64) (json.RawMessage, error) {
	if payload, err := e.store.ActiveAssignment(ctx, agentID); err != nil {
		return nil, err
	} else if payload != nil {
		e.log.Info("replaying active assignment", "agent_id", agentID)
		return payload, nil
	}

	emptySeen := 0
	for attempt := 0; attempt < e.cfg.MaxAssignAttempts; attempt++ {
		res, err := e.store.PopAndLock(ctx, agentID, e.cfg.DisableThreshold, e.cfg.LockTTL)
		if err != nil {
			return nil, err
		}

		switch res.Outcome {
		case coord.PopAssigned:
			return e.finalizeAssignment(ctx, agentID, res.TaskID)

		case coord.PopEmpty:
			// First refill cheaply from the mirror, then pay for a full
			// resync, then give up.
			emptySeen++
			switch emptySeen {
			case 1:
				if err := e.refillFromMirror(ctx); err != nil {
					e.log.Error("queue refill failed", "error", err)
				}
			case 2:
				if err := e.rec.Sync(ctx); err != nil {
					e.log.Error("on-demand queue sync failed", "error", err)
				}
			default:
				return nil, ErrQueueEmpty
			}

		case coord.PopSkipped, coord.PopLocked:
			// Cycled to the tail by the pop script; try the next one.

		case coord.PopDisabled:
			e.log.Info("dropped globally skipped task", "task_id", res.TaskID)
		}
	}

	return nil, fmt.Errorf("%w %d", ErrNoEligibleTasks, agentID)
}

func (e *Engine) finalizeAssignment(ctx context.Context, agentID, taskID int64) (json.RawMessage, error) {
	assignment := TaskAssignment{
		TaskID:   taskID,
		AudioURL: fmt.Sprintf("/api/audio/stream/%d/%d", taskID, agentID),
	}

	// Task metadata is best-effort; a backend hiccup must not lose the lock
	// we already hold.
	if task, err := e.source.GetTask(ctx, taskID); err != nil {
		e.log.Warn("task metadata fetch failed", "task_id", taskID, "error", err)
	} else {
		assignment.Duration = task.Data.Duration
		assignment.Metadata = task.Data.Metadata
	}

	payload, err := json.Marshal(assignment)
	if err != nil {
		return nil, fmt.Errorf("marshal assignment: %w", err)
	}

	if err := e.store.SetActiveAssignment(ctx, agentID, payload, e.cfg.LockTTL); err != nil {
		return nil, err
	}

	if err := e.ledger.InsertAssignment(ctx, agentID, taskID, assignment.Duration); err != nil {
		e.log.Error("ledger insert failed", "agent_id", agentID, "task_id", taskID, "error", err)
	}
	if err := e.store.AuditAssignment(ctx, agentID, taskID); err != nil {
		e.log.Error("assignment audit failed", "agent_id", agentID, "task_id", taskID, "error", err)
	}

	e.log.Info("task assigned", "agent_id", agentID, "task_id", taskID)
	return payload, nil
}

// refillFromMirror tops the empty queue up from the reconciler's mirror,
// skipping tasks completed since the last sync. It may push nothing; the
// caller falls back to a full resync.
func (e *Engine) refillFromMirror(ctx context.Context) error {
	mirror := e.rec.Mirror()
	if len(mirror) == 0 {
		return nil
	}

	completed, err := e.store.CompletedTasks(ctx)
	if err != nil {
		return err
	}

	batch := make([]int64, 0, e.cfg.RefillBatch)
	for _, id := range mirror {
		if completed[id] {
			continue
		}
		batch = append(batch, id)
		if len(batch) == e.cfg.RefillBatch {
			break
		}
	}
	if len(batch) == 0 {
		return nil
	}

	e.log.Info("refilling queue from mirror", "count", len(batch))
	return e.store.PushBack(ctx, batch)
}

// AvailableForAgent counts queued tasks this agent could actually be
// assigned right now: not locked and not on the agent's skip cooldown.
func (e *Engine) AvailableForAgent(ctx context.Context, agentID int64) (int, error) {
	ids, err := e.store.Queue(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		if _, held, err := e.store.LockHolder(ctx, id); err != nil {
			return 0, err
		} else if held {
			continue
		}
		if onCooldown, err := e.store.HasSkipCooldown(ctx, agentID, id); err != nil {
			return 0, err
		} else if onCooldown {
			continue
		}
		count++
	}
	return count, nil
}
