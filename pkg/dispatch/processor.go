package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tzsystem/dispatch/pkg/config"
	"github.com/tzsystem/dispatch/pkg/coord"
)

// Processor handles the two ways an assignment ends: submission and skip.
type Processor struct {
	store  *coord.Store
	source TaskSource
	ledger Ledger
	cfg    *config.Config
	log    *slog.Logger
}

// NewProcessor creates a submission/skip processor.
func NewProcessor(store *coord.Store, source TaskSource, ledger Ledger, cfg *config.Config, log *slog.Logger) *Processor {
	return &Processor{
		store:  store,
		source: source,
		ledger: ledger,
		cfg:    cfg,
		log:    log,
	}
}

// Submit forwards the transcription to the labeling backend, then settles
// local state. The upstream write goes first: if the backend rejects the
// annotation the lock stays held and the agent can retry. Ledger failures
// after a successful upstream write are logged, not surfaced; the
// annotation is already durable upstream.
func (p *Processor) Submit(ctx context.Context, agentID, taskID int64, transcription string) error {
	if err := p.requireHolder(ctx, agentID, taskID); err != nil {
		return err
	}

	if err := p.source.SubmitAnnotation(ctx, taskID, transcription); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	flipped, err := p.ledger.CompleteSessions(ctx, agentID, taskID, len(transcription), p.cfg.EarningsRatePerMinute)
	if err != nil {
		p.log.Error("ledger completion failed", "agent_id", agentID, "task_id", taskID, "error", err)
	} else if flipped > 1 {
		p.log.Warn("completed duplicate sessions", "agent_id", agentID, "task_id", taskID, "count", flipped)
	}

	if err := p.store.ReleaseAssignment(ctx, agentID, taskID); err != nil {
		return err
	}
	if err := p.store.RemoveFromQueue(ctx, taskID); err != nil {
		return err
	}
	if err := p.store.MarkCompleted(ctx, taskID); err != nil {
		return err
	}

	if err := p.store.AuditCompletion(ctx, agentID, taskID, len(transcription)); err != nil {
		p.log.Error("completion audit failed", "agent_id", agentID, "task_id", taskID, "error", err)
	}

	p.log.Info("task completed", "agent_id", agentID, "task_id", taskID, "transcription_length", len(transcription))
	return nil
}

// SkipResult reports where the task's global skip counter landed.
type SkipResult struct {
	SkipCount int64 `json:"skip_count"`
	Disabled  bool  `json:"task_disabled"`
}

// Skip records the agent's refusal: a per-agent cooldown so the task is not
// re-offered to them soon, a bump of the task's global skip counter, and
// release of the lock. The task stays in rotation for other agents until
// the global counter disables it.
func (p *Processor) Skip(ctx context.Context, agentID, taskID int64, reason string) (SkipResult, error) {
	if err := p.requireHolder(ctx, agentID, taskID); err != nil {
		return SkipResult{}, err
	}

	if err := p.store.SetSkipCooldown(ctx, agentID, taskID, p.cfg.SkipCooldownTTL); err != nil {
		return SkipResult{}, err
	}

	count, err := p.store.IncrGlobalSkips(ctx, taskID, p.cfg.GlobalSkipWindow)
	if err != nil {
		return SkipResult{}, err
	}

	if _, err := p.ledger.SkipSessions(ctx, agentID, taskID, reason); err != nil {
		p.log.Error("ledger skip failed", "agent_id", agentID, "task_id", taskID, "error", err)
	}

	if err := p.store.ReleaseAssignment(ctx, agentID, taskID); err != nil {
		return SkipResult{}, err
	}

	if err := p.store.AuditSkip(ctx, agentID, taskID, reason); err != nil {
		p.log.Error("skip audit failed", "agent_id", agentID, "task_id", taskID, "error", err)
	}

	result := SkipResult{
		SkipCount: count,
		Disabled:  count >= int64(p.cfg.DisableThreshold),
	}
	p.log.Info("task skipped",
		"agent_id", agentID,
		"task_id", taskID,
		"skip_count", count,
		"task_disabled", result.Disabled)
	return result, nil
}

func (p *Processor) requireHolder(ctx context.Context, agentID, taskID int64) error {
	holder, held, err := p.store.LockHolder(ctx, taskID)
	if err != nil {
		return err
	}
	if !held || holder != agentID {
		return fmt.Errorf("%w: task %d, agent %d", ErrNotHolder, taskID, agentID)
	}
	return nil
}
