package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tzsystem/dispatch/pkg/coord"
)

// QueueStats is a snapshot of the queue taken at the last reconcile.
type QueueStats struct {
	TotalUnlabeled int       `json:"total_unlabeled"`
	TotalLocked    int       `json:"total_locked"`
	Available      int       `json:"available"`
	LastSync       time.Time `json:"last_sync"`
}

// Reconciler periodically rebuilds the assignment queue from the labeling
// backend's unlabeled tasks, minus the ones already recorded as completed.
// It also keeps an in-memory mirror of the pending task ids for cheap
// refills and stats.
type Reconciler struct {
	store            *coord.Store
	source           TaskSource
	interval         time.Duration
	backoff          time.Duration
	disableThreshold int
	log              *slog.Logger

	syncing atomic.Bool

	mu     sync.RWMutex
	mirror []int64
	stats  QueueStats
}

// NewReconciler creates a reconciler. Call Sync once at startup, then Start
// for the background loop.
func NewReconciler(store *coord.Store, source TaskSource, interval, backoff time.Duration, disableThreshold int, log *slog.Logger) *Reconciler {
	return &Reconciler{
		store:            store,
		source:           source,
		interval:         interval,
		backoff:          backoff,
		disableThreshold: disableThreshold,
		log:              log,
	}
}

// Sync rebuilds the queue once. Concurrent calls collapse into one; the
// losers return immediately without error.
func (r *Reconciler) Sync(ctx context.Context) error {
	if !r.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer r.syncing.Store(false)

	unlabeled, err := r.source.UnlabeledTaskIDs(ctx)
	if err != nil {
		return fmt.Errorf("list unlabeled tasks: %w", err)
	}

	completed, err := r.store.CompletedTasks(ctx)
	if err != nil {
		return fmt.Errorf("load completed set: %w", err)
	}

	disabledTasks, err := r.store.DisabledTasks(ctx, r.disableThreshold)
	if err != nil {
		return fmt.Errorf("load disabled tasks: %w", err)
	}
	disabled := make(map[int64]bool, len(disabledTasks))
	for _, d := range disabledTasks {
		disabled[d.TaskID] = true
	}

	pending := make([]int64, 0, len(unlabeled))
	for _, id := range unlabeled {
		if !completed[id] && !disabled[id] {
			pending = append(pending, id)
		}
	}

	if err := r.store.ReplaceQueue(ctx, pending); err != nil {
		return fmt.Errorf("rebuild queue: %w", err)
	}

	locked, err := r.store.CountLocked(ctx, pending)
	if err != nil {
		return fmt.Errorf("count locked tasks: %w", err)
	}

	r.mu.Lock()
	r.mirror = pending
	r.stats = QueueStats{
		TotalUnlabeled: len(pending),
		TotalLocked:    locked,
		Available:      len(pending) - locked,
		LastSync:       time.Now().UTC(),
	}
	r.mu.Unlock()

	r.log.Info("queue reconciled",
		"unlabeled", len(unlabeled),
		"pending", len(pending),
		"locked", locked)
	return nil
}

// Start runs the reconcile loop until ctx is cancelled. Failed syncs back
// off before retrying.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		delay := r.interval
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			if err := r.Sync(ctx); err != nil {
				r.log.Error("queue reconcile failed", "error", err)
				delay = r.backoff
			} else {
				delay = r.interval
			}
		}
	}()
}

// Stats returns the snapshot from the last successful sync.
func (r *Reconciler) Stats() QueueStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// Mirror returns a copy of the pending task ids from the last sync.
func (r *Reconciler) Mirror() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, len(r.mirror))
	copy(out, r.mirror)
	return out
}
