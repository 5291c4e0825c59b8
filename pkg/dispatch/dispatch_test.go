package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzsystem/dispatch/pkg/config"
	"github.com/tzsystem/dispatch/pkg/coord"
	"github.com/tzsystem/dispatch/pkg/labelstudio"
)

type fakeSource struct {
	mu        sync.Mutex
	unlabeled []int64
	listErr   error
	tasks     map[int64]*labelstudio.Task
	getErr    error
	submitErr error
	submitted map[int64]string
}

func (f *fakeSource) UnlabeledTaskIDs(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]int64(nil), f.unlabeled...), nil
}

func (f *fakeSource) GetTask(_ context.Context, taskID int64) (*labelstudio.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if task, ok := f.tasks[taskID]; ok {
		return task, nil
	}
	return nil, fmt.Errorf("unknown task %d", taskID)
}

func (f *fakeSource) SubmitAnnotation(_ context.Context, taskID int64, transcription string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	if f.submitted == nil {
		f.submitted = map[int64]string{}
	}
	f.submitted[taskID] = transcription
	return nil
}

type ledgerCall struct {
	op      string
	agentID int64
	taskID  int64
}

type fakeLedger struct {
	mu    sync.Mutex
	calls []ledgerCall
	fail  bool
}

func (f *fakeLedger) record(op string, agentID, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("ledger unavailable")
	}
	f.calls = append(f.calls, ledgerCall{op: op, agentID: agentID, taskID: taskID})
	return nil
}

func (f *fakeLedger) InsertAssignment(_ context.Context, agentID, taskID int64, _ *float64) error {
	return f.record("assign", agentID, taskID)
}

func (f *fakeLedger) CompleteSessions(_ context.Context, agentID, taskID int64, _ int, _ float64) (int, error) {
	if err := f.record("complete", agentID, taskID); err != nil {
		return 0, err
	}
	return 1, nil
}

func (f *fakeLedger) SkipSessions(_ context.Context, agentID, taskID int64, _ string) (int, error) {
	if err := f.record("skip", agentID, taskID); err != nil {
		return 0, err
	}
	return 1, nil
}

func (f *fakeLedger) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.op
	}
	return out
}

type fixture struct {
	mr     *miniredis.Miniredis
	store  *coord.Store
	source *fakeSource
	ledger *fakeLedger
	rec    *Reconciler
	engine *Engine
	proc   *Processor
}

func testConfig() *config.Config {
	return &config.Config{
		EarningsRatePerMinute: 0.45,
		ReconcileInterval:     30 * time.Second,
		ErrorBackoff:          60 * time.Second,
		LockTTL:               time.Hour,
		SkipCooldownTTL:       30 * time.Minute,
		GlobalSkipWindow:      24 * time.Hour,
		DisableThreshold:      5,
		MaxAssignAttempts:     50,
		RefillBatch:           10,
	}
}

func newFixture(t *testing.T, unlabeled ...int64) *fixture {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := coord.NewStoreFromClient(rdb)
	source := &fakeSource{unlabeled: unlabeled, tasks: map[int64]*labelstudio.Task{}}
	for _, id := range unlabeled {
		duration := 90.0
		source.tasks[id] = &labelstudio.Task{
			ID:   id,
			Data: labelstudio.TaskData{Audio: fmt.Sprintf("/data/media/%d.wav", id), Duration: &duration},
		}
	}

	ledger := &fakeLedger{}
	cfg := testConfig()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := NewReconciler(store, source, cfg.ReconcileInterval, cfg.ErrorBackoff, cfg.DisableThreshold, log)

	return &fixture{
		mr:     mr,
		store:  store,
		source: source,
		ledger: ledger,
		rec:    rec,
		engine: NewEngine(store, source, ledger, rec, cfg, log),
		proc:   NewProcessor(store, source, ledger, cfg, log),
	}
}

func TestReconcilerSync_BuildsQueueMinusCompleted(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	ctx := context.Background()

	require.NoError(t, f.store.MarkCompleted(ctx, 2))
	require.NoError(t, f.rec.Sync(ctx))

	list, err := f.mr.List("assignment_queue")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, list)

	stats := f.rec.Stats()
	assert.Equal(t, 2, stats.TotalUnlabeled)
	assert.Equal(t, 2, stats.Available)
	assert.Zero(t, stats.TotalLocked)
	assert.False(t, stats.LastSync.IsZero())
	assert.Equal(t, []int64{1, 3}, f.rec.Mirror())
}

func TestReconcilerSync_ExcludesDisabled(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()

	f.mr.Set("task:global_skips:1", "5")
	require.NoError(t, f.rec.Sync(ctx))

	list, err := f.mr.List("assignment_queue")
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, list)
}

func TestReconcilerSync_CountsLocked(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()

	f.mr.Set("task:locked:1", "9")
	require.NoError(t, f.rec.Sync(ctx))

	stats := f.rec.Stats()
	assert.Equal(t, 1, stats.TotalLocked)
	assert.Equal(t, 1, stats.Available)
}

func TestReconcilerSync_BackendFailureLeavesQueue(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	require.NoError(t, f.rec.Sync(ctx))
	f.source.listErr = errors.New("backend down")

	require.Error(t, f.rec.Sync(ctx))
	list, err := f.mr.List("assignment_queue")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, list)
}

func TestRequestTask_AssignsAndReplaysIdentically(t *testing.T) {
	f := newFixture(t, 101, 102)
	ctx := context.Background()
	require.NoError(t, f.rec.Sync(ctx))

	payload, err := f.engine.RequestTask(ctx, 7)
	require.NoError(t, err)

	var assignment TaskAssignment
	require.NoError(t, json.Unmarshal(payload, &assignment))
	assert.Equal(t, int64(101), assignment.TaskID)
	assert.Equal(t, "/api/audio/stream/101/7", assignment.AudioURL)
	require.NotNil(t, assignment.Duration)
	assert.Equal(t, 90.0, *assignment.Duration)

	holder, err := f.mr.Get("task:locked:101")
	require.NoError(t, err)
	assert.Equal(t, "7", holder)
	assert.Equal(t, []string{"assign"}, f.ledger.ops())

	// A second request while the assignment is active replays the exact
	// bytes and hands out nothing new.
	replay, err := f.engine.RequestTask(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte(payload), []byte(replay))
	assert.Equal(t, []string{"assign"}, f.ledger.ops())

	list, err := f.mr.List("assignment_queue")
	require.NoError(t, err)
	assert.Equal(t, []string{"102"}, list)
}

func TestRequestTask_TwoAgentsGetDistinctTasks(t *testing.T) {
	f := newFixture(t, 101, 102)
	ctx := context.Background()
	require.NoError(t, f.rec.Sync(ctx))

	first, err := f.engine.RequestTask(ctx, 1)
	require.NoError(t, err)
	second, err := f.engine.RequestTask(ctx, 2)
	require.NoError(t, err)

	var a, b TaskAssignment
	require.NoError(t, json.Unmarshal(first, &a))
	require.NoError(t, json.Unmarshal(second, &b))
	assert.NotEqual(t, a.TaskID, b.TaskID)
}

func TestRequestTask_EmptyQueueRefillsFromMirror(t *testing.T) {
	f := newFixture(t, 101)
	ctx := context.Background()
	require.NoError(t, f.rec.Sync(ctx))

	// Simulate a drained queue with the mirror still knowing about 101.
	f.mr.Del("assignment_queue")

	payload, err := f.engine.RequestTask(ctx, 7)
	require.NoError(t, err)
	var assignment TaskAssignment
	require.NoError(t, json.Unmarshal(payload, &assignment))
	assert.Equal(t, int64(101), assignment.TaskID)
}

func TestRequestTask_RefillSkipsCompleted(t *testing.T) {
	f := newFixture(t, 101, 102)
	ctx := context.Background()
	require.NoError(t, f.rec.Sync(ctx))

	f.mr.Del("assignment_queue")
	require.NoError(t, f.store.MarkCompleted(ctx, 101))

	payload, err := f.engine.RequestTask(ctx, 7)
	require.NoError(t, err)
	var assignment TaskAssignment
	require.NoError(t, json.Unmarshal(payload, &assignment))
	assert.Equal(t, int64(102), assignment.TaskID)
}

func TestRequestTask_NothingAnywhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.rec.Sync(ctx))

	_, err := f.engine.RequestTask(ctx, 7)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestRequestTask_AllOnCooldownExhaustsAttempts(t *testing.T) {
	f := newFixture(t, 101)
	ctx := context.Background()
	require.NoError(t, f.rec.Sync(ctx))
	require.NoError(t, f.store.SetSkipCooldown(ctx, 7, 101, 30*time.Minute))

	_, err := f.engine.RequestTask(ctx, 7)
	assert.ErrorIs(t, err, ErrNoEligibleTasks)

	// The task survived the cycling and stays available to others.
	list, err := f.mr.List("assignment_queue")
	require.NoError(t, err)
	assert.Equal(t, []string{"101"}, list)
}

func TestRequestTask_MetadataFailureStillAssigns(t *testing.T) {
	f := newFixture(t, 101)
	ctx := context.Background()
	require.NoError(t, f.rec.Sync(ctx))
	f.source.getErr = errors.New("backend down")

	payload, err := f.engine.RequestTask(ctx, 7)
	require.NoError(t, err)

	var assignment TaskAssignment
	require.NoError(t, json.Unmarshal(payload, &assignment))
	assert.Equal(t, int64(101), assignment.TaskID)
	assert.Nil(t, assignment.Duration)
	assert.True(t, f.mr.Exists("task:locked:101"))
}

func TestRequestTask_LedgerFailureDoesNotLoseAssignment(t *testing.T) {
	f := newFixture(t, 101)
	ctx := context.Background()
	require.NoError(t, f.rec.Sync(ctx))
	f.ledger.fail = true

	payload, err := f.engine.RequestTask(ctx, 7)
	require.NoError(t, err)
	assert.NotEmpty(t, payload)
	assert.True(t, f.mr.Exists("task:locked:101"))
}

func TestSubmit_CompletesAndSettles(t *testing.T) {
	f := newFixture(t, 101, 102)
	ctx := context.Background()
	require.NoError(t, f.rec.Sync(ctx))

	_, err := f.engine.RequestTask(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, f.proc.Submit(ctx, 7, 101, "hello world"))

	assert.Equal(t, "hello world", f.source.submitted[101])
	assert.False(t, f.mr.Exists("task:locked:101"))
	assert.False(t, f.mr.Exists("agent:active:7"))
	assert.Equal(t, []string{"assign", "complete"}, f.ledger.ops())

	completed, err := f.store.CompletedTasks(ctx)
	require.NoError(t, err)
	assert.True(t, completed[101])

	// The agent can immediately take the next task.
	payload, err := f.engine.RequestTask(ctx, 7)
	require.NoError(t, err)
	var next TaskAssignment
	require.NoError(t, json.Unmarshal(payload, &next))
	assert.Equal(t, int64(102), next.TaskID)
}

func TestSubmit_RejectsNonHolder(t *testing.T) {
	f := newFixture(t, 101)
	ctx := context.Background()
	require.NoError(t, f.rec.Sync(ctx))

	_, err := f.engine.RequestTask(ctx, 7)
	require.NoError(t, err)

	err = f.proc.Submit(ctx, 8, 101, "not mine")
	assert.ErrorIs(t, err, ErrNotHolder)
	assert.True(t, f.mr.Exists("task:locked:101"))
}

func TestSubmit_UpstreamFailureKeepsLock(t *testing.T) {
	f := newFixture(t, 101)
	ctx := context.Background()
	require.NoError(t, f.rec.Sync(ctx))

	_, err := f.engine.RequestTask(ctx, 7)
	require.NoError(t, err)
	f.source.submitErr = errors.New("503")

	err = f.proc.Submit(ctx, 7, 101, "hello")
	assert.ErrorIs(t, err, ErrUpstream)

	// Lock survives so the agent can retry; nothing was settled.
	assert.True(t, f.mr.Exists("task:locked:101"))
	assert.Equal(t, []string{"assign"}, f.ledger.ops())
	completed, err := f.store.CompletedTasks(ctx)
	require.NoError(t, err)
	assert.False(t, completed[101])
}

func TestSkip_CoolsDownAndReleases(t *testing.T) {
	f := newFixture(t, 101)
	ctx := context.Background()
	require.NoError(t, f.rec.Sync(ctx))

	_, err := f.engine.RequestTask(ctx, 7)
	require.NoError(t, err)

	result, err := f.proc.Skip(ctx, 7, 101, "too noisy")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.SkipCount)
	assert.False(t, result.Disabled)

	assert.True(t, f.mr.Exists("task:skipped:101:7"))
	assert.Equal(t, 30*time.Minute, f.mr.TTL("task:skipped:101:7"))
	assert.False(t, f.mr.Exists("task:locked:101"))
	assert.False(t, f.mr.Exists("agent:active:7"))
	assert.Equal(t, []string{"assign", "skip"}, f.ledger.ops())

	// The skipping agent cannot get the task back while cooled down.
	require.NoError(t, f.store.PushBack(ctx, []int64{101}))
	_, err = f.engine.RequestTask(ctx, 7)
	assert.ErrorIs(t, err, ErrNoEligibleTasks)

	// Another agent can.
	payload, err := f.engine.RequestTask(ctx, 8)
	require.NoError(t, err)
	var assignment TaskAssignment
	require.NoError(t, json.Unmarshal(payload, &assignment))
	assert.Equal(t, int64(101), assignment.TaskID)
}

func TestSkip_FifthSkipDisables(t *testing.T) {
	f := newFixture(t, 101)
	ctx := context.Background()
	require.NoError(t, f.rec.Sync(ctx))

	f.mr.Set("task:global_skips:101", "4")

	_, err := f.engine.RequestTask(ctx, 7)
	require.NoError(t, err)

	result, err := f.proc.Skip(ctx, 7, 101, "unintelligible")
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.SkipCount)
	assert.True(t, result.Disabled)

	// Once disabled, the pop script drops it for everyone.
	require.NoError(t, f.store.PushBack(ctx, []int64{101}))
	_, err = f.engine.RequestTask(ctx, 8)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestSkip_RejectsNonHolder(t *testing.T) {
	f := newFixture(t, 101)
	ctx := context.Background()
	require.NoError(t, f.rec.Sync(ctx))

	_, err := f.proc.Skip(ctx, 7, 101, "never assigned")
	assert.ErrorIs(t, err, ErrNotHolder)
}

func TestAvailableForAgent(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	ctx := context.Background()
	require.NoError(t, f.rec.Sync(ctx))

	f.mr.Set("task:locked:1", "9")
	require.NoError(t, f.store.SetSkipCooldown(ctx, 7, 2, 30*time.Minute))

	count, err := f.engine.AvailableForAgent(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The cooldown is per agent.
	count, err = f.engine.AvailableForAgent(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
