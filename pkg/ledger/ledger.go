// Package ledger is the durable session ledger: one row per assignment
// attempt plus cumulative per-agent aggregates. It is eventually consistent
// with the coordination store by design; nothing here reflects this-instant
// lock state.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session statuses. A session is born 'assigned' and transitions once.
const (
	StatusAssigned  = "assigned"
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("ledger: not found")

// Session is one row of the transcription_sessions table.
type Session struct {
	ID                  int64
	AgentID             int64
	TaskID              int64
	AssignedAt          time.Time
	CompletedAt         *time.Time
	DurationSeconds     *float64
	Status              string
	TranscriptionLength *int
	SkipReason          *string
}

// AgentStats is the cumulative rollup for one agent.
type AgentStats struct {
	AgentID              int64      `json:"agent_id"`
	TotalDurationSeconds float64    `json:"total_duration_seconds"`
	TotalTasksCompleted  int        `json:"total_tasks_completed"`
	TotalTasksSkipped    int        `json:"total_tasks_skipped"`
	TotalEarnings        float64    `json:"total_earnings"`
	LastActive           *time.Time `json:"last_active"`
}

// Store provides ledger reads and writes over a SQL connection pool.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertAssignment records a new 'assigned' session and touches the agent's
// last_active, creating the aggregate row if this is the agent's first
// appearance.
func (s *Store) InsertAssignment(ctx context.Context, agentID, taskID int64, durationSeconds *float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin assignment tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transcription_sessions (agent_id, task_id, assigned_at, duration_seconds, status)
		VALUES ($1, $2, now(), $3, $4)`,
		agentID, taskID, durationSeconds, StatusAssigned)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if err := touchAgent(ctx, tx, agentID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assignment tx: %w", err)
	}
	return nil
}

// CompleteSessions flips every 'assigned' session for (agent, task) to
// 'completed' and bumps the agent's aggregates once. Duplicate assigned rows
// from earlier retries are all flipped together; the returned count lets the
// caller log when that happens. Earnings are durationSeconds/60 times the
// configured per-minute rate.
func (s *Store) CompleteSessions(ctx context.Context, agentID, taskID int64, transcriptionLen int, ratePerMinute float64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin completion tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE transcription_sessions
		SET status = $1, completed_at = now(), transcription_length = $2
		WHERE agent_id = $3 AND task_id = $4 AND status = $5
		RETURNING duration_seconds`,
		StatusCompleted, transcriptionLen, agentID, taskID, StatusAssigned)
	if err != nil {
		return 0, fmt.Errorf("flip sessions to completed: %w", err)
	}

	flipped := 0
	var duration float64
	for rows.Next() {
		var d sql.NullFloat64
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan flipped session: %w", err)
		}
		if d.Valid {
			duration = d.Float64
		}
		flipped++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate flipped sessions: %w", err)
	}

	if flipped > 0 {
		earnings := duration / 60 * ratePerMinute
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agent_stats (agent_id, total_duration_seconds, total_tasks_completed, total_earnings, last_active, updated_at)
			VALUES ($1, $2, 1, $3, now(), now())
			ON CONFLICT (agent_id) DO UPDATE SET
				total_tasks_completed = agent_stats.total_tasks_completed + 1,
				total_duration_seconds = agent_stats.total_duration_seconds + EXCLUDED.total_duration_seconds,
				total_earnings = agent_stats.total_earnings + EXCLUDED.total_earnings,
				last_active = now(),
				updated_at = now()`,
			agentID, duration, earnings)
		if err != nil {
			return 0, fmt.Errorf("bump completion aggregates: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit completion tx: %w", err)
	}
	return flipped, nil
}

// SkipSessions flips every 'assigned' session for (agent, task) to 'skipped'
// with the given reason and bumps the skip aggregate once.
func (s *Store) SkipSessions(ctx context.Context, agentID, taskID int64, reason string) (int, error) {
	if reason == "" {
		reason = "No reason provided"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin skip tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE transcription_sessions
		SET status = $1, skip_reason = $2
		WHERE agent_id = $3 AND task_id = $4 AND status = $5`,
		StatusSkipped, reason, agentID, taskID, StatusAssigned)
	if err != nil {
		return 0, fmt.Errorf("flip sessions to skipped: %w", err)
	}
	flipped64, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count flipped sessions: %w", err)
	}
	flipped := int(flipped64)

	if flipped > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agent_stats (agent_id, total_tasks_skipped, last_active, updated_at)
			VALUES ($1, 1, now(), now())
			ON CONFLICT (agent_id) DO UPDATE SET
				total_tasks_skipped = agent_stats.total_tasks_skipped + 1,
				last_active = now(),
				updated_at = now()`,
			agentID)
		if err != nil {
			return 0, fmt.Errorf("bump skip aggregates: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit skip tx: %w", err)
	}
	return flipped, nil
}

// AgentStats returns the agent's aggregate row, creating a zeroed row on
// first sight so callers always get a stable shape.
func (s *Store) AgentStats(ctx context.Context, agentID int64) (*AgentStats, error) {
	stats := &AgentStats{AgentID: agentID}

	var lastActive sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT total_duration_seconds, total_tasks_completed, total_tasks_skipped, total_earnings, last_active
		FROM agent_stats WHERE agent_id = $1`, agentID).
		Scan(&stats.TotalDurationSeconds, &stats.TotalTasksCompleted,
			&stats.TotalTasksSkipped, &stats.TotalEarnings, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO agent_stats (agent_id) VALUES ($1)
			ON CONFLICT (agent_id) DO NOTHING`, agentID)
		if err != nil {
			return nil, fmt.Errorf("create agent stats row: %w", err)
		}
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agent stats: %w", err)
	}
	if lastActive.Valid {
		stats.LastActive = &lastActive.Time
	}
	return stats, nil
}

// CompletedToday counts the agent's sessions completed since UTC midnight.
func (s *Store) CompletedToday(ctx context.Context, agentID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM transcription_sessions
		WHERE agent_id = $1 AND status = $2
		AND completed_at >= date_trunc('day', now() AT TIME ZONE 'UTC') AT TIME ZONE 'UTC'`,
		agentID, StatusCompleted).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count today's completions: %w", err)
	}
	return count, nil
}

// TopPerformers returns up to limit agents with at least one completion,
// ordered by completed count descending.
func (s *Store) TopPerformers(ctx context.Context, limit int) ([]AgentStats, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, total_duration_seconds, total_tasks_completed, total_tasks_skipped, total_earnings, last_active
		FROM agent_stats
		WHERE total_tasks_completed > 0
		ORDER BY total_tasks_completed DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top performers: %w", err)
	}
	defer rows.Close()

	var performers []AgentStats
	for rows.Next() {
		var stats AgentStats
		var lastActive sql.NullTime
		if err := rows.Scan(&stats.AgentID, &stats.TotalDurationSeconds,
			&stats.TotalTasksCompleted, &stats.TotalTasksSkipped,
			&stats.TotalEarnings, &lastActive); err != nil {
			return nil, fmt.Errorf("scan top performer: %w", err)
		}
		if lastActive.Valid {
			stats.LastActive = &lastActive.Time
		}
		performers = append(performers, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top performers: %w", err)
	}
	return performers, nil
}

// TodayActivity summarizes ledger activity since UTC midnight.
type TodayActivity struct {
	Assigned        int     `json:"assigned"`
	Completed       int     `json:"completed"`
	Skipped         int     `json:"skipped"`
	DurationSeconds float64 `json:"duration_seconds"`
	UniqueAgents    int     `json:"unique_agents"`
}

// TodayStats aggregates today's sessions for the live-stats endpoint.
func (s *Store) TodayStats(ctx context.Context) (*TodayActivity, error) {
	var activity TodayActivity
	err := s.db.QueryRowContext(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = $1),
			count(*) FILTER (WHERE status = $2),
			COALESCE(sum(duration_seconds) FILTER (WHERE status = $1), 0),
			count(DISTINCT agent_id)
		FROM transcription_sessions
		WHERE assigned_at >= date_trunc('day', now() AT TIME ZONE 'UTC') AT TIME ZONE 'UTC'`,
		StatusCompleted, StatusSkipped).
		Scan(&activity.Assigned, &activity.Completed, &activity.Skipped,
			&activity.DurationSeconds, &activity.UniqueAgents)
	if err != nil {
		return nil, fmt.Errorf("aggregate today's activity: %w", err)
	}
	return &activity, nil
}

// SessionsFor returns every ledger row for (agent, task), newest first.
// Used by tests and the maintenance tooling.
func (s *Store) SessionsFor(ctx context.Context, agentID, taskID int64) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, task_id, assigned_at, completed_at, duration_seconds, status, transcription_length, skip_reason
		FROM transcription_sessions
		WHERE agent_id = $1 AND task_id = $2
		ORDER BY assigned_at DESC, id DESC`, agentID, taskID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var completedAt sql.NullTime
		var duration sql.NullFloat64
		var transLen sql.NullInt64
		var skipReason sql.NullString
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.TaskID, &sess.AssignedAt,
			&completedAt, &duration, &sess.Status, &transLen, &skipReason); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if completedAt.Valid {
			sess.CompletedAt = &completedAt.Time
		}
		if duration.Valid {
			sess.DurationSeconds = &duration.Float64
		}
		if transLen.Valid {
			n := int(transLen.Int64)
			sess.TranscriptionLength = &n
		}
		if skipReason.Valid {
			sess.SkipReason = &skipReason.String
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func touchAgent(ctx context.Context, tx *sql.Tx, agentID int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agent_stats (agent_id, last_active, updated_at)
		VALUES ($1, now(), now())
		ON CONFLICT (agent_id) DO UPDATE SET last_active = now(), updated_at = now()`,
		agentID)
	if err != nil {
		return fmt.Errorf("touch agent stats: %w", err)
	}
	return nil
}
