package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// AvailableCount handles GET /api/tasks/available/count. Without an
// agent_id query it reports the reconciler's last snapshot; with one it
// probes the live queue for tasks that agent could take right now.
func (s *Server) AvailableCount(c *gin.Context) {
	ctx := c.Request.Context()

	queueLen, err := s.store.QueueLen(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}

	stats := s.rec.Stats()
	body := gin.H{
		"total_unlabeled": stats.TotalUnlabeled,
		"total_locked":    stats.TotalLocked,
		"available":       stats.Available,
		"queue_length":    queueLen,
		"last_sync":       stats.LastSync,
	}

	if raw := c.Query("agent_id"); raw != "" {
		agentID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid agent id"})
			return
		}
		count, err := s.engine.AvailableForAgent(ctx, agentID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		body["agent_id"] = agentID
		body["available_for_agent"] = count
	}

	c.JSON(http.StatusOK, body)
}

// DisabledTasks handles GET /api/tasks/disabled.
func (s *Server) DisabledTasks(c *gin.Context) {
	disabled, err := s.store.DisabledTasks(c.Request.Context(), s.cfg.DisableThreshold)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"disabled_tasks": disabled,
		"count":          len(disabled),
		"threshold":      s.cfg.DisableThreshold,
	})
}

// ResetDisabled handles POST /api/tasks/reset-disabled. Every global skip
// counter is cleared, then the queue is rebuilt so restored tasks come back
// into rotation.
func (s *Server) ResetDisabled(c *gin.Context) {
	ctx := c.Request.Context()

	restored, err := s.store.ResetGlobalSkips(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if err := s.rec.Sync(ctx); err != nil {
		s.log.Error("post-reset queue sync failed", "error", err)
	}

	if restored == nil {
		restored = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{
		"restored_tasks": restored,
		"count":          len(restored),
	})
}

// AgentStats handles GET /api/agents/:agent_id/stats.
func (s *Server) AgentStats(c *gin.Context) {
	agentID, err := strconv.ParseInt(c.Param("agent_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid agent id"})
		return
	}

	ctx := c.Request.Context()
	stats, err := s.stats.AgentStats(ctx, agentID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	completedToday, err := s.stats.CompletedToday(ctx, agentID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agent_id":               stats.AgentID,
		"total_duration_seconds": stats.TotalDurationSeconds,
		"total_tasks_completed":  stats.TotalTasksCompleted,
		"total_tasks_skipped":    stats.TotalTasksSkipped,
		"total_earnings":         stats.TotalEarnings,
		"last_active":            stats.LastActive,
		"completed_today":        completedToday,
	})
}

// TopPerformers handles GET /api/leaderboard/top-performers.
func (s *Server) TopPerformers(c *gin.Context) {
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = parsed
	}

	performers, err := s.stats.TopPerformers(c.Request.Context(), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"top_performers": performers,
		"count":          len(performers),
	})
}

// LiveStats handles GET /api/stats/live: the queue snapshot, current active
// assignments and today's ledger activity in one response.
func (s *Server) LiveStats(c *gin.Context) {
	ctx := c.Request.Context()

	queueLen, err := s.store.QueueLen(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	active, err := s.store.ActiveSessions(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	today, err := s.stats.TodayStats(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}

	stats := s.rec.Stats()
	c.JSON(http.StatusOK, gin.H{
		"queue": gin.H{
			"total_unlabeled": stats.TotalUnlabeled,
			"total_locked":    stats.TotalLocked,
			"available":       stats.Available,
			"queue_length":    queueLen,
			"last_sync":       stats.LastSync,
		},
		"active_sessions": active,
		"active_count":    len(active),
		"today":           today,
	})
}
