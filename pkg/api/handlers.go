package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tzsystem/dispatch/pkg/dispatch"
	"github.com/tzsystem/dispatch/pkg/labelstudio"
)

// RequestTaskRequest is the body for POST /api/tasks/request. Limit is
// accepted for wire compatibility with older clients; assignment is always
// one task at a time.
type RequestTaskRequest struct {
	AgentID int64 `json:"agent_id" binding:"required"`
	Limit   int   `json:"limit"`
}

// RequestTask handles POST /api/tasks/request.
func (s *Server) RequestTask(c *gin.Context) {
	var req RequestTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload, err := s.engine.RequestTask(c.Request.Context(), req.AgentID)
	if errors.Is(err, dispatch.ErrNoEligibleTasks) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("No available tasks for agent %d - all tasks are locked or recently skipped", req.AgentID),
		})
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.Data(http.StatusOK, "application/json", payload)
}

// StreamAudio handles GET /api/audio/stream/:task_id/:agent_id. The file is
// served with range support so players can seek.
func (s *Server) StreamAudio(c *gin.Context) {
	taskID, err := strconv.ParseInt(c.Param("task_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid task id"})
		return
	}
	agentID, err := strconv.ParseInt(c.Param("agent_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid agent id"})
		return
	}

	ctx := c.Request.Context()
	holder, held, err := s.store.LockHolder(ctx, taskID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !held || holder != agentID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Task is not assigned to this agent"})
		return
	}

	task, err := s.source.GetTask(ctx, taskID)
	if err != nil {
		s.log.Error("task lookup failed", "task_id", taskID, "error", err)
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	filePath := labelstudio.ResolveAudioPath(s.cfg.AudioMediaRoot, task.Data.Audio)
	if _, err := os.Stat(filePath); err != nil {
		s.log.Error("audio file missing", "task_id", taskID, "path", filePath)
		c.JSON(http.StatusNotFound, gin.H{"error": "Audio file not found"})
		return
	}

	if err := s.store.AuditAudioAccess(ctx, agentID, taskID, filePath); err != nil {
		s.log.Error("audio access audit failed", "task_id", taskID, "error", err)
	}

	c.Header("Content-Type", labelstudio.ContentTypeForPath(filePath))
	http.ServeFile(c.Writer, c.Request, filePath)
}

// SubmitTaskRequest is the body for POST /api/tasks/:task_id/submit.
type SubmitTaskRequest struct {
	AgentID       int64  `json:"agent_id" binding:"required"`
	Transcription string `json:"transcription" binding:"required"`
}

// SubmitTask handles POST /api/tasks/:task_id/submit.
func (s *Server) SubmitTask(c *gin.Context) {
	taskID, err := strconv.ParseInt(c.Param("task_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid task id"})
		return
	}

	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.proc.Submit(c.Request.Context(), req.AgentID, taskID, req.Transcription); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "completed",
		"task_id": taskID,
		"message": "Task completed successfully",
	})
}

// SkipTaskRequest is the body for POST /api/tasks/:task_id/skip.
type SkipTaskRequest struct {
	AgentID int64  `json:"agent_id" binding:"required"`
	Reason  string `json:"reason"`
}

// SkipTask handles POST /api/tasks/:task_id/skip.
func (s *Server) SkipTask(c *gin.Context) {
	taskID, err := strconv.ParseInt(c.Param("task_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid task id"})
		return
	}

	var req SkipTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.proc.Skip(c.Request.Context(), req.AgentID, taskID, req.Reason)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "skipped",
		"task_id":       taskID,
		"skip_count":    result.SkipCount,
		"task_disabled": result.Disabled,
	})
}
