package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tzsystem/dispatch/pkg/dispatch"
)

// respondError maps dispatch errors to HTTP statuses. Unknown errors become
// opaque 500s; the details go to the log, not the agent.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatch.ErrQueueEmpty):
		c.JSON(http.StatusNotFound, gin.H{"error": "No tasks available in assignment queue"})
	case errors.Is(err, dispatch.ErrNoEligibleTasks):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, dispatch.ErrNotHolder):
		c.JSON(http.StatusForbidden, gin.H{"error": "Task is not assigned to this agent"})
	case errors.Is(err, dispatch.ErrUpstream):
		s.log.Error("upstream error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit to labeling backend"})
	default:
		s.log.Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
