package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tzsystem/dispatch/pkg/database"
)

// Health handles GET /api/health. It reports the coordination store and the
// ledger database; either one failing makes the service unhealthy.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy := true

	redisStatus := "healthy"
	if err := s.store.Ping(ctx); err != nil {
		redisStatus = "unhealthy"
		healthy = false
		s.log.Error("redis health check failed", "error", err)
	}

	dbHealth, err := database.Health(ctx, s.db.DB())
	if err != nil {
		healthy = false
		s.log.Error("database health check failed", "error", err)
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":   overall,
		"redis":    redisStatus,
		"database": dbHealth,
	})
}
