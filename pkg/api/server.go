// Package api exposes the dispatch service over HTTP: task request, audio
// streaming, submit/skip, queue stats and agent leaderboards.
package api

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/tzsystem/dispatch/pkg/config"
	"github.com/tzsystem/dispatch/pkg/coord"
	"github.com/tzsystem/dispatch/pkg/database"
	"github.com/tzsystem/dispatch/pkg/dispatch"
	"github.com/tzsystem/dispatch/pkg/ledger"
)

// StatsLedger is the read side of the session ledger the API serves.
type StatsLedger interface {
	AgentStats(ctx context.Context, agentID int64) (*ledger.AgentStats, error)
	CompletedToday(ctx context.Context, agentID int64) (int, error)
	TopPerformers(ctx context.Context, limit int) ([]ledger.AgentStats, error)
	TodayStats(ctx context.Context) (*ledger.TodayActivity, error)
}

// Server wires the HTTP surface to the dispatch components.
type Server struct {
	engine *dispatch.Engine
	proc   *dispatch.Processor
	rec    *dispatch.Reconciler
	store  *coord.Store
	source dispatch.TaskSource
	stats  StatsLedger
	db     *database.Client
	cfg    *config.Config
	log    *slog.Logger
}

// NewServer creates the API server.
func NewServer(
	engine *dispatch.Engine,
	proc *dispatch.Processor,
	rec *dispatch.Reconciler,
	store *coord.Store,
	source dispatch.TaskSource,
	stats StatsLedger,
	db *database.Client,
	cfg *config.Config,
	log *slog.Logger,
) *Server {
	return &Server{
		engine: engine,
		proc:   proc,
		rec:    rec,
		store:  store,
		source: source,
		stats:  stats,
		db:     db,
		cfg:    cfg,
		log:    log,
	}
}

// Router builds the gin engine with all routes registered. Everything under
// /api except the health probe requires the shared API key.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(s.log))

	router.GET("/api/health", s.Health)

	authed := router.Group("/api", APIKeyAuth(s.cfg.APISecret))
	{
		authed.POST("/tasks/request", s.RequestTask)
		authed.GET("/audio/stream/:task_id/:agent_id", s.StreamAudio)
		authed.POST("/tasks/:task_id/submit", s.SubmitTask)
		authed.POST("/tasks/:task_id/skip", s.SkipTask)

		authed.GET("/tasks/available/count", s.AvailableCount)
		authed.GET("/tasks/disabled", s.DisabledTasks)
		authed.POST("/tasks/reset-disabled", s.ResetDisabled)

		authed.GET("/agents/:agent_id/stats", s.AgentStats)
		authed.GET("/leaderboard/top-performers", s.TopPerformers)
		authed.GET("/stats/live", s.LiveStats)
	}

	return router
}
