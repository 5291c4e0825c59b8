// Dispatch server — hands transcription tasks from the labeling backend to
// remote agents, coordinating locks and skips through Redis and recording
// sessions in PostgreSQL.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tzsystem/dispatch/pkg/api"
	"github.com/tzsystem/dispatch/pkg/config"
	"github.com/tzsystem/dispatch/pkg/coord"
	"github.com/tzsystem/dispatch/pkg/database"
	"github.com/tzsystem/dispatch/pkg/dispatch"
	"github.com/tzsystem/dispatch/pkg/labelstudio"
	"github.com/tzsystem/dispatch/pkg/ledger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting dispatch",
		"http_port", cfg.HTTPPort,
		"label_studio_url", cfg.LabelStudioURL,
		"project_id", cfg.ProjectID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ledger database.
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// Coordination store.
	store, err := coord.NewStore(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()
	slog.Info("Connected to Redis")

	source := labelstudio.NewClient(cfg.LabelStudioURL, cfg.LabelStudioToken, cfg.ProjectID, cfg.UpstreamTimeout)
	sessions := ledger.NewStore(dbClient.DB())

	log := slog.Default()
	rec := dispatch.NewReconciler(store, source, cfg.ReconcileInterval, cfg.ErrorBackoff, cfg.DisableThreshold, log)
	if err := rec.Sync(ctx); err != nil {
		// The loop will retry; starting with a stale queue beats not
		// starting at all.
		slog.Error("Initial queue sync failed", "error", err)
	}
	rec.Start(ctx)

	engine := dispatch.NewEngine(store, source, sessions, rec, cfg, log)
	proc := dispatch.NewProcessor(store, source, sessions, cfg, log)

	server := api.NewServer(engine, proc, rec, store, source, sessions, dbClient, cfg, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop the reconcile loop, then drain in-flight HTTP requests.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
