// capture connects to a streaming endpoint and records every frame and
// connection event to Postgres.
// Usage: go run ./cmd/capture --config configs/capture.local.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mgild/feedline/internal/config"
	"github.com/mgild/feedline/internal/database"
	"github.com/mgild/feedline/internal/pipeline"
	"github.com/mgild/feedline/internal/recorder"
	"github.com/mgild/feedline/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/capture.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting capture",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"feed_url", cfg.Feed.URL,
		"transport", cfg.Feed.Transport,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("database connected")

	// Create the recorder for this capture session
	recCfg := recorder.Config{
		Instance:      cfg.Instance.ID,
		URL:           cfg.Feed.URL,
		Transport:     cfg.Feed.Transport,
		BatchSize:     cfg.Recorder.BatchSize,
		FlushInterval: cfg.Recorder.FlushInterval,
		BufferSize:    cfg.Recorder.BufferSize,
		LogPayloads:   cfg.Recorder.LogPayloads,
	}
	rec := recorder.New(recCfg, pool, logger)

	// Build the pipeline for the configured transport
	var feed *pipeline.Pipeline
	switch cfg.Feed.Transport {
	case config.TransportSSE:
		feed = pipeline.NewEventStream(cfg.Feed.PipelineConfig(), logger)
	default:
		feed = pipeline.NewWebSocket(cfg.Feed.PipelineConfig(), logger)
	}

	feed.OnMessage(rec.HandleMessage).
		OnConnect(rec.HandleConnect).
		OnDisconnect(rec.HandleDisconnect).
		OnStateChange(rec.HandleState).
		OnError(rec.HandleError)

	// Start the recorder (inserts the session row)
	if err := rec.Start(ctx); err != nil {
		logger.Error("failed to start recorder", "error", err)
		os.Exit(1)
	}

	// Start health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(pool, feed, rec),
	}

	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// Open the feed
	feed.Connect()

	// Periodic stats
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := rec.Stats()
				logger.Info("stats",
					"state", feed.State().String(),
					"stale", feed.Stale(),
					"frames", stats.Frames,
					"events", stats.Events,
					"inserts", stats.Inserts,
					"dropped", stats.Dropped,
					"errors", stats.Errors,
				)
			}
		}
	}()

	logger.Info("capture running",
		"instance_id", cfg.Instance.ID,
		"session_id", rec.SessionID(),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop producing before the final flush
	feed.Disconnect()
	rec.Stop(shutdownCtx)
	healthServer.Shutdown(shutdownCtx)

	logger.Info("capture stopped")
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(pool *pgxpool.Pool, feed *pipeline.Pipeline, rec *recorder.Recorder) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		// Check database
		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["postgres"] = "connected"
		}

		// Check feed
		state := feed.State()
		stale := feed.Stale()
		feedInfo := map[string]interface{}{
			"state": state.String(),
			"stale": stale,
		}
		if t := feed.LastMessageTime(); !t.IsZero() {
			feedInfo["last_message"] = t.UTC().Format(time.RFC3339)
		}
		health.Components["feed"] = feedInfo
		if state != pipeline.StateConnected || stale {
			health.Status = "degraded"
		}

		// Recorder counters
		stats := rec.Stats()
		health.Components["recorder"] = map[string]interface{}{
			"frames":  stats.Frames,
			"events":  stats.Events,
			"inserts": stats.Inserts,
			"dropped": stats.Dropped,
			"errors":  stats.Errors,
		}

		// Set response
		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/session", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"session_id": rec.SessionID(),
			"state":      feed.State().String(),
			"stale":      feed.Stale(),
			"stats":      rec.Stats(),
		})
	})

	return mux
}
