// tap connects to a streaming endpoint and dumps frames to the console.
// Usage: go run ./cmd/tap --url wss://stream.example.com/v1/feed
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mgild/feedline/internal/config"
	"github.com/mgild/feedline/internal/pipeline"
)

func main() {
	url := flag.String("url", "", "endpoint to connect to (ws://, wss://, http://, https://)")
	transport := flag.String("transport", config.TransportWebSocket, "transport kind: websocket or sse")
	events := flag.String("events", "", "comma-separated SSE event types to print (default: message)")
	authToken := flag.String("auth-token", "", "bearer token for the Authorization header")
	verbose := flag.Bool("verbose", false, "log state transitions and retry scheduling")
	flag.Parse()

	// Setup logger
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if *url == "" {
		logger.Error("--url is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg := pipeline.DefaultConfig()
	cfg.URL = *url
	cfg.AuthToken = *authToken
	if *events != "" {
		cfg.EventTypes = strings.Split(*events, ",")
	}

	var feed *pipeline.Pipeline
	switch *transport {
	case config.TransportWebSocket:
		feed = pipeline.NewWebSocket(cfg, logger)
	case config.TransportSSE:
		feed = pipeline.NewEventStream(cfg, logger)
	default:
		logger.Error("unknown transport", "transport", *transport)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	var frames atomic.Int64

	feed.OnMessage(func(payload string) {
		frames.Add(1)
		fmt.Printf("[FRAME] %s\n", payload)
	}).OnConnect(func() {
		fmt.Println("[CONNECTED]")
	}).OnDisconnect(func() {
		fmt.Println("[DISCONNECTED]")
	}).OnStateChange(func(s pipeline.State) {
		logger.Debug("state change", "state", s.String())
	}).OnError(func(e *pipeline.ConnError) {
		fmt.Printf("[ERROR] kind=%s attempt=%d message=%s\n", e.Kind, e.Attempt, e.Message)
	})

	feed.Connect()

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("stats",
					"state", feed.State().String(),
					"stale", feed.Stale(),
					"frames", frames.Load(),
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")
	feed.Disconnect()
	logger.Info("shutdown complete")
}
