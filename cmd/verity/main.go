// Verity orchestrator server — provides the query HTTP API, runs the
// verification pipeline, and manages the session queue.
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

	"github.com/verityhq/verity/pkg/api"
	"github.com/verityhq/verity/pkg/config"
	"github.com/verityhq/verity/pkg/database"
	"github.com/verityhq/verity/pkg/events"
	"github.com/verityhq/verity/pkg/llm"
	"github.com/verityhq/verity/pkg/pipeline"
	"github.com/verityhq/verity/pkg/queue"
	"github.com/verityhq/verity/pkg/retriever"
	"github.com/verityhq/verity/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting Verity", "http_port", httpPort)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (runs migrations on connect)
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

	sessionStore := store.New(dbClient.DB())
	publisher := events.NewPublisher(dbClient.DB())

	// 3. Model client and retrieval gateway
	modelClient := llm.NewClient(cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.Referer, cfg.Title)
	searcher := retriever.NewHTTPSearcher(cfg.RetrieverURL)
	slog.Info("Model client initialized",
		"base_url", cfg.ModelBaseURL,
		"writer_model", cfg.WriterModel,
		"judge_model", cfg.JudgeModel,
		"skeptic_model", cfg.SkepticModel)

	// 4. Pipeline orchestrator and session runner
	orchestrator := pipeline.NewOrchestrator(sessionStore, searcher, modelClient, publisher, cfg)
	runner := queue.NewRunner(orchestrator, cfg.MaxConcurrentSessions, cfg.SessionTimeout)

	// 5. HTTP server (non-blocking)
	server := api.NewServer(sessionStore, runner, dbClient.DB())
	httpServer := &http.Server{
		Addr:    ":" + httpPort,
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

	slog.Info("Verity started successfully",
		"max_concurrent_sessions", cfg.MaxConcurrentSessions,
		"session_timeout", cfg.SessionTimeout)

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: stop admitting sessions, let in-flight ones
	// finish, then close the HTTP server.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.SessionTimeout+10*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		runner.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Session runner stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, abandoning in-flight sessions")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
