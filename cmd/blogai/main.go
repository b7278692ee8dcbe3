// blogai server — provides the HTTP API, manages queue workers, and
// drives article/book generation pipelines.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gr8monk3ys/blog-ai/pkg/api"
	"github.com/gr8monk3ys/blog-ai/pkg/cleanup"
	"github.com/gr8monk3ys/blog-ai/pkg/config"
	"github.com/gr8monk3ys/blog-ai/pkg/conversation"
	"github.com/gr8monk3ys/blog-ai/pkg/database"
	"github.com/gr8monk3ys/blog-ai/pkg/events"
	"github.com/gr8monk3ys/blog-ai/pkg/gateway"
	"github.com/gr8monk3ys/blog-ai/pkg/jobs"
	"github.com/gr8monk3ys/blog-ai/pkg/pipeline"
	"github.com/gr8monk3ys/blog-ai/pkg/publish"
	"github.com/gr8monk3ys/blog-ai/pkg/queue"
	"github.com/gr8monk3ys/blog-ai/pkg/ratelimit"
	"github.com/gr8monk3ys/blog-ai/pkg/research"
	"github.com/gr8monk3ys/blog-ai/pkg/services"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configPath := flag.String("config",
		getEnv("CONFIG_PATH", ""),
		"Path to the blogai.yaml configuration file (empty = built-in defaults)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment", "error", err)
	}

	podID := resolvePodID()
	slog.Info("Starting blogai", "pod_id", podID, "config_path", *configPath)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database (applies pending migrations)
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

	// 3. Durable state: conversation log and job registry
	convStore := conversation.NewPostgresStore(dbClient.DB())
	convLog := conversation.NewLog(convStore, conversation.DefaultSubscriberBuffer)

	jobStore := jobs.NewPostgresStore(dbClient.DB())
	registry := jobs.NewRegistry(jobStore)

	// 4. One-time startup orphan recovery: rows this pod left running
	// before a crash are failed and their conversations closed.
	if err := queue.RecoverStartupOrphans(ctx, registry, convLog, podID); err != nil {
		slog.Error("Failed to recover startup orphans", "error", err)
		// Non-fatal — continue
	}

	// 5. Admission control
	creds := config.NewCredentialStore(cfg.Providers)
	limiter := ratelimit.New(cfg.RateLimit, creds, cfg.DevMode)
	limiter.Start(ctx)
	defer limiter.Stop()

	// 6. Provider gateway and pipeline orchestrator
	gw, err := gateway.New(cfg.Providers)
	if err != nil {
		slog.Error("Failed to initialize provider gateway", "error", err)
		os.Exit(1)
	}
	if len(gw.Chain()) == 0 && !cfg.DevMode {
		slog.Warn("No LLM backend credentials loaded — submissions will be rejected at admission")
	}

	source := research.NewFromConfig(cfg.Research)
	if source != nil {
		slog.Info("Research source enabled", "max_results", cfg.Research.MaxResults)
	}

	orchestrator := pipeline.New(gw, convLog, source, gw.Redactor(), cfg.Pipeline)
	executor := queue.NewPipelineExecutor(orchestrator, registry)

	// 7. Artifact publishing (fail-open webhook; nil when disabled)
	publisher := publish.NewService(cfg.Publish)
	if publisher != nil {
		slog.Info("Artifact webhook publishing enabled")
	}

	// 8. Worker pool (claims queued jobs and runs the pipeline)
	workerPool := queue.NewWorkerPool(podID, registry, convLog, cfg.Queue, cfg.Pipeline,
		executor, limiter, publisher, gw.Redactor())
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 9. Streaming infrastructure: WS connection manager fed by
	// Postgres NOTIFY, with catchup replay from the conversation log.
	catchup := events.NewLogCatchup(convLog)
	connManager := events.NewConnectionManager(catchup, 10*time.Second)

	notifyListener := events.NewNotifyListener(dbConfig.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start NOTIFY listener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)
	connManager.SetListener(notifyListener)
	slog.Info("Streaming infrastructure initialized")

	// 10. Domain services and retention
	jobService := services.NewJobService(registry, convLog, limiter)
	conversationService := services.NewConversationService(convLog, limiter)

	cleanupService := cleanup.NewService(cfg.Retention, jobStore, convStore, convLog)
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	// 11. HTTP server
	httpServer := api.NewServer(cfg, dbClient, jobService, conversationService, workerPool, connManager)

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Server.Addr
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("blogai started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount,
		"backends", len(gw.Chain()))

	// 12. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 13. Graceful shutdown: drain workers first so running jobs can
	// finish or be orphan-recovered, then close the HTTP surface.
	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer workerCancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-workerShutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — incomplete jobs will be orphan-recovered")
	}

	if publisher != nil {
		flushCtx, flushCancel := context.WithTimeout(ctx, 5*time.Second)
		publisher.Flush(flushCtx)
		flushCancel()
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
