// Quorum orchestrator server: exposes the HTTP API, runs the
// background task executor, the action scheduler and the pipeline
// engine, and streams events to WebSocket observers.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quorumhq/quorum/pkg/api"
	"github.com/quorumhq/quorum/pkg/bus"
	"github.com/quorumhq/quorum/pkg/cache"
	"github.com/quorumhq/quorum/pkg/cleanup"
	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/database"
	"github.com/quorumhq/quorum/pkg/executor"
	"github.com/quorumhq/quorum/pkg/memory"
	"github.com/quorumhq/quorum/pkg/pipeline"
	"github.com/quorumhq/quorum/pkg/scheduler"
	"github.com/quorumhq/quorum/pkg/services"
	"github.com/quorumhq/quorum/pkg/store"
	"github.com/quorumhq/quorum/pkg/version"
	"github.com/quorumhq/quorum/pkg/worker"
	"github.com/quorumhq/quorum/pkg/ws"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveInstanceID determines the identifier used for task claims.
// Priority: INSTANCE_ID env > HOSTNAME env > generated id.
func resolveInstanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return ""
}

func main() {
	configPath := flag.String("config",
		getEnv("QUORUM_CONFIG", "./config.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	slog.Info("Starting quorum", "version", version.Full(), "config", *configPath)

	ctx := context.Background()

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

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
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	st := store.NewPostgres(dbClient.Pool())
	eventBus := bus.New(cfg.EventBus.HistoryCapacity)

	tiered, err := cache.New(cache.Config{
		RedisAddr:        cfg.Cache.RedisAddr,
		RedisDB:          cfg.Cache.RedisDB,
		LRUSize:          cfg.Cache.LRUSize,
		EmbeddingTTL:     cfg.Cache.EmbeddingTTL(),
		RecallTTL:        cfg.Cache.RecallTTL(),
		CircleContextTTL: cfg.Cache.CircleContextTTL(),
	})
	if err != nil {
		slog.Error("Failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tiered.Close() }()
	cacheSubs := tiered.WireInvalidation(eventBus)
	defer func() {
		for _, sub := range cacheSubs {
			eventBus.Unsubscribe(sub)
		}
	}()

	workerClient := worker.NewClient(worker.ClientConfig{
		BaseURL:        cfg.Worker.BaseURL,
		APIKey:         os.Getenv(cfg.Worker.APIKeyEnv),
		Model:          cfg.Worker.Model,
		EmbeddingModel: cfg.Worker.EmbeddingModel,
		Dimensions:     cfg.Worker.EmbeddingDimensions,
		MaxRetries:     cfg.Worker.MaxRetries,
	})
	resolver := worker.StaticResolver{Worker: workerClient}

	memoryService := memory.NewService(st, workerClient, tiered, eventBus)
	agentService := services.NewAgentService(st, eventBus)
	circleService := services.NewCircleService(st, eventBus)

	exec := executor.New(st, eventBus, resolver, executor.Options{
		MaxConcurrentTasks:        cfg.Executor.MaxConcurrentTasks,
		DefaultMaxSteps:           cfg.Executor.DefaultMaxSteps,
		DefaultTimeoutSeconds:     cfg.Executor.DefaultTimeoutSeconds,
		DefaultCheckpointInterval: cfg.Executor.DefaultCheckpointInterval,
		WorkerCallTimeout:         cfg.Executor.WorkerCallTimeout(),
		HeartbeatInterval:         cfg.Executor.HeartbeatInterval(),
		OrphanThreshold:           time.Duration(cfg.Executor.OrphanThresholdSeconds) * time.Second,
		InstanceID:                resolveInstanceID(),
	})
	if err := exec.RecoverTasks(ctx); err != nil {
		slog.Error("Task recovery failed", "error", err)
		// Non-fatal, the orphan scan retries foreign claims.
	}
	exec.StartOrphanScan()

	sched := scheduler.New(st, eventBus, exec, scheduler.Options{
		Tick:             cfg.Scheduler.Tick(),
		RetryBackoffBase: time.Duration(cfg.Scheduler.RetryBackoffBaseSeconds) * time.Second,
		RetryBackoffCap:  time.Duration(cfg.Scheduler.RetryBackoffCapSeconds) * time.Second,
	})
	if err := sched.RecoverRuns(ctx); err != nil {
		slog.Error("Scheduled run recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	engine := pipeline.New(st, eventBus, resolver, pipeline.NewRegistry(), pipeline.Options{
		DefaultRunTimeout:  time.Duration(cfg.Pipeline.RunDefaultTimeoutSeconds) * time.Second,
		DefaultMaxAttempts: cfg.Pipeline.NodeDefaultMaxAttempts,
		BreakerThreshold:   cfg.Pipeline.BreakerFailureThreshold,
		BreakerReset:       time.Duration(cfg.Pipeline.BreakerResetSeconds) * time.Second,
	})

	sweeper := cleanup.NewService(cfg.Retention, st)
	sweeper.Start(ctx)

	hub := ws.New(cfg.WS.WriteTimeout())
	hub.AttachBus(eventBus, nil)

	httpServer := api.NewServer(cfg.Server, api.Deps{
		DB:        dbClient,
		Store:     st,
		Agents:    agentService,
		Circles:   circleService,
		Executor:  exec,
		Scheduler: sched,
		Pipelines: engine,
		Memory:    memoryService,
		Hub:       hub,
		Bus:       eventBus,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Quorum started",
		"port", cfg.Server.Port,
		"max_concurrent_tasks", cfg.Executor.MaxConcurrentTasks)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop intake first, then drain the components that spawn work,
	// then the sinks.
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	sched.Stop()
	exec.Shutdown(time.Duration(cfg.Executor.ShutdownGraceSeconds) * time.Second)
	engine.Shutdown()
	sweeper.Stop()
	hub.DetachBus(eventBus)
	hub.Shutdown()

	slog.Info("Shutdown complete")
}
