package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hostsentry/hostsentry/internal/api"
	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/correlator"
	"github.com/hostsentry/hostsentry/internal/nvd"
	"github.com/hostsentry/hostsentry/internal/observability"
	"github.com/hostsentry/hostsentry/internal/policy"
	"github.com/hostsentry/hostsentry/internal/queue"
	"github.com/hostsentry/hostsentry/internal/ratelimit"
	"github.com/hostsentry/hostsentry/internal/scheduler"
	"github.com/hostsentry/hostsentry/internal/statestore"
	"github.com/hostsentry/hostsentry/internal/versionmatch"
	"github.com/hostsentry/hostsentry/internal/vulncache"
	"github.com/hostsentry/hostsentry/internal/worker"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel)
	logger.Info("starting hostsentry",
		"settings_path", cfg.SettingsPath,
		"log_level", cfg.Observability.LogLevel)

	_ = observability.GetMetrics()
	logger.Debug("metrics initialized",
		"metrics_port", cfg.Observability.MetricsPort)

	healthChecker := observability.NewHealthChecker(logger)

	healthChecker.RegisterComponent("config")
	healthChecker.RegisterComponent("database")
	healthChecker.RegisterComponent("queue")
	healthChecker.RegisterComponent("worker")
	healthChecker.RegisterComponent("scheduler")

	healthChecker.UpdateComponentHealth("config", observability.StatusHealthy, "")

	obsServer := observability.NewServer(
		cfg.Observability.MetricsPort,
		cfg.Observability.HealthCheckPort,
		logger,
		healthChecker,
	)

	go func() {
		if err := obsServer.Start(ctx); err != nil {
			logger.Error("observability server error",
				"error", err.Error())
		}
	}()

	logger.Debug("observability server started",
		"metrics_port", cfg.Observability.MetricsPort,
		"health_port", cfg.Observability.HealthCheckPort)

	logger.Debug("initializing state store",
		"path", cfg.StateStore.SQLitePath)
	store, err := statestore.NewSQLiteStore(cfg.StateStore.SQLitePath)
	if err != nil {
		healthChecker.UpdateComponentHealth("database", observability.StatusUnhealthy, err.Error())
		return fmt.Errorf("failed to initialize sqlite store: %w", err)
	}
	healthChecker.UpdateComponentHealth("database", observability.StatusHealthy, "")
	observability.RegisterStateCollector(store, logger)
	logger.Debug("state store initialized")

	logger.Debug("initializing lookup cache",
		"ttl", cfg.Cache.TTL.String(),
		"failure_cooldown", cfg.Cache.FailureCooldown.String())
	cache := vulncache.New(store, cfg.Cache, logger)

	ceiling := cfg.NVD.RequestsPerMinute()
	logger.Info("rate limiter configured",
		"requests_per_minute", ceiling,
		"api_key_present", cfg.NVD.APIKey != "")
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: ceiling})

	logger.Debug("initializing vulnerability database client",
		"base_url", cfg.NVD.BaseURL,
		"timeout", cfg.NVD.Timeout.String())
	client := nvd.NewClient(cfg.NVD, cfg.Settings.KeywordStripWords, limiter, logger)

	corr := correlator.New(cache, client, versionmatch.NewSemverStrategy(), logger)
	logger.Debug("correlator initialized")

	logger.Debug("initializing policy engine",
		"expression", cfg.Policy.Expression)
	policyEngine, err := policy.NewEngine(logger, cfg.Policy)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	logger.Debug("policy engine initialized")

	logger.Debug("initializing task queue",
		"buffer_size", cfg.Queue.BufferSize)
	taskQueue := queue.NewInMemoryQueue(cfg.Queue.BufferSize)
	healthChecker.UpdateComponentHealth("queue", observability.StatusHealthy, "")

	workerInstance := worker.New(taskQueue, corr, policyEngine, store, cfg.Worker, logger)
	workerInstance.Start(ctx)
	healthChecker.UpdateComponentHealth("worker", observability.StatusHealthy, "")
	logger.Debug("worker started",
		"concurrency", cfg.Worker.Concurrency)

	rescanScheduler := scheduler.New(store, workerInstance, cfg.Worker, logger)

	var apiServer *api.APIServer
	if cfg.API.Enabled {
		logger.Debug("initializing API server",
			"port", cfg.API.Port,
			"read_only", cfg.API.ReadOnly)
		apiServer = api.NewAPIServer(
			&cfg.API,
			store,
			cache,
			workerInstance,
			healthChecker,
			logger,
		)
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Debug("starting rescan scheduler")
		healthChecker.UpdateComponentHealth("scheduler", observability.StatusHealthy, "")
		if err := rescanScheduler.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("rescan scheduler error",
				"error", err.Error())
			errChan <- fmt.Errorf("rescan scheduler error: %w", err)
		}
		logger.Debug("rescan scheduler stopped")
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("API server listening",
				"port", cfg.API.Port)
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("API server error",
					"error", err.Error())
				errChan <- fmt.Errorf("API server error: %w", err)
			}
			logger.Debug("API server stopped")
		}()
	}

	logger.Info("all components started successfully")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errChan:
		logger.Error("component error, initiating shutdown",
			"error", err.Error())
		cancel()
	}

	logger.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("servers stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit")
	}

	if err := workerInstance.Stop(20 * time.Second); err != nil {
		logger.Warn("worker did not drain in time",
			"error", err.Error())
	}

	queueDepth, _ := taskQueue.GetQueueDepth(shutdownCtx)
	if queueDepth > 0 {
		logger.Warn("queue not empty at shutdown",
			"remaining_tasks", queueDepth)
	}

	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down API server",
				"error", err.Error())
		}
	}

	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down observability server",
			"error", err.Error())
	}

	if err := store.Close(); err != nil {
		logger.Error("error closing state store",
			"error", err.Error())
	}

	logger.Info("shutdown complete")
	return nil
}
