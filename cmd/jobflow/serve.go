package main

import (
	"context"
	"errors"
	"jobflow/internal/api"
	"jobflow/internal/config"
	"jobflow/internal/dispatcher"
	"jobflow/internal/health"
	"jobflow/internal/observability"
	"jobflow/internal/run"
	"jobflow/internal/workflow"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	executorCfg := workflow.LoadExecutorConfigFromEnv()

	slog.SetDefault(observability.NewLogger(svcCfg.LogLevel, svcCfg.LogFormat))

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Register platforms
	platforms, err := loadPlatforms(svcCfg.ProvidersFile)
	if err != nil {
		return err
	}
	defer platforms.Close()

	// Run store
	var store run.Store
	if svcCfg.DatabaseURL != "" {
		pg, err := run.NewPGStore(ctx, run.PGConfig{DSN: svcCfg.DatabaseURL})
		if err != nil {
			return err
		}
		store = pg
		slog.Info("Connected to run database")
	} else {
		store = run.NewMemoryStore()
		slog.Warn("No DATABASE_URL configured - run records are kept in memory")
	}
	defer store.Close()

	observers := []workflow.Observer{run.NewStoreObserver(store)}

	// Lifecycle events
	var eventDispatcher dispatcher.Dispatcher
	if svcCfg.EventsURL != "" {
		eventDispatcher = dispatcher.NewMemory(dispatcherCfg, metrics)
		observers = append(observers, run.NewEventPublisher(eventDispatcher, run.EventsConfig{
			Destination: svcCfg.EventsURL,
			SigningKey:  svcCfg.EventsSigningKey,
			Types:       svcCfg.EventTypes,
		}))
		slog.Info("Lifecycle events enabled", "destination", svcCfg.EventsURL)
	}

	wf := workflow.New(workflow.Config{
		Resolver:  platforms.Registry,
		Executor:  workflow.NewLocalExecutor(executorCfg, metrics),
		Deliverer: newDeliverer(svcCfg.CallbackTimeout, svcCfg.CallbackSigningKey),
		Observers: observers,
		Metrics:   metrics,
	})
	runService := run.NewService(wf, store)

	// Create health checker
	healthChecker := health.NewChecker(
		health.Check{Name: "store", Checker: runService},
		health.Check{Name: "platforms", Checker: platforms},
	)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		RunService:    runService,
		Platforms:     platforms.Registry,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port, "platforms", platforms.Registry.Names())
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Drain in-flight runs; runs still polling after the timeout are aborted
	slog.Info("Draining runs", "active", runService.Active(), "timeout", svcCfg.RunDrainTimeout)
	runCtx, runCancel := context.WithTimeout(context.Background(), svcCfg.RunDrainTimeout)
	defer runCancel()
	if err := runService.Close(runCtx); err != nil {
		slog.Warn("Run drain incomplete", "error", err)
	}

	// Phase 4: Drain lifecycle event dispatcher
	if eventDispatcher != nil {
		slog.Info("Draining event dispatcher")
		dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dispatcherCancel()
		if err := eventDispatcher.Close(dispatcherCtx); err != nil {
			slog.Warn("Dispatcher shutdown error", "error", err)
		}

		// Log final dispatcher stats
		stats := eventDispatcher.Stats()
		slog.Info("Dispatcher stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	slog.Info("Shutdown complete")
	return nil
}
