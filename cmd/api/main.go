// api is the HTTP API server for submitting and tracking document
// conversion jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docmd/internal/api"
	"docmd/internal/auth"
	"docmd/internal/bootstrap"
	"docmd/internal/config"
	"docmd/internal/convert"
	"docmd/internal/dispatcher"
	"docmd/internal/health"
	"docmd/internal/observability"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	config.LoadDotEnv()

	svcCfg := config.LoadServiceConfig()
	convCfg := config.LoadConversionConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	store, queue, err := bootstrap.WireBackends(svcCfg)
	if err != nil {
		return err
	}
	defer store.Close()
	defer queue.Close()

	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = eventDispatcher.Close(drainCtx)
	}()

	orch := convert.New(
		store,
		queue,
		convert.NewStubConverter(),
		convert.NewStubSplitter(),
		convert.NewLocalFetcher(convCfg.ConversionTimeout),
		eventDispatcher,
		metrics,
		convert.OrchestratorConfig{
			MinSplitPages:     convCfg.MinSplitPages,
			ConversionTimeout: convCfg.ConversionTimeout,
			ResultTTL:         convCfg.ResultTTL,
		},
	)
	if notifier, ok := queue.(convert.DeadLetterNotifier); ok {
		notifier.OnDeadLetter(orch.MarkWorkItemFailed)
	}

	svc := convert.NewService(orch, store, convert.ServiceConfig{
		MaxFileSizeBytes: int64(convCfg.MaxFileSizeMB) << 20,
	})

	readiness := &convert.Readiness{Store: store, Queue: queue}
	healthChecker := health.NewChecker(readiness)

	router := api.NewRouter(api.RouterConfig{
		Service:       svc,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Readiness:     readiness,
		JWTSecret:     svcCfg.JWTSecret,
		UploadDir:     os.TempDir() + "/docmd-uploads",
		MaxUploadSize: int64(convCfg.MaxFileSizeMB) << 20,
	})

	if svcCfg.JWTSecret != "" {
		slog.Info("JWT authentication enabled")
	} else {
		slog.Warn("JWT authentication disabled - no JWT_SECRET configured, requests run as anonymous owner")
		_ = auth.NewVerifier("") // result unused; the router builds its own Verifier from the same empty secret
	}

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	go func() {
		slog.Info("starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: mark unhealthy so load balancers stop sending traffic.
	healthChecker.SetShuttingDown()
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting new connections, finish in-flight requests.
	slog.Info("starting graceful shutdown")
	shutdown(25 * time.Second)

	// In-flight jobs survive the API process: they live in the shared store
	// and queue, and the worker pool finishes them independently.
	slog.Info("queued and in-flight jobs will continue via the worker pool")
	slog.Info("shutdown complete")
	return nil
}
