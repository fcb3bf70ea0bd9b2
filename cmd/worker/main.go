// worker runs the conversion pipeline: it pulls WorkItems off the shared
// queue and drives them through the orchestrator's split/convert/merge
// state machine. It shares its StateStore/WorkQueue backend with cmd/api
// but otherwise runs as an independent process so API availability and
// conversion throughput scale separately.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

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
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	queue.Handle(orch.HandleWorkItem)
	if notifier, ok := queue.(convert.DeadLetterNotifier); ok {
		notifier.OnDeadLetter(orch.MarkWorkItemFailed)
	}

	readiness := &convert.Readiness{Store: store, Queue: queue}
	healthChecker := health.NewChecker(readiness)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsMux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthChecker.Liveness(r.Context()))
	})
	metricsMux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthChecker.Readiness(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !resp.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("starting worker metrics/health server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	slog.Info("worker pool starting", "concurrency", svcCfg.WorkerConcurrency)
	runErr := make(chan error, 1)
	go func() { runErr <- queue.Run(ctx) }()

	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case err := <-runErr:
		if err != nil {
			slog.Error("queue run loop exited", "error", err)
		}
	}

	healthChecker.SetShuttingDown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	slog.Info("worker pool stopped")
	return nil
}
