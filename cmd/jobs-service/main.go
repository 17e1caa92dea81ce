// jobs-service is the HTTP API server for managing simulation jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"simjobs/internal/api"
	"simjobs/internal/config"
	"simjobs/internal/dispatcher"
	"simjobs/internal/health"
	"simjobs/internal/job"
	"simjobs/internal/observability"
	"simjobs/internal/orchestrator/docker"
	"simjobs/internal/orchestrator/kubernetes"
	"simjobs/internal/reconciler"
	"simjobs/internal/storage"
	"simjobs/internal/store"
)

func main() {
	svcCfg := config.LoadServiceConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: svcCfg.LogLevel})))

	if err := run(svcCfg); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func newOrchestrator(ctx context.Context, kind string, jobs job.Store) (job.Orchestrator, func(), error) {
	switch kind {
	case "kubernetes":
		cfg := kubernetes.LoadConfigFromEnv()
		client, err := kubernetes.NewClient(cfg)
		if err != nil {
			return nil, nil, err
		}
		orch, err := kubernetes.New(client, cfg)
		if err != nil {
			return nil, nil, err
		}
		return orch, func() {}, nil
	case "docker":
		cfg := docker.LoadConfigFromEnv()
		cfg.Settled = docker.StoreSettled(jobs)
		orch, err := docker.NewOrchestrator(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		orch.Start()
		return orch, func() {
			if err := orch.Close(); err != nil {
				slog.Warn("Docker orchestrator close error", "error", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unsupported orchestrator %q (want kubernetes or docker)", kind)
}

func run(svcCfg *config.ServiceConfig) error {
	ctx := context.Background()

	jobCfg := job.LoadConfigFromEnv()
	if jobCfg.CallbackBaseURL == "" {
		jobCfg.CallbackBaseURL = svcCfg.CallbackBaseURL
	}
	storageCfg := storage.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	jobStore, err := store.New(store.LoadConfigFromEnv())
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobStore.Close()

	orch, closeOrch, err := newOrchestrator(ctx, svcCfg.Orchestrator, jobStore)
	if err != nil {
		return fmt.Errorf("create %s orchestrator: %w", svcCfg.Orchestrator, err)
	}
	defer closeOrch()
	orch = observability.InstrumentOrchestrator(orch, metrics)
	slog.Info("Orchestrator configured", "kind", svcCfg.Orchestrator)

	var (
		objects  *storage.S3
		ctrlOpts []job.Option
		apiStore api.ObjectStore
	)
	if svcCfg.StorageEnabled {
		objects, err = storage.New(ctx, storageCfg)
		if err != nil {
			return fmt.Errorf("create object storage: %w", err)
		}
		ctrlOpts = append(ctrlOpts, job.WithObjectStore(objects))
		apiStore = objects
		slog.Info("Object storage configured", "bucket", objects.Bucket())
	} else {
		slog.Warn("Object storage disabled - parameters are not stored and file endpoints are unavailable")
	}

	ctrl, err := job.NewController(jobStore, orch, jobCfg, ctrlOpts...)
	if err != nil {
		return err
	}
	ctrl.OnTransition(metrics.OnTransition)

	// Status change notifications
	eventDispatcher := dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
	if notifier := dispatcher.NewNotifier(eventDispatcher, dispatcher.LoadNotifyConfigFromEnv()); notifier != nil {
		ctrl.OnTransition(notifier.OnTransition)
		slog.Info("Status notifications enabled")
	}

	rec := reconciler.New(ctrl, orch, reconciler.LoadConfigFromEnv(), reconciler.WithMetrics(metrics))
	rec.Start()

	healthChecker := health.NewChecker().
		Require("database", ctrl).
		Require("orchestrator", orch)
	if objects != nil {
		healthChecker.Optional("storage", objects)
	}

	router := api.NewRouter(api.RouterConfig{
		Controller:    ctrl,
		Objects:       apiStore,
		Reconciler:    rec,
		PresignTTL:    storageCfg.PresignTTL,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
		AdminKey:      svcCfg.AdminKey,
		CallbackKey:   svcCfg.CallbackKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}
	if svcCfg.AdminKey == "" {
		slog.Warn("Admin routes accept the API key - no ADMIN_API_KEY configured")
	}
	if svcCfg.CallbackKey == "" {
		slog.Warn("Runner event signatures disabled - no CALLBACK_SIGNING_KEY configured")
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
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
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
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		rec.Stop()
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting requests and finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: stop polling; no more status writes after this
	rec.Stop()

	// Phase 4: drain notifications
	slog.Info("Draining notification dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Workloads keep running in the orchestrator; the next start reconciles them.
	slog.Info("Running jobs will continue independently")
	slog.Info("Shutdown complete")
	return nil
}
