// sim-runner runs inside a simulation job container. It downloads the
// parameter file, runs the simulator and uploads the results.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"simjobs/internal/runner"
	"simjobs/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// The exit status is the simulator's, so the orchestrator sees it.
	os.Exit(run())
}

func run() int {
	cfg := runner.LoadConfigFromEnv()
	if cfg.JobID == "" {
		slog.Error("JOB_ID environment variable is required")
		return runner.ExitSetup
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, storage.LoadConfigFromEnv())
	if err != nil {
		slog.Error("Failed to initialize object storage", "error", err)
		return runner.ExitSetup
	}

	code, err := runner.New(cfg, store).Run(ctx)
	if err != nil {
		slog.Error("Runner failed", "jobId", cfg.JobID, "exitCode", code, "error", err)
	}
	return code
}
