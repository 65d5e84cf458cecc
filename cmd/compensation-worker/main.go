package main

import (
	"context"
	"os"
	"time"

	"monthlypay/internal/cli"
	"monthlypay/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	logger.Info("Starting compensation-worker")
	cfg := cli.LoadAndValidateConfig(logger)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	repo, closeRepo := cli.OpenRepository(ctx, logger, cfg)
	defer closeRepo()

	comp, closeWarehouse, err := cli.NewCompensationService(ctx, cfg, repo, nil)
	if err != nil {
		logger.Error("Failed to initialize compensation service", "error", err)
		os.Exit(1)
	}
	defer closeWarehouse()

	// Events are optional; without a broker the interval alone drives
	// recomputes.
	var events worker.EventSource
	bus, err := cli.NewEventBus(cfg)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	if bus != nil {
		defer bus.Close()
		events = bus
	} else {
		logger.Info("AMQP disabled, recomputing on interval only", "interval", cfg.RecomputeInterval)
	}

	// Bring the table up to date before waiting for the first trigger.
	if res, err := comp.Recompute(ctx); err != nil {
		logger.Error("Startup recompute failed", "error", err)
	} else {
		logger.Info("Startup recompute done", "records", res.Records)
	}

	w := worker.NewRecomputeWorker(comp, events, cfg.RecomputeInterval)
	if err := w.Run(ctx); err != nil {
		logger.Error("Worker stopped", "error", err)
		os.Exit(1)
	}
	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker shutdown complete")
}
