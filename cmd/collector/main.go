package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"monthlypay/internal/cli"
	applog "monthlypay/internal/log"
	"monthlypay/internal/middleware/trace"
	"monthlypay/internal/services"
)

// runTimeout bounds one collection; a full run reads every report
// spreadsheet with a delay between reads.
const runTimeout = 30 * time.Minute

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	cfg := cli.LoadAndValidateConfig(logger)

	ctx := context.Background()
	repo, closeRepo := cli.OpenRepository(ctx, logger, cfg)
	defer closeRepo()

	collector, err := cli.NewCollector(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize collector", "error", err)
		os.Exit(1)
	}

	var publisher services.EventPublisher
	bus, err := cli.NewEventBus(cfg)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	if bus != nil {
		defer bus.Close()
		publisher = bus
	} else {
		logger.Info("AMQP disabled, the worker picks up new data on its interval")
	}

	ingest := services.NewIngestService(collector, repo, publisher)
	if len(os.Args) > 1 && os.Args[1] == "once" {
		runCtx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()
		if _, err := ingest.Run(runCtx); err != nil {
			logger.Error("Collection failed", "error", err)
			os.Exit(1)
		}
		return
	}

	var running sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		if !running.TryLock() {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "collection already running"})
			return
		}
		defer running.Unlock()

		// Scheduler timeouts must not abort a run halfway.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), runTimeout)
		defer cancel()
		res, err := ingest.Run(runCtx)
		if err != nil {
			applog.FromContext(r.Context()).ErrorContext(r.Context(), "Collection failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "result": res})
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           trace.NewMiddleware(nil).Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      runTimeout + time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	shutdownCtx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
	})

	logger.Info("Starting collector", "port", cfg.Port, "google_sheets", cfg.UsesGoogleSheets())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}
	cli.WaitForShutdown(shutdownCtx, done)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
