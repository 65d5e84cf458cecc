// Package cli provides common CLI initialization utilities.
// This package consolidates the wiring shared by cmd/paydash,
// cmd/collector and cmd/compensation-worker.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/joho/godotenv"

	"monthlypay/internal/amqp"
	"monthlypay/internal/backend"
	"monthlypay/internal/cache"
	"monthlypay/internal/compensation"
	"monthlypay/internal/config"
	"monthlypay/internal/core"
	applog "monthlypay/internal/log"
	"monthlypay/internal/services"
	"monthlypay/internal/sheets"
	gsheet "monthlypay/internal/sheets/google"
	memsheet "monthlypay/internal/sheets/memory"
	"monthlypay/internal/storage"
	"monthlypay/internal/warehouse"
)

// SetupLogger initializes structured logging from LOG_LEVEL and
// LOG_FORMAT and sets it as the process default.
func SetupLogger(level, format string) *applog.Logger {
	logger := applog.New(applog.Config{
		Level:     applog.ParseLevel(level),
		Component: applog.ComponentApp,
		Format:    format,
	})
	applog.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *applog.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

// OpenRepository creates the configured storage backend. Returns the
// repository and its cleanup or exits the process on failure.
func OpenRepository(ctx context.Context, logger *applog.Logger, cfg *config.Config) (storage.Repository, func()) {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", "error", err)
		os.Exit(1)
	}
	res, err := backend.NewFactory().CreateBackend(ctx, bcfg)
	if err != nil {
		logger.Error("Failed to initialize repository", "error", err, "backend", bcfg.Type)
		os.Exit(1)
	}
	return res.Repository, func() {
		if err := res.Cleanup(); err != nil {
			logger.Error("Failed to close repository", "error", err)
		}
	}
}

// NewEventBus connects to the broker, or returns nil when AMQP_URL is
// unset.
func NewEventBus(cfg *config.Config) (*amqp.Client, error) {
	if cfg.AMQPURL == "" {
		return nil, nil
	}
	return amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
}

// NewCollector reads the live spreadsheets when a master spreadsheet is
// configured and the seed files under REPORTS_DIR otherwise.
func NewCollector(ctx context.Context, cfg *config.Config) (sheets.Collector, error) {
	if !cfg.UsesGoogleSheets() {
		src, err := memsheet.NewFromFiles(cfg.ReportsDir)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	creds, err := gsheet.ReadCredentials(cfg.GoogleServiceAccountJSON, cfg.GoogleServiceAccountFile)
	if err != nil {
		return nil, err
	}
	svc, err := gsheet.NewService(ctx, creds, cfg.GoogleDelegateSubject)
	if err != nil {
		return nil, err
	}
	client, err := gsheet.New(svc, gsheet.Config{
		MasterSpreadsheetID: cfg.GoogleMasterSpreadsheetID,
		MasterSheetName:     cfg.GoogleMasterSheetName,
		SkipURLs:            cfg.GoogleSkipURLs,
		RequestDelay:        cfg.SheetsRequestDelay,
		MaxRetries:          cfg.SheetsMaxRetries,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// LoadEngine builds the aggregator from RULES_FILE, or the built-in rules.
func LoadEngine(cfg *config.Config) (*compensation.Engine, error) {
	if cfg.RulesFile == "" {
		return compensation.NewEngine(compensation.DefaultRules()), nil
	}
	rules, err := compensation.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	return compensation.NewEngine(rules), nil
}

// NewCompensationService wires the aggregator with its data cache and,
// when BQ_DATASET is set, the warehouse publisher. The returned cleanup
// closes the BigQuery client.
func NewCompensationService(ctx context.Context, cfg *config.Config, repo storage.Repository, caches *cache.Manager, opts ...services.CompensationOption) (*services.CompensationService, func(), error) {
	engine, err := LoadEngine(cfg)
	if err != nil {
		return nil, nil, err
	}

	data := cache.NewLRUCache[[]core.MonthlyCompensationRecord](64, cfg.DataCacheTTL)
	if caches != nil {
		caches.Register("compensation", data)
	}
	opts = append([]services.CompensationOption{services.WithDataCache(data)}, opts...)

	cleanup := func() {}
	if cfg.BQDataset != "" {
		client, err := bigquery.NewClient(ctx, cfg.BQProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("create bigquery client: %w", err)
		}
		pub, err := warehouse.NewPublisher(client, cfg.BQDataset, cfg.BQTable)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		opts = append(opts, services.WithWarehouse(pub))
		cleanup = func() { _ = client.Close() }
	}

	return services.NewCompensationService(repo, repo, engine, opts...), cleanup, nil
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *applog.Logger, timeout time.Duration, cleanup func(context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		cancel()
		if cleanup != nil {
			cleanup(shutdownCtx)
		}
		if shutdownCtx.Err() != nil {
			logger.Warn("Shutdown timeout reached")
		} else {
			logger.Info("Shutdown complete")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
