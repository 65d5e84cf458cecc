package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"monthlypay/internal/authz"
	"monthlypay/internal/cache"
	"monthlypay/internal/cli"
	"monthlypay/internal/core"
	apphttp "monthlypay/internal/http"
	"monthlypay/internal/ledger"
	"monthlypay/internal/middleware/ratelimit"
	"monthlypay/internal/services"
	"monthlypay/internal/storage"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	cfg := cli.LoadAndValidateConfig(logger)

	ctx := context.Background()
	repo, closeRepo := cli.OpenRepository(ctx, logger, cfg)
	defer closeRepo()

	caches := cache.NewManager()

	// Review ledger
	var ledgerOpts []ledger.Option
	if cfg.CheckTransitionRule != "" {
		policy, err := ledger.NewCELPolicy(cfg.CheckTransitionRule)
		if err != nil {
			logger.Error("Invalid check transition rule", "error", err)
			os.Exit(1)
		}
		ledgerOpts = append(ledgerOpts, ledger.WithPolicy(policy))
	}
	overviews := cache.NewLRUCache[ledger.Overview](48, cfg.CheckCacheTTL)
	caches.Register("overview", overviews)
	checks := ledger.NewService(repo, append(ledgerOpts,
		ledger.WithRoster(storage.NewRoster(repo)),
		ledger.WithOverviewCache(overviews),
		ledger.WithStrictVersioning(cfg.CheckStrictVersioning))...)

	comp, closeWarehouse, err := cli.NewCompensationService(ctx, cfg, repo, caches,
		services.WithRecomputeHook(checks.InvalidateOverviews))
	if err != nil {
		logger.Error("Failed to initialize compensation service", "error", err)
		os.Exit(1)
	}
	defer closeWarehouse()

	// Access control
	roleCache := cache.NewLRUCache[core.Role](1000, cfg.RoleCacheTTL)
	caches.Register("roles", roleCache)
	roles := services.NewRoleResolver(repo, roleCache, cfg.InitialAdminEmail)
	users := services.NewUserService(repo, roles, cfg.InitialAdminEmail, cfg.AllowedEmailDomain)

	mode, err := authz.ParseMode(cfg.AuthzMode, cfg.AuthzAllowDisabled)
	if err != nil {
		logger.Error("Invalid authorization mode", "error", err)
		os.Exit(1)
	}
	var az *authz.Authorizer
	if cfg.AuthzModelFile != "" {
		az, err = authz.NewAuthorizerFromFiles(cfg.AuthzModelFile, cfg.AuthzPolicyFile, mode)
	} else {
		az, err = authz.NewAuthorizer(mode)
	}
	if err != nil {
		logger.Error("Failed to initialize authorizer", "error", err)
		os.Exit(1)
	}
	if mode != authz.ModeEnforce {
		logger.Warn("Authorization is not enforced", "mode", mode)
	}

	caches.StartCleanup(10 * time.Minute)
	defer caches.Stop()

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Compensation:   comp,
		Ledger:         checks,
		Users:          users,
		Roles:          roles,
		Authorizer:     az,
		Caches:         caches,
		Store:          repo,
		AllowDevHeader: cfg.AllowDevHeader,
		TrustedProxies: cfg.TrustedProxies,
		RateLimit:      ratelimit.DefaultConfig(),
	})
	if cfg.AllowDevHeader {
		logger.Warn("Accepting identity from the development header")
	}

	shutdownCtx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
	})

	logger.Info("Starting paydash server", "port", cfg.Port, "backend", cfg.DataBackend, "authz_mode", mode)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(shutdownCtx, done)
	logger.Info("Server stopped gracefully")
}
