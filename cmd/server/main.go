// Package main is the entrypoint for the credbroker API server.
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

	"github.com/nikhilbhat/credbroker/internal/api"
	"github.com/nikhilbhat/credbroker/internal/api/handler"
	mw "github.com/nikhilbhat/credbroker/internal/api/middleware"
	"github.com/nikhilbhat/credbroker/internal/config"
	"github.com/nikhilbhat/credbroker/internal/coord"
	"github.com/nikhilbhat/credbroker/internal/crypto"
	"github.com/nikhilbhat/credbroker/internal/pool"
	"github.com/nikhilbhat/credbroker/internal/provider"
	"github.com/nikhilbhat/credbroker/internal/scheduler"
	"github.com/nikhilbhat/credbroker/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "provider", cfg.Provider.Kind, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pgPool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pgPool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Connect to the coordination backend. A failed ping is logged, not
	// fatal: the server starts in degraded mode and recovers when Redis does.
	coordinator, err := coord.NewRedisCoordinator(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	defer coordinator.Close()

	if err := coordinator.Ping(ctx); err != nil {
		slog.Warn("coordination backend unreachable at startup, degraded mode", "error", err)
	} else {
		slog.Info("coordination backend connected")
	}

	// 5. Envelope cipher for credential secrets
	cipher, err := crypto.NewEnvelope(cfg.Crypto.MasterSecret)
	if err != nil {
		return fmt.Errorf("create envelope cipher: %w", err)
	}

	// 6. Upstream provider
	prov, err := provider.New(cfg.Provider)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	slog.Info("provider initialized", "provider", prov.Name())

	// 7. Store, pool manager, scheduler
	pgStore := store.NewPostgresStore(pgPool)
	poolManager := pool.NewManager(pgStore, coordinator, cipher, prov, cfg.Pool)
	sched := scheduler.NewService(pgStore, coordinator, poolManager, prov, cfg.Scheduler)

	go poolManager.Run(ctx)
	go sched.Run(ctx)

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(coordinator, 60),

		HealthHandler: handler.NewHealthHandler(pgStore, coordinator),

		SubmitJob: handler.NewSubmitJobHandler(sched),
		JobStatus: handler.NewJobStatusHandler(sched),
		CancelJob: handler.NewCancelJobHandler(sched),

		PoolStats:  handler.NewPoolStatsHandler(poolManager),
		QueueStats: handler.NewQueueStatsHandler(sched),

		AddCredential:    handler.NewAddCredentialHandler(poolManager),
		RemoveCredential: handler.NewRemoveCredentialHandler(poolManager),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
