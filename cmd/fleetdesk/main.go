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

	"github.com/hibiken/asynq"

	"github.com/fleetdesk/fleetdesk/cmd/fleetdesk/cli"
	"github.com/fleetdesk/fleetdesk/internal/allocation"
	"github.com/fleetdesk/fleetdesk/internal/app"
	"github.com/fleetdesk/fleetdesk/internal/fines"
	"github.com/fleetdesk/fleetdesk/internal/ledger"
	"github.com/fleetdesk/fleetdesk/internal/observability"
	"github.com/fleetdesk/fleetdesk/internal/platform/cache"
	"github.com/fleetdesk/fleetdesk/internal/platform/db"
	"github.com/fleetdesk/fleetdesk/internal/reporting"
	"github.com/fleetdesk/fleetdesk/internal/shared"
	"github.com/fleetdesk/fleetdesk/jobs"
)

const usage = `usage: fleetdesk [serve | jobs trigger <rentals:charge|pnl:backfill> | jobs stats]`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	switch {
	case len(args) == 0 || args[0] == "serve":
		err = serve(ctx, cfg, logger)
	case args[0] == "jobs":
		err = runJobs(ctx, cfg, args[1:])
	default:
		err = errors.New(usage)
	}
	if err != nil {
		logger.Error("fleetdesk", slog.Any("error", err))
		os.Exit(1)
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	c := cli.NewJobsCLI(cfg.RedisAddr)
	defer c.Close()
	switch {
	case len(args) == 2 && args[0] == "trigger":
		info, err := c.Trigger(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
		return nil
	case len(args) == 1 && args[0] == "stats":
		stats, err := c.InspectQueues(ctx)
		if err != nil {
			return err
		}
		return cli.PrintStats(os.Stdout, stats)
	}
	return errors.New(usage)
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// Reporting falls back to uncached builds.
		logger.Warn("redis unavailable, reporting cache disabled", slog.Any("error", err))
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	store := ledger.NewRepository(pool, cfg.TxMaxRetries)
	services := app.NewServices(app.ServiceDeps{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Cache:      reporting.NewCache(redisClient, cfg.ReportCacheTTL),
		Audit:      shared.NewAuditLogger(pool),
		Registerer: metrics.Registerer(),
	})

	var enqueuer allocation.Enqueuer
	if cfg.ApplyAsync {
		client := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer client.Close()
		enqueuer = client
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	ready := map[string]app.Pinger{"postgres": pool.Ping}
	if redisClient != nil {
		ready["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		Allocation: allocation.NewHandler(logger, services.Allocation, enqueuer),
		Fines:      fines.NewHandler(logger, services.Fines),
		Reporting:  reporting.NewHandler(logger, services.Reporting),
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
		Ready:      ready,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("scope", string(cfg.Scope())),
			slog.Bool("apply_async", cfg.ApplyAsync))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
