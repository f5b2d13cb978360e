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

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetdesk/fleetdesk/internal/app"
	jobmetrics "github.com/fleetdesk/fleetdesk/internal/jobs"
	"github.com/fleetdesk/fleetdesk/internal/ledger"
	"github.com/fleetdesk/fleetdesk/internal/platform/cache"
	"github.com/fleetdesk/fleetdesk/internal/platform/db"
	"github.com/fleetdesk/fleetdesk/internal/reporting"
	"github.com/fleetdesk/fleetdesk/internal/shared"
	"github.com/fleetdesk/fleetdesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	services := app.NewServices(app.ServiceDeps{
		Config:     cfg,
		Logger:     logger,
		Store:      ledger.NewRepository(pool, cfg.TxMaxRetries),
		Cache:      reporting.NewCache(redisClient, cfg.ReportCacheTTL),
		Audit:      shared.NewAuditLogger(pool),
		Registerer: prometheus.DefaultRegisterer,
	})
	metrics := jobmetrics.NewMetrics(nil)

	applyJob := jobs.NewApplyPaymentJob(services.Allocation, logger, metrics)
	rentalJob := jobs.NewRentalChargeJob(services.Rentals, logger, metrics)
	backfillJob := jobs.NewPnLBackfillJob(services.PnL, cfg.Clock(), logger, metrics)

	rentalTask, err := jobs.NewRentalChargesTask()
	if err != nil {
		logger.Error("build rental charge task", slog.Any("error", err))
		os.Exit(1)
	}
	backfillTask, err := jobs.NewPnLBackfillTask(cfg.PnLBackfillLookback)
	if err != nil {
		logger.Error("build backfill task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Location:    cfg.Location(),
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskApplyPayment, Handler: applyJob.Handle},
			{Type: jobs.TaskRentalCharges, Handler: rentalJob.Handle},
			{Type: jobs.TaskPnLBackfill, Handler: backfillJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.RentalChargeCron, Task: rentalTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.PnLBackfillCron, Task: backfillTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		go serveMetrics(ctx, cfg.WorkerMetricsAddr, logger)
	}

	logger.Info("starting worker",
		slog.String("rental_cron", cfg.RentalChargeCron),
		slog.String("backfill_cron", cfg.PnLBackfillCron))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("worker metrics server", slog.Any("error", err))
	}
}
