package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/wareflow-erp/wareflow/internal/app"
	"github.com/wareflow-erp/wareflow/internal/billing"
	jobmetrics "github.com/wareflow-erp/wareflow/internal/jobs"
	"github.com/wareflow-erp/wareflow/internal/platform/cache"
	"github.com/wareflow-erp/wareflow/internal/platform/db"
	"github.com/wareflow-erp/wareflow/internal/reservations"
	"github.com/wareflow-erp/wareflow/internal/shared"
	"github.com/wareflow-erp/wareflow/jobs"
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
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	metrics := jobmetrics.NewMetrics(nil)

	billingRepo := billing.NewRepository(pool)
	storageFees := billing.NewStorageFeeCalculator(pool)
	rateCardCache := billing.NewRateCardCache(redisClient, cfg.RateCardCacheTTL)
	billingService := billing.NewService(billingRepo, storageFees, rateCardCache, auditLogger, logger)

	reservationsRepo := reservations.NewRepository(pool)
	releaser := reservations.NewReleaser(pool)
	reservationsService := reservations.NewService(reservationsRepo, releaser, auditLogger, logger)

	billingJob := jobs.NewBillingRunJob(billingService, logger, metrics)
	expireJob := jobs.NewReservationExpireJob(reservationsService, logger, metrics)

	billingTask, err := jobs.NewBillingRunTask(jobs.BillingRunPayload{ScheduledFor: time.Now().UTC()})
	if err != nil {
		logger.Error("build billing run task", slog.Any("error", err))
		os.Exit(1)
	}
	expireTask, err := jobs.NewReservationExpireTask(jobs.ReservationExpirePayload{ExpirationDays: cfg.ReservationExpiryDays})
	if err != nil {
		logger.Error("build reservation expire task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBillingMonthlyRun, Handler: billingJob.Handle},
			{Type: jobs.TaskReservationExpire, Handler: expireJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.BillingRunCronSpec, Task: billingTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.ReservationSweepCron, Task: expireTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started",
		slog.String("billing_cron", cfg.BillingRunCronSpec),
		slog.String("sweep_cron", cfg.ReservationSweepCron),
	)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
