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

	"github.com/wareflow-erp/wareflow/internal/app"
	"github.com/wareflow-erp/wareflow/internal/billing"
	"github.com/wareflow-erp/wareflow/internal/cron"
	"github.com/wareflow-erp/wareflow/internal/observability"
	"github.com/wareflow-erp/wareflow/internal/platform/cache"
	"github.com/wareflow-erp/wareflow/internal/platform/db"
	"github.com/wareflow-erp/wareflow/internal/reservations"
	"github.com/wareflow-erp/wareflow/internal/shared"
	"github.com/wareflow-erp/wareflow/jobs"
)

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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
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

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)

	billingRepo := billing.NewRepository(pool)
	storageFees := billing.NewStorageFeeCalculator(pool)
	rateCardCache := billing.NewRateCardCache(redisClient, cfg.RateCardCacheTTL)
	billingService := billing.NewService(billingRepo, storageFees, rateCardCache, auditLogger, logger)
	billingHandler := billing.NewHandler(logger, billingService)

	reservationsRepo := reservations.NewRepository(pool)
	releaser := reservations.NewReleaser(pool)
	reservationsService := reservations.NewService(reservationsRepo, releaser, auditLogger, logger)
	reservationsHandler := reservations.NewHandler(logger, reservationsService)

	cronHandler := cron.NewHandler(logger, billingService, reservationsService, cfg.CronSecret)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(cfg, app.RouterDeps{
		Logger:       logger,
		Billing:      billingHandler,
		Reservations: reservationsHandler,
		Cron:         cronHandler,
		Jobs:         jobsHandler,
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}
	logger.Info("server stopped")
}
