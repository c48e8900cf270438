package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/wareflow-erp/wareflow/internal/jobs"
	"github.com/wareflow-erp/wareflow/internal/reservations"
)

// ReservationSweeper expires stale reservation holds.
type ReservationSweeper interface {
	ExpireStaleReservations(ctx context.Context, expirationDays int) (reservations.SweepResult, error)
}

// ReservationExpireJob executes the scheduled reservation sweep.
type ReservationExpireJob struct {
	Service ReservationSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReservationExpireJob initialises the sweep handler.
func NewReservationExpireJob(service ReservationSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReservationExpireJob {
	return &ReservationExpireJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle runs the sweep with the payload's threshold (default 14 days).
func (j *ReservationExpireJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("reservation expire: handler not configured")
	}
	var payload ReservationExpirePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskReservationExpire)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	logger.Info("starting reservation sweep", slog.Int("expiration_days", payload.ExpirationDays))

	start := time.Now()
	result, err := j.Service.ExpireStaleReservations(ctx, payload.ExpirationDays)
	if err != nil {
		resultErr = err
		logger.Error("reservation sweep failed", slog.Any("error", err))
		return resultErr
	}

	j.metrics().AddReleases(result.ReservationsReleased)
	logger.Info("completed reservation sweep",
		slog.Int("orders_processed", result.OrdersProcessed),
		slog.Int("reservations_released", result.ReservationsReleased),
		slog.Int("errors", len(result.Errors)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *ReservationExpireJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReservationExpire))
	}
	return slog.Default().With(slog.String("job", TaskReservationExpire))
}

func (j *ReservationExpireJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
