package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/wareflow-erp/wareflow/internal/billing"
	jobmetrics "github.com/wareflow-erp/wareflow/internal/jobs"
)

// BillingRunner runs fleet-wide invoice generation.
type BillingRunner interface {
	RunBillingRun(ctx context.Context, runType billing.RunType, periodStart, periodEnd time.Time, clientID int64) (*billing.BillingRun, error)
}

// BillingRunJob executes the scheduled monthly billing run.
type BillingRunJob struct {
	Service BillingRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewBillingRunJob initialises the billing run handler.
func NewBillingRunJob(service BillingRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *BillingRunJob {
	return &BillingRunJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle bills the previous calendar month for all active clients.
func (j *BillingRunJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("billing run: handler not configured")
	}
	var payload BillingRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskBillingMonthlyRun)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	now := j.now()
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	periodStart := firstOfMonth.AddDate(0, -1, 0)
	periodEnd := firstOfMonth.AddDate(0, 0, -1)

	logger := j.logger().With(
		slog.String("period_start", periodStart.Format("2006-01-02")),
		slog.String("period_end", periodEnd.Format("2006-01-02")),
	)
	logger.Info("starting scheduled billing run")

	start := time.Now()
	run, err := j.Service.RunBillingRun(ctx, billing.RunTypeScheduled, periodStart, periodEnd, payload.ClientID)
	if err != nil {
		resultErr = err
		logger.Error("billing run failed", slog.Any("error", err))
		return resultErr
	}

	j.metrics().AddInvoices(run.InvoicesGenerated)
	logger.Info("completed scheduled billing run",
		slog.String("run", run.RunNumber),
		slog.String("status", string(run.Status)),
		slog.Int("invoices_generated", run.InvoicesGenerated),
		slog.Float64("total_billed", run.TotalBilled),
		slog.Int("errors", len(run.Errors)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *BillingRunJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBillingMonthlyRun))
	}
	return slog.Default().With(slog.String("job", TaskBillingMonthlyRun))
}

func (j *BillingRunJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BillingRunJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
