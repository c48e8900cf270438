package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBillingMonthlyRun triggers the monthly fleet-wide billing run.
	TaskBillingMonthlyRun = "billing:monthly_run"
	// TaskReservationExpire triggers the reservation expiration sweep.
	TaskReservationExpire = "reservations:expire"
)

// BillingRunPayload carries scheduling metadata for a billing run task.
type BillingRunPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	// ClientID limits the run to one client; zero bills all active clients.
	ClientID int64 `json:"client_id,omitempty"`
}

// NewBillingRunTask constructs an Asynq task for a billing run.
func NewBillingRunTask(payload BillingRunPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingMonthlyRun, body, asynq.Queue(QueueDefault)), nil
}

// ReservationExpirePayload carries the sweep threshold override.
type ReservationExpirePayload struct {
	ExpirationDays int `json:"expiration_days"`
}

// NewReservationExpireTask constructs an Asynq task for the sweep.
func NewReservationExpireTask(payload ReservationExpirePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReservationExpire, body, asynq.Queue(QueueDefault)), nil
}
