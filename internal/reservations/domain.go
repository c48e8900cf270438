package reservations

import (
	"errors"
	"time"
)

// Order statuses relevant to the expiration sweep. Only "confirmed" orders
// are considered stale candidates; the sweep never changes order status.
const (
	OrderStatusConfirmed = "confirmed"
)

// DefaultExpirationDays is the threshold applied when no override is given.
const DefaultExpirationDays = 14

// Transaction types recorded against inventory for order holds.
const (
	TxTypeReserve = "reserve"
	TxTypeRelease = "release"
)

// Order is the slice of an outbound order the sweep needs.
type Order struct {
	ID          int64
	OrderNumber string
	ClientID    int64
	Status      string
	ConfirmedAt time.Time
	Notes       string
}

// Hold is one original reservation amount scoped to a product and location.
type Hold struct {
	ProductID  int64
	LocationID int64
	QtyChange  float64
}

// ReleaseInput describes one hold release handed to the release operation.
type ReleaseInput struct {
	OrderID    int64
	OrderRef   string
	ProductID  int64
	LocationID int64
	Qty        float64
	// AlsoDeduct additionally reduces on-hand quantity. The sweep always
	// passes false: it releases the hold without touching stock.
	AlsoDeduct bool
}

// OrderError records one order failure inside a sweep.
type OrderError struct {
	OrderID int64  `json:"order_id"`
	Error   string `json:"error"`
}

// SweepResult aggregates one sweep invocation.
type SweepResult struct {
	ExpirationDays       int          `json:"expiration_days"`
	CutoffDate           time.Time    `json:"cutoff_date"`
	OrdersProcessed      int          `json:"orders_processed"`
	ReservationsReleased int          `json:"reservations_released"`
	Errors               []OrderError `json:"errors"`
}

// ErrInvalidRelease indicates a release request with a non-positive quantity.
var ErrInvalidRelease = errors.New("reservations: release quantity must be positive")
