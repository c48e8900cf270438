package reservations

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/wareflow-erp/wareflow/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	ListStaleConfirmedOrders(ctx context.Context, cutoff time.Time) ([]Order, error)
	ListReserveHolds(ctx context.Context, orderID int64) ([]Hold, error)
	GetReservedQty(ctx context.Context, productID, locationID int64) (float64, error)
	AppendOrderNote(ctx context.Context, orderID int64, note string) error
}

// ReleasePort is the external release operation.
type ReleasePort interface {
	ReleaseHold(ctx context.Context, input ReleaseInput) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, entry shared.AuditLog) error
}

// Service runs the reservation expiration sweep.
type Service struct {
	repo    RepositoryPort
	release ReleasePort
	audit   AuditPort
	logger  *slog.Logger
	clock   func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, release ReleasePort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		release: release,
		audit:   audit,
		logger:  logger,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// ExpireStaleReservations reconciles confirmed orders older than the
// threshold against live inventory and releases excess holds. Orders are
// processed independently: one order's failure is recorded and the sweep
// continues. Re-running immediately is a no-op because already-released
// pairs fail the live qty_reserved check.
func (s *Service) ExpireStaleReservations(ctx context.Context, expirationDays int) (SweepResult, error) {
	if expirationDays <= 0 {
		expirationDays = DefaultExpirationDays
	}
	now := s.clock()
	cutoff := now.AddDate(0, 0, -expirationDays)
	result := SweepResult{ExpirationDays: expirationDays, CutoffDate: cutoff}

	orders, err := s.repo.ListStaleConfirmedOrders(ctx, cutoff)
	if err != nil {
		return result, fmt.Errorf("reservations: list stale orders: %w", err)
	}

	for _, order := range orders {
		released, err := s.expireOrder(ctx, order)
		result.OrdersProcessed++
		result.ReservationsReleased += released
		if err != nil {
			result.Errors = append(result.Errors, OrderError{OrderID: order.ID, Error: err.Error()})
			s.logger.Warn("reservation sweep order failed",
				slog.Int64("order_id", order.ID),
				slog.String("order_number", order.OrderNumber),
				slog.Any("error", err),
			)
		}
	}

	s.logger.Info("reservation sweep finished",
		slog.Int("expiration_days", expirationDays),
		slog.Time("cutoff", cutoff),
		slog.Int("orders_processed", result.OrdersProcessed),
		slog.Int("reservations_released", result.ReservationsReleased),
		slog.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// expireOrder releases this order's excess holds and returns how many
// release operations were performed.
func (s *Service) expireOrder(ctx context.Context, order Order) (int, error) {
	holds, err := s.repo.ListReserveHolds(ctx, order.ID)
	if err != nil {
		return 0, fmt.Errorf("list holds: %w", err)
	}

	released := 0
	for _, hold := range holds {
		live, err := s.repo.GetReservedQty(ctx, hold.ProductID, hold.LocationID)
		if err != nil {
			return released, fmt.Errorf("check reserved qty %d/%d: %w", hold.ProductID, hold.LocationID, err)
		}
		// Hold already released elsewhere.
		if live <= 0 {
			continue
		}
		// Never release more than is currently held; partial releases may
		// have happened since the original reserve.
		qty := math.Min(math.Abs(hold.QtyChange), live)
		if qty <= 0 {
			continue
		}
		err = s.release.ReleaseHold(ctx, ReleaseInput{
			OrderID:    order.ID,
			OrderRef:   order.OrderNumber,
			ProductID:  hold.ProductID,
			LocationID: hold.LocationID,
			Qty:        qty,
			AlsoDeduct: false,
		})
		if err != nil {
			return released, fmt.Errorf("release %d/%d: %w", hold.ProductID, hold.LocationID, err)
		}
		released++
	}

	if released > 0 {
		note := fmt.Sprintf("[%s] Reservations auto-expired: released %d hold(s) after %s",
			s.clock().Format("2006-01-02"), released, order.ConfirmedAt.Format("2006-01-02"))
		if err := s.repo.AppendOrderNote(ctx, order.ID, note); err != nil {
			return released, fmt.Errorf("append note: %w", err)
		}
		if s.audit != nil {
			_ = s.audit.Record(ctx, shared.AuditLog{
				Action:   "reservations:auto_expire",
				Entity:   "orders",
				EntityID: order.OrderNumber,
				Meta: map[string]any{
					"order_id": order.ID,
					"released": released,
				},
			})
		}
	}
	return released, nil
}
