package reservations

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads order and reservation state from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListStaleConfirmedOrders returns confirmed orders whose confirmation
// predates the cutoff.
func (r *Repository) ListStaleConfirmedOrders(ctx context.Context, cutoff time.Time) ([]Order, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, order_number, client_id, status, confirmed_at, COALESCE(notes, '')
FROM orders
WHERE status=$1 AND confirmed_at < $2
ORDER BY confirmed_at`, OrderStatusConfirmed, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.OrderNumber, &o.ClientID, &o.Status, &o.ConfirmedAt, &o.Notes); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// ListReserveHolds returns the original hold amounts recorded for an order,
// one row per (product, location) reserve transaction.
func (r *Repository) ListReserveHolds(ctx context.Context, orderID int64) ([]Hold, error) {
	rows, err := r.pool.Query(ctx, `SELECT product_id, location_id, qty_change
FROM inventory_transactions
WHERE tx_type=$1 AND order_id=$2
ORDER BY id`, TxTypeReserve, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var holds []Hold
	for rows.Next() {
		var h Hold
		if err := rows.Scan(&h.ProductID, &h.LocationID, &h.QtyChange); err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return holds, nil
}

// GetReservedQty returns the live reserved quantity for a product at a
// location. A missing inventory row counts as zero.
func (r *Repository) GetReservedQty(ctx context.Context, productID, locationID int64) (float64, error) {
	var qty float64
	err := r.pool.QueryRow(ctx, `SELECT qty_reserved FROM inventory WHERE product_id=$1 AND location_id=$2`, productID, locationID).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return qty, nil
}

// AppendOrderNote appends to the order's free-text notes, preserving
// whatever is already there.
func (r *Repository) AppendOrderNote(ctx context.Context, orderID int64, note string) error {
	_, err := r.pool.Exec(ctx, `UPDATE orders
SET notes = CASE WHEN COALESCE(notes, '') = '' THEN $2 ELSE notes || E'\n' || $2 END,
    updated_at = NOW()
WHERE id=$1`, orderID, note)
	return err
}
