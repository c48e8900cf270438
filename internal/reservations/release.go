package reservations

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wareflow-erp/wareflow/internal/platform/db"
)

// Releaser performs the hold-release operation against live inventory. The
// decrement and the audit transaction row commit together.
type Releaser struct {
	pool *pgxpool.Pool
}

// NewReleaser constructs Releaser.
func NewReleaser(pool *pgxpool.Pool) *Releaser {
	return &Releaser{pool: pool}
}

// ReleaseHold reduces qty_reserved for the (product, location) pair and
// records a release transaction tagged with the order. When AlsoDeduct is
// set the on-hand quantity drops as well; the expiration sweep never sets
// it.
func (r *Releaser) ReleaseHold(ctx context.Context, input ReleaseInput) error {
	if input.Qty <= 0 {
		return ErrInvalidRelease
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var remaining float64
		err := tx.QueryRow(ctx, `UPDATE inventory
SET qty_reserved = GREATEST(qty_reserved - $3, 0),
    qty_on_hand = CASE WHEN $4 THEN qty_on_hand - $3 ELSE qty_on_hand END,
    updated_at = NOW()
WHERE product_id=$1 AND location_id=$2
RETURNING qty_reserved`, input.ProductID, input.LocationID, input.Qty, input.AlsoDeduct).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("reservations: release %d/%d: %w", input.ProductID, input.LocationID, err)
		}
		_, err = tx.Exec(ctx, `INSERT INTO inventory_transactions (code, tx_type, product_id, location_id, qty_change, order_id, note, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			uuid.NewString(), TxTypeRelease, input.ProductID, input.LocationID, -input.Qty, input.OrderID,
			fmt.Sprintf("auto-release for order %s", input.OrderRef), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("reservations: record release: %w", err)
		}
		return nil
	})
}
