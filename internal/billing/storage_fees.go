package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"
)

// StorageFeePort computes per-client storage charges for a period.
type StorageFeePort interface {
	ComputeStorageFees(ctx context.Context, clientID int64, periodStart, periodEnd time.Time) ([]StorageFee, error)
}

// StorageFeeCalculator aggregates daily storage snapshots against the
// client's active storage rate cards. The dashboard and the billing run can
// request the same client+period at once, so identical computations are
// collapsed through a singleflight group.
type StorageFeeCalculator struct {
	pool  *pgxpool.Pool
	group singleflight.Group
}

// NewStorageFeeCalculator constructs the calculator.
func NewStorageFeeCalculator(pool *pgxpool.Pool) *StorageFeeCalculator {
	return &StorageFeeCalculator{pool: pool}
}

// ComputeStorageFees returns one fee per storage rate code with a positive
// aggregated amount.
func (c *StorageFeeCalculator) ComputeStorageFees(ctx context.Context, clientID int64, periodStart, periodEnd time.Time) ([]StorageFee, error) {
	key := fmt.Sprintf("%d:%s:%s", clientID, periodStart.Format("2006-01-02"), periodEnd.Format("2006-01-02"))
	result, err, _ := c.group.Do(key, func() (any, error) {
		return c.compute(ctx, clientID, periodStart, periodEnd)
	})
	if err != nil {
		return nil, err
	}
	fees, _ := result.([]StorageFee)
	return fees, nil
}

func (c *StorageFeeCalculator) compute(ctx context.Context, clientID int64, periodStart, periodEnd time.Time) ([]StorageFee, error) {
	rows, err := c.pool.Query(ctx, `SELECT rc.rate_code, rc.description, SUM(ss.quantity), rc.unit_price, SUM(ss.quantity) * rc.unit_price
FROM storage_snapshots ss
JOIN client_rate_cards rc ON rc.client_id = ss.client_id AND rc.rate_code = ss.rate_code AND rc.rate_category = 'storage' AND rc.is_active
WHERE ss.client_id=$1 AND ss.snapshot_date BETWEEN $2 AND $3
GROUP BY rc.rate_code, rc.description, rc.unit_price
ORDER BY rc.rate_code`, clientID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var fees []StorageFee
	for rows.Next() {
		var fee StorageFee
		if err := rows.Scan(&fee.RateCode, &fee.Description, &fee.Quantity, &fee.UnitPrice, &fee.TotalAmount); err != nil {
			return nil, err
		}
		if fee.TotalAmount > 0 {
			fees = append(fees, fee)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return fees, nil
}
