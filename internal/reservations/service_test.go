package reservations

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invKey struct {
	productID  int64
	locationID int64
}

type mockRepository struct {
	orders   map[int64]*Order
	holds    map[int64][]Hold
	reserved map[invKey]float64

	listOrdersError error
	listHoldsError  error
	reservedErrFor  invKey
	noteError       error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		orders:   make(map[int64]*Order),
		holds:    make(map[int64][]Hold),
		reserved: make(map[invKey]float64),
	}
}

func (m *mockRepository) ListStaleConfirmedOrders(ctx context.Context, cutoff time.Time) ([]Order, error) {
	if m.listOrdersError != nil {
		return nil, m.listOrdersError
	}
	var out []Order
	for id := int64(1); id <= int64(len(m.orders))+10; id++ {
		order, ok := m.orders[id]
		if !ok || order.Status != OrderStatusConfirmed {
			continue
		}
		if order.ConfirmedAt.After(cutoff) {
			continue
		}
		out = append(out, *order)
	}
	return out, nil
}

func (m *mockRepository) ListReserveHolds(ctx context.Context, orderID int64) ([]Hold, error) {
	if m.listHoldsError != nil {
		return nil, m.listHoldsError
	}
	return m.holds[orderID], nil
}

func (m *mockRepository) GetReservedQty(ctx context.Context, productID, locationID int64) (float64, error) {
	key := invKey{productID, locationID}
	if m.reservedErrFor == key {
		return 0, errors.New("inventory lookup failed")
	}
	return m.reserved[key], nil
}

func (m *mockRepository) AppendOrderNote(ctx context.Context, orderID int64, note string) error {
	if m.noteError != nil {
		return m.noteError
	}
	order, ok := m.orders[orderID]
	if !ok {
		return errors.New("order not found")
	}
	if order.Notes == "" {
		order.Notes = note
	} else {
		order.Notes = order.Notes + "\n" + note
	}
	return nil
}

type mockReleaser struct {
	calls  []ReleaseInput
	errFor invKey
}

func (m *mockReleaser) ReleaseHold(ctx context.Context, input ReleaseInput) error {
	if input.Qty <= 0 {
		return ErrInvalidRelease
	}
	key := invKey{input.ProductID, input.LocationID}
	if m.errFor == key {
		return errors.New("release failed")
	}
	m.calls = append(m.calls, input)
	return nil
}

func newTestService(repo *mockRepository, releaser *mockReleaser) *Service {
	svc := NewService(repo, releaser, nil, nil)
	svc.clock = func() time.Time {
		return time.Date(2025, time.March, 20, 8, 0, 0, 0, time.UTC)
	}
	return svc
}

func seedOrder(repo *mockRepository, id int64, confirmedDaysAgo int) *Order {
	confirmed := time.Date(2025, time.March, 20, 8, 0, 0, 0, time.UTC).AddDate(0, 0, -confirmedDaysAgo)
	order := &Order{
		ID:          id,
		OrderNumber: fmt.Sprintf("ORD-%04d", id),
		Status:      OrderStatusConfirmed,
		ConfirmedAt: confirmed,
	}
	repo.orders[id] = order
	return order
}

func TestSweepReleasesStaleHolds(t *testing.T) {
	repo := newMockRepository()
	seedOrder(repo, 1, 20)
	repo.holds[1] = []Hold{
		{ProductID: 10, LocationID: 100, QtyChange: -5},
		{ProductID: 11, LocationID: 100, QtyChange: -3},
	}
	repo.reserved[invKey{10, 100}] = 5
	repo.reserved[invKey{11, 100}] = 3
	releaser := &mockReleaser{}

	svc := newTestService(repo, releaser)
	result, err := svc.ExpireStaleReservations(context.Background(), 14)
	require.NoError(t, err)

	assert.Equal(t, 1, result.OrdersProcessed)
	assert.Equal(t, 2, result.ReservationsReleased)
	assert.Empty(t, result.Errors)
	require.Len(t, releaser.calls, 2)
	assert.Equal(t, 5.0, releaser.calls[0].Qty)
	assert.False(t, releaser.calls[0].AlsoDeduct)
	assert.Equal(t, "ORD-0001", releaser.calls[0].OrderRef)
}

func TestSweepIgnoresRecentOrders(t *testing.T) {
	repo := newMockRepository()
	seedOrder(repo, 1, 5)
	repo.holds[1] = []Hold{{ProductID: 10, LocationID: 100, QtyChange: -5}}
	repo.reserved[invKey{10, 100}] = 5
	releaser := &mockReleaser{}

	svc := newTestService(repo, releaser)
	result, err := svc.ExpireStaleReservations(context.Background(), 14)
	require.NoError(t, err)

	assert.Zero(t, result.OrdersProcessed)
	assert.Empty(t, releaser.calls)
}

func TestSweepBoundsReleaseToLiveQty(t *testing.T) {
	// 8 were reserved originally but 3 were partially released since; only
	// the live 3 may be released now.
	repo := newMockRepository()
	seedOrder(repo, 1, 30)
	repo.holds[1] = []Hold{{ProductID: 10, LocationID: 100, QtyChange: -8}}
	repo.reserved[invKey{10, 100}] = 3
	releaser := &mockReleaser{}

	svc := newTestService(repo, releaser)
	result, err := svc.ExpireStaleReservations(context.Background(), 14)
	require.NoError(t, err)

	assert.Equal(t, 1, result.ReservationsReleased)
	require.Len(t, releaser.calls, 1)
	assert.Equal(t, 3.0, releaser.calls[0].Qty)
}

func TestSweepSkipsAlreadyReleasedHolds(t *testing.T) {
	repo := newMockRepository()
	seedOrder(repo, 1, 30)
	repo.holds[1] = []Hold{{ProductID: 10, LocationID: 100, QtyChange: -5}}
	repo.reserved[invKey{10, 100}] = 0
	releaser := &mockReleaser{}

	svc := newTestService(repo, releaser)
	result, err := svc.ExpireStaleReservations(context.Background(), 14)
	require.NoError(t, err)

	assert.Equal(t, 1, result.OrdersProcessed)
	assert.Zero(t, result.ReservationsReleased)
	assert.Empty(t, releaser.calls)
	// No note is written when nothing was released.
	assert.Empty(t, repo.orders[1].Notes)
}

func TestSweepIsIdempotent(t *testing.T) {
	repo := newMockRepository()
	seedOrder(repo, 1, 30)
	repo.holds[1] = []Hold{{ProductID: 10, LocationID: 100, QtyChange: -5}}
	repo.reserved[invKey{10, 100}] = 5
	releaser := &mockReleaser{}

	svc := newTestService(repo, releaser)
	first, err := svc.ExpireStaleReservations(context.Background(), 14)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ReservationsReleased)

	// Mirror the release against the live view, as the real release does.
	repo.reserved[invKey{10, 100}] = 0

	second, err := svc.ExpireStaleReservations(context.Background(), 14)
	require.NoError(t, err)
	assert.Zero(t, second.ReservationsReleased)
	assert.Len(t, releaser.calls, 1)
}

func TestSweepAppendsOrderNote(t *testing.T) {
	repo := newMockRepository()
	order := seedOrder(repo, 1, 30)
	order.Notes = "packed late"
	repo.holds[1] = []Hold{{ProductID: 10, LocationID: 100, QtyChange: -5}}
	repo.reserved[invKey{10, 100}] = 5

	svc := newTestService(repo, &mockReleaser{})
	_, err := svc.ExpireStaleReservations(context.Background(), 14)
	require.NoError(t, err)

	assert.Contains(t, order.Notes, "packed late\n")
	assert.Contains(t, order.Notes, "[2025-03-20] Reservations auto-expired: released 1 hold(s)")
	assert.Contains(t, order.Notes, order.ConfirmedAt.Format("2006-01-02"))
}

func TestSweepContinuesAfterOrderFailure(t *testing.T) {
	repo := newMockRepository()
	seedOrder(repo, 1, 30)
	seedOrder(repo, 2, 25)
	repo.holds[1] = []Hold{{ProductID: 10, LocationID: 100, QtyChange: -5}}
	repo.holds[2] = []Hold{{ProductID: 11, LocationID: 100, QtyChange: -2}}
	repo.reserved[invKey{10, 100}] = 5
	repo.reserved[invKey{11, 100}] = 2
	releaser := &mockReleaser{errFor: invKey{10, 100}}

	svc := newTestService(repo, releaser)
	result, err := svc.ExpireStaleReservations(context.Background(), 14)
	require.NoError(t, err)

	assert.Equal(t, 2, result.OrdersProcessed)
	assert.Equal(t, 1, result.ReservationsReleased)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, int64(1), result.Errors[0].OrderID)
}

func TestSweepDefaultsExpirationDays(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, &mockReleaser{})

	result, err := svc.ExpireStaleReservations(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultExpirationDays, result.ExpirationDays)
	expected := time.Date(2025, time.March, 6, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, expected, result.CutoffDate)
}

func TestSweepListFailure(t *testing.T) {
	repo := newMockRepository()
	repo.listOrdersError = errors.New("db down")
	svc := newTestService(repo, &mockReleaser{})

	_, err := svc.ExpireStaleReservations(context.Background(), 14)
	assert.Error(t, err)
}
