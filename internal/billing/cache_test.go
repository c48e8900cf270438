package billing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RateCardCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRateCardCache(client, time.Minute), mr
}

func TestRateCardCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	_, ok := cache.Get(ctx, 1)
	assert.False(t, ok)

	cards := []ClientRateCard{
		{ID: 1, ClientID: 1, RateCategory: RateCategoryPick, RateCode: "PICK-STD", UnitPrice: 0.45, IsActive: true},
		{ID: 2, ClientID: 1, RateCategory: RateCategoryStorage, RateCode: "STG-PALLET", UnitPrice: 12, IsActive: true},
	}
	cache.Set(ctx, 1, cards)

	got, ok := cache.Get(ctx, 1)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "PICK-STD", got[0].RateCode)
	assert.Equal(t, 12.0, got[1].UnitPrice)

	// Keys are scoped per client.
	_, ok = cache.Get(ctx, 2)
	assert.False(t, ok)
}

func TestRateCardCacheInvalidate(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	cache.Set(ctx, 1, []ClientRateCard{{ID: 1, ClientID: 1, RateCode: "PICK-STD"}})
	_, ok := cache.Get(ctx, 1)
	require.True(t, ok)

	cache.Invalidate(ctx, 1)
	_, ok = cache.Get(ctx, 1)
	assert.False(t, ok)
}

func TestRateCardCacheExpires(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	cache.Set(ctx, 1, []ClientRateCard{{ID: 1, ClientID: 1, RateCode: "PICK-STD"}})
	mr.FastForward(2 * time.Minute)

	_, ok := cache.Get(ctx, 1)
	assert.False(t, ok)
}

func TestRateCardCacheNilSafe(t *testing.T) {
	var cache *RateCardCache
	ctx := context.Background()

	_, ok := cache.Get(ctx, 1)
	assert.False(t, ok)
	cache.Set(ctx, 1, nil)
	cache.Invalidate(ctx, 1)
}
