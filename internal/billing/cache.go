package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateCardCache keeps per-client rate card lists in Redis. Rate cards change
// rarely but are read on every storage-fee aggregation and admin screen, so
// a short TTL read-through cache is enough.
type RateCardCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRateCardCache constructs the cache.
func NewRateCardCache(client *redis.Client, ttl time.Duration) *RateCardCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RateCardCache{client: client, ttl: ttl}
}

func rateCardKey(clientID int64) string {
	return fmt.Sprintf("billing:ratecards:%d", clientID)
}

// Get returns the cached rate cards for a client, or ok=false on miss.
func (c *RateCardCache) Get(ctx context.Context, clientID int64) ([]ClientRateCard, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, rateCardKey(clientID)).Bytes()
	if err != nil {
		return nil, false
	}
	var cards []ClientRateCard
	if err := json.Unmarshal(raw, &cards); err != nil {
		return nil, false
	}
	return cards, true
}

// Set stores the rate cards for a client.
func (c *RateCardCache) Set(ctx context.Context, clientID int64, cards []ClientRateCard) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(cards)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, rateCardKey(clientID), raw, c.ttl).Err()
}

// Invalidate drops the cached entry after a rate card write.
func (c *RateCardCache) Invalidate(ctx context.Context, clientID int64) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(ctx, rateCardKey(clientID)).Err()
}
