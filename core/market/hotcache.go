package market

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// hotRangeCache fronts the disk day-file cache with a Redis TTL cache for
// whichever (symbol, interval, day) keys a batch of agents is currently
// replaying — several agents in one batch verification commonly backtest
// the same window, and a day file otherwise means one disk read per agent.
// Nil-receiver-safe: every method is a no-op on a nil *hotRangeCache, so
// callers never need a "hot cache configured?" branch at call sites.
type hotRangeCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewHotRangeCache wraps an existing Redis client. ttl <= 0 defaults to 10
// minutes, long enough to cover one batch's fan-out without letting stale
// data accumulate across runs.
func NewHotRangeCache(client *redis.Client, ttl time.Duration) *hotRangeCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &hotRangeCache{client: client, ttl: ttl}
}

func (c *hotRangeCache) get(ctx context.Context, key string) ([]Candle, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var candles []Candle
	if err := json.Unmarshal(data, &candles); err != nil {
		return nil, false
	}
	return candles, true
}

func (c *hotRangeCache) put(ctx context.Context, key string, candles []Candle) {
	if c == nil || c.client == nil {
		return
	}
	data, err := json.Marshal(candles)
	if err != nil {
		return
	}
	// Best-effort: a failed hot-cache write never fails the fetch, the disk
	// day-file already published by the caller remains authoritative.
	_ = c.client.Set(ctx, cacheKey(key), data, c.ttl).Err()
}

func cacheKey(key string) string {
	return "fortline:market:day:" + key
}
