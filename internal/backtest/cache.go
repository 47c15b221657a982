package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	core "github.com/ajitpratap0/futurescast/pkg/backtest"
)

// CandleCache is a read-only-once-loaded cache of (symbol, timeframe, range)
// candle lists, used by the Historical Data Service to skip the store round
// trip on repeated backtests over the same range. A nil *CandleCache is a
// valid, always-miss cache so callers don't need to branch on Redis being
// configured.
type CandleCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCandleCache wraps an existing Redis client. A nil client yields a nil
// *CandleCache, matching the rest of the cache's nil-receiver safety.
func NewCandleCache(client *redis.Client, ttl time.Duration) *CandleCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &CandleCache{client: client, ttl: ttl}
}

func cacheKey(symbol, timeframe string, startMS, endMS int64) string {
	return fmt.Sprintf("backtest:candles:%s:%s:%d:%d", symbol, timeframe, startMS, endMS)
}

// Get returns the cached candle list for the exact (symbol, timeframe, range)
// key, or false on a miss, Redis error, or nil cache.
func (c *CandleCache) Get(ctx context.Context, symbol, timeframe string, startMS, endMS int64) ([]core.Candle, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	raw, err := c.client.Get(cacheCtx, cacheKey(symbol, timeframe, startMS, endMS)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("symbol", symbol).Str("timeframe", timeframe).
				Msg("candle cache get error, treating as miss")
		}
		return nil, false
	}

	var candles []core.Candle
	if err := json.Unmarshal(raw, &candles); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("failed to unmarshal cached candles")
		return nil, false
	}
	return candles, true
}

// Set stores a candle list for the given range under the configured TTL. A
// write failure is logged, not returned, since the cache is strictly
// read-optimizing: the caller already has the authoritative data in hand.
func (c *CandleCache) Set(ctx context.Context, symbol, timeframe string, startMS, endMS int64, candles []core.Candle) {
	if c == nil || c.client == nil {
		return
	}

	raw, err := json.Marshal(candles)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("failed to marshal candles for cache")
		return
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Set(cacheCtx, cacheKey(symbol, timeframe, startMS, endMS), raw, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Str("timeframe", timeframe).
			Msg("candle cache set error")
	}
}

// Invalidate drops the cached entry for an exact range, used after a repair
// fetch fills gaps the cached list didn't account for.
func (c *CandleCache) Invalidate(ctx context.Context, symbol, timeframe string, startMS, endMS int64) {
	if c == nil || c.client == nil {
		return
	}
	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.client.Del(cacheCtx, cacheKey(symbol, timeframe, startMS, endMS)).Err(); err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("candle cache invalidate error")
	}
}
