package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/ajitpratap0/futurescast/pkg/backtest"
)

func TestNewCandleCacheNilClientReturnsNilCache(t *testing.T) {
	cache := NewCandleCache(nil, time.Minute)
	assert.Nil(t, cache)
}

func TestNilCandleCacheIsAlwaysMissAndSafeToUse(t *testing.T) {
	var cache *CandleCache
	candles, hit := cache.Get(context.Background(), "BTCUSDT", "1m", 0, 1000)
	assert.False(t, hit)
	assert.Nil(t, candles)

	cache.Set(context.Background(), "BTCUSDT", "1m", 0, 1000, nil)
	cache.Invalidate(context.Background(), "BTCUSDT", "1m", 0, 1000)
}

func TestCandleCacheSetThenGetRoundTrips(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCandleCache(client, time.Minute)
	ctx := context.Background()

	_, hit := cache.Get(ctx, "BTCUSDT", "1m", 0, 60000)
	assert.False(t, hit)

	want := []core.Candle{oneMinCandle(time.UnixMilli(0))}
	cache.Set(ctx, "BTCUSDT", "1m", 0, 60000, want)

	got, hit := cache.Get(ctx, "BTCUSDT", "1m", 0, 60000)
	require.True(t, hit)
	require.Len(t, got, 1)
	assert.True(t, got[0].OpenTime.Equal(want[0].OpenTime))
}

func TestCandleCacheInvalidateRemovesEntry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCandleCache(client, time.Minute)
	ctx := context.Background()

	cache.Set(ctx, "BTCUSDT", "1m", 0, 60000, []core.Candle{oneMinCandle(time.UnixMilli(0))})
	_, hit := cache.Get(ctx, "BTCUSDT", "1m", 0, 60000)
	require.True(t, hit)

	cache.Invalidate(ctx, "BTCUSDT", "1m", 0, 60000)
	_, hit = cache.Get(ctx, "BTCUSDT", "1m", 0, 60000)
	assert.False(t, hit)
}
