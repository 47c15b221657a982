package backtest

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/ajitpratap0/futurescast/pkg/backtest"
)

// memStore is an in-memory CandleStore fake keyed by (symbol, timeframe).
type memStore struct {
	mu       sync.Mutex
	candles  map[string][]core.Candle
	earliest map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{candles: map[string][]core.Candle{}, earliest: map[string]time.Time{}}
}

func storeKey(symbol, timeframe string) string { return symbol + ":" + timeframe }

func (m *memStore) GetCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]core.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Candle
	for _, c := range m.candles[storeKey(symbol, timeframe)] {
		if !c.OpenTime.Before(start) && c.OpenTime.Before(end) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

func (m *memStore) UpsertCandles(ctx context.Context, symbol, timeframe string, candles []core.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := storeKey(symbol, timeframe)
	existing := map[int64]core.Candle{}
	for _, c := range m.candles[key] {
		existing[c.OpenTime.UnixMilli()] = c
	}
	for _, c := range candles {
		existing[c.OpenTime.UnixMilli()] = c
	}
	merged := make([]core.Candle, 0, len(existing))
	for _, c := range existing {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].OpenTime.Before(merged[j].OpenTime) })
	m.candles[key] = merged
	return nil
}

func (m *memStore) GetEarliestAvailable(ctx context.Context, symbol, timeframe string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.earliest[storeKey(symbol, timeframe)]
	return t, ok, nil
}

func (m *memStore) SetEarliestAvailable(ctx context.Context, symbol, timeframe string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.earliest[storeKey(symbol, timeframe)] = t
	return nil
}

func oneMinCandle(at time.Time) core.Candle {
	return core.Candle{
		OpenTime:  at,
		CloseTime: at.Add(time.Minute),
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(101),
		Low:       decimal.NewFromInt(99),
		Close:     decimal.NewFromInt(100),
		Volume:    decimal.NewFromInt(10),
	}
}

func TestGetHistoricalCandlesReturnsGapFreeRangeWithoutRepair(t *testing.T) {
	store := newMemStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.UpsertCandles(context.Background(), "BTCUSDT", "1m", []core.Candle{oneMinCandle(base.Add(time.Duration(i) * time.Minute))}))
	}

	svc := NewHistoricalDataService(store, nil, nil)
	candles, err := svc.GetHistoricalCandles(context.Background(), "BTCUSDT", "1m", base, base.Add(5*time.Minute), HistoricalDataOptions{})
	require.NoError(t, err)
	assert.Len(t, candles, 5)
}

func TestGetHistoricalCandlesWithoutRepairReturnsPartialDataOnGap(t *testing.T) {
	store := newMemStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertCandles(context.Background(), "BTCUSDT", "1m", []core.Candle{oneMinCandle(base)}))
	// Gap: minutes 1-4 missing, then minute 5 present.
	require.NoError(t, store.UpsertCandles(context.Background(), "BTCUSDT", "1m", []core.Candle{oneMinCandle(base.Add(5 * time.Minute))}))

	svc := NewHistoricalDataService(store, nil, nil)
	candles, err := svc.GetHistoricalCandles(context.Background(), "BTCUSDT", "1m", base, base.Add(6*time.Minute), HistoricalDataOptions{Repair: false})
	require.NoError(t, err)
	assert.Len(t, candles, 2)
}

func TestGetHistoricalCandlesRepairsGapsThroughFetchJob(t *testing.T) {
	store := newMemStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertCandles(context.Background(), "BTCUSDT", "1m", []core.Candle{oneMinCandle(base)}))

	adapter := &fakeAdapter{failFor: map[int64]bool{}}
	cfg := DefaultFetchJobConfig()
	cfg.RequestsPerSec = 1000
	cfg.Burst = 1000
	job := NewFetchJob(adapter, cfg)

	svc := NewHistoricalDataService(store, job, nil)
	candles, err := svc.GetHistoricalCandles(context.Background(), "BTCUSDT", "1m", base, base.Add(3*time.Minute), HistoricalDataOptions{Repair: true})
	require.NoError(t, err)
	assert.Len(t, candles, 3)
}

func TestGetHistoricalCandlesRequiresFetcherToRepair(t *testing.T) {
	store := newMemStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertCandles(context.Background(), "BTCUSDT", "1m", []core.Candle{oneMinCandle(base)}))

	svc := NewHistoricalDataService(store, nil, nil)
	_, err := svc.GetHistoricalCandles(context.Background(), "BTCUSDT", "1m", base, base.Add(3*time.Minute), HistoricalDataOptions{Repair: true})
	assert.Error(t, err)
}

func TestGetHistoricalCandlesClampsStartToEarliestGlobalCandle(t *testing.T) {
	store := newMemStore()
	tooEarly := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	end := earliestGlobalCandle.Add(2 * time.Minute)
	require.NoError(t, store.UpsertCandles(context.Background(), "BTCUSDT", "1m", []core.Candle{
		oneMinCandle(earliestGlobalCandle),
		oneMinCandle(earliestGlobalCandle.Add(time.Minute)),
	}))

	svc := NewHistoricalDataService(store, nil, nil)
	candles, err := svc.GetHistoricalCandles(context.Background(), "BTCUSDT", "1m", tooEarly, end, HistoricalDataOptions{})
	require.NoError(t, err)
	assert.Len(t, candles, 2)
}

func TestGetHistoricalCandlesEmptyRangeReturnsNil(t *testing.T) {
	store := newMemStore()
	svc := NewHistoricalDataService(store, nil, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles, err := svc.GetHistoricalCandles(context.Background(), "BTCUSDT", "1m", base, base, HistoricalDataOptions{})
	require.NoError(t, err)
	assert.Nil(t, candles)
}

func TestGetHistoricalCandlesProbesEarliestValidTimestampOnceWhenUnknown(t *testing.T) {
	store := newMemStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	adapter := &fakeAdapter{failFor: map[int64]bool{}}
	cfg := DefaultFetchJobConfig()
	cfg.RequestsPerSec = 1000
	cfg.Burst = 1000
	job := NewFetchJob(adapter, cfg)

	svc := NewHistoricalDataService(store, job, nil)
	_, err := svc.GetHistoricalCandles(context.Background(), "BTCUSDT", "1m", base, base.Add(time.Minute), HistoricalDataOptions{})
	require.NoError(t, err)

	_, known, err := store.GetEarliestAvailable(context.Background(), "BTCUSDT", "1m")
	require.NoError(t, err)
	assert.True(t, known)
}
