package backtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/ajitpratap0/futurescast/pkg/backtest"
)

type fakeAdapter struct {
	mu       sync.Mutex
	calls    int
	failFor  map[int64]bool // StartMS values that always error
}

func (f *fakeAdapter) GetKlines(ctx context.Context, symbol, interval string, startMS, endMS int64, limit int) ([]core.Candle, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.failFor[startMS] {
		return nil, errors.New("simulated exchange error")
	}

	stepMS := int64(time.Minute / time.Millisecond)
	if minutes, err := core.TimeframeMinutes(interval); err == nil {
		stepMS = minutes * int64(time.Minute/time.Millisecond)
	}

	var candles []core.Candle
	for ts := startMS; ts < endMS; ts += stepMS {
		candles = append(candles, core.Candle{
			OpenTime:  time.UnixMilli(ts),
			CloseTime: time.UnixMilli(ts + stepMS),
			Open:      decimal.NewFromInt(100),
			High:      decimal.NewFromInt(101),
			Low:       decimal.NewFromInt(99),
			Close:     decimal.NewFromInt(100),
			Volume:    decimal.NewFromInt(10),
		})
	}
	return candles, nil
}

func (f *fakeAdapter) GetEarliestValidTimestamp(ctx context.Context, symbol, interval string) (int64, error) {
	return 1, nil
}

func TestSplitIntoChunksCoversFullRange(t *testing.T) {
	chunks := SplitIntoChunks("BTCUSDT", "1m", 0, 10*60*1000, 60*1000, 3)
	require.Len(t, chunks, 4)
	assert.Equal(t, int64(0), chunks[0].StartMS)
	assert.Equal(t, int64(10*60*1000), chunks[len(chunks)-1].EndMS)
}

func TestFetchJobRunFetchesEveryChunk(t *testing.T) {
	adapter := &fakeAdapter{failFor: map[int64]bool{}}
	cfg := DefaultFetchJobConfig()
	cfg.RequestsPerSec = 1000
	cfg.Burst = 1000
	job := NewFetchJob(adapter, cfg)

	chunks := SplitIntoChunks("BTCUSDT", "1m", 0, 5*60*1000, 60*1000, 1)
	results := job.Run(context.Background(), chunks)

	count := 0
	for res := range results {
		require.NoError(t, res.Err)
		require.Len(t, res.Candles, 1)
		count++
	}
	assert.Equal(t, len(chunks), count)
}

func TestFetchJobRunReportsPerChunkErrorsWithoutAbortingSiblings(t *testing.T) {
	adapter := &fakeAdapter{failFor: map[int64]bool{0: true}}
	cfg := DefaultFetchJobConfig()
	cfg.RequestsPerSec = 1000
	cfg.Burst = 1000
	job := NewFetchJob(adapter, cfg)

	chunks := SplitIntoChunks("BTCUSDT", "1m", 0, 3*60*1000, 60*1000, 1)
	results := job.Run(context.Background(), chunks)

	var errCount, okCount int
	for res := range results {
		if res.Err != nil {
			errCount++
			continue
		}
		okCount++
	}
	assert.Equal(t, 1, errCount)
	assert.Equal(t, len(chunks)-1, okCount)
}

func TestFetchJobRunEmptyChunksClosesImmediately(t *testing.T) {
	job := NewFetchJob(&fakeAdapter{}, DefaultFetchJobConfig())
	results := job.Run(context.Background(), nil)
	_, ok := <-results
	assert.False(t, ok)
}
