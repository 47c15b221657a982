package backtest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minuteCandles(opens []float64, start time.Time) []Candle {
	out := make([]Candle, len(opens))
	for i, o := range opens {
		p := decimal.NewFromFloat(o)
		out[i] = Candle{
			OpenTime:  start.Add(time.Duration(i) * time.Minute),
			CloseTime: start.Add(time.Duration(i+1) * time.Minute),
			Open:      p,
			High:      p.Add(decimal.NewFromInt(1)),
			Low:       p.Sub(decimal.NewFromInt(1)),
			Close:     p,
			Volume:    decimal.NewFromInt(1),
		}
	}
	return out
}

func TestWindowStartFloorsToPeriod(t *testing.T) {
	ts := time.Date(2024, 1, 1, 10, 37, 0, 0, time.UTC)
	got := WindowStart(ts, 60)
	want := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, got.Equal(want))

	got = WindowStart(ts, 15)
	want = time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)
	assert.True(t, got.Equal(want))
}

func TestResampleToOneMinuteIsIdempotent(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles([]float64{100, 101, 102}, start)

	out, err := Resample(candles, "1m")
	require.NoError(t, err)
	assert.Equal(t, candles, out)
}

func TestResampleAggregatesOHLCV(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	// Two full 5-minute windows.
	candles := minuteCandles([]float64{100, 102, 98, 105, 101, 110, 111, 112, 113, 114}, start)

	out, err := Resample(candles, "5m")
	require.NoError(t, err)
	require.Len(t, out, 2)

	first := out[0]
	assert.True(t, first.OpenTime.Equal(start))
	assert.True(t, first.Open.Equal(candles[0].Open))
	assert.True(t, first.Close.Equal(candles[4].Close))
	assert.True(t, first.High.Equal(decimal.NewFromFloat(106))) // 105 + 1 high offset
	assert.True(t, first.Low.Equal(decimal.NewFromFloat(97)))   // 98 - 1 low offset
	assert.True(t, first.Volume.Equal(decimal.NewFromInt(5)))

	second := out[1]
	assert.True(t, second.OpenTime.Equal(start.Add(5*time.Minute)))
	assert.True(t, second.Open.Equal(candles[5].Open))
	assert.True(t, second.Close.Equal(candles[9].Close))
}

func TestResamplePartialTrailingWindowIsFlushed(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	// 5m window but only 3 one-minute candles supplied.
	candles := minuteCandles([]float64{100, 101, 102}, start)

	out, err := Resample(candles, "5m")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Close.Equal(candles[2].Close))
}

func TestResampleUnknownTimeframeErrors(t *testing.T) {
	_, err := Resample(nil, "7m")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestResampleAllKeysEachTimeframe(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles([]float64{100, 101, 102, 103, 104, 105}, start)

	out, err := ResampleAll(candles, []string{"1m", "5m"})
	require.NoError(t, err)
	assert.Len(t, out["1m"], 6)
	assert.Len(t, out["5m"], 2)
}

// TestHTFWindowBoundaryRule grounds the window-close rule exercised by
// advanceHTF: the HTF candle covering [10:00, 11:00) is only visible to the
// engine once the first 1-minute candle of the *next* window has arrived.
func TestHTFWindowBoundaryRule(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	oneMin := minuteCandles(make([]float64, 180), start)
	for i := range oneMin {
		oneMin[i].Open = decimal.NewFromInt(100)
		oneMin[i].Close = decimal.NewFromInt(100)
	}

	htf, err := Resample(oneMin, "1h")
	require.NoError(t, err)
	require.Len(t, htf, 3)

	tenOClock := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	window := CandlesInWindow(oneMin, tenOClock, 60)
	assert.Len(t, window, 60)
	assert.True(t, window[0].OpenTime.Equal(tenOClock))

	next := NextWindowCandles(oneMin, tenOClock, 60)
	assert.Len(t, next, 60)
	assert.True(t, next[0].OpenTime.Equal(tenOClock.Add(time.Hour)))
}
