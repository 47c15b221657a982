package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flipFlopStrategy alternates between opening and closing a long every other
// bar, closing a trade every two bars for the Kelly-sized end-to-end run.
type flipFlopStrategy struct{ open bool }

func (s *flipFlopStrategy) OnBar(candle Candle, idx int, position *Position, ctx *MultiTimeframeContext) (*Signal, error) {
	if !s.open {
		s.open = true
		return &Signal{Type: SignalOpenLong, Reason: "flip"}, nil
	}
	s.open = false
	return &Signal{Type: SignalClosePosition, Reason: "flop"}, nil
}

func TestKellyIntegrationUsesConservativeSizingBeforeEnoughHistory(t *testing.T) {
	cfg := testConfig()
	cfg.PositionSizingMethod = SizingKelly
	cfg.PositionSizingValue = decimal.NewFromFloat(0.5)

	engine, err := NewEngine(cfg, nil)
	require.NoError(t, err)

	candle := makeCandles([]float64{100}, time.Now())[0]
	quantity := CalculateQuantity(cfg, engine.sizingInputs(candle))

	// No trade history yet: Kelly falls back to the 10%-of-equity conservative sizing.
	expectedDollar := cfg.InitialCapital.Mul(decimal.NewFromFloat(0.10))
	expectedQty := expectedDollar.Div(candle.Close)
	assert.True(t, quantity.Equal(expectedQty), "expected %s got %s", expectedQty, quantity)
}

func TestKellyIntegrationSizesFromAccumulatedTradeHistory(t *testing.T) {
	cfg := testConfig()
	cfg.PositionSizingMethod = SizingKelly
	cfg.PositionSizingValue = decimal.NewFromFloat(0.5)

	engine, err := NewEngine(cfg, nil)
	require.NoError(t, err)

	base := time.Now()
	for i := 0; i < 40; i++ {
		pnl := 20.0
		if i%3 == 0 {
			pnl = -10.0
		}
		engine.Trades = append(engine.Trades, tradeWithPnL(pnl, base.Add(time.Duration(i)*time.Hour)))
	}

	candle := makeCandles([]float64{100}, base)[0]
	stats := CalculateStatsFromTrades(engine.Trades)
	require.GreaterOrEqual(t, stats.TotalTrades, 30)

	quantity := CalculateQuantity(cfg, engine.sizingInputs(candle))
	assert.True(t, quantity.IsPositive())
}

func TestKellyIntegrationEndToEndRun(t *testing.T) {
	cfg := testConfig()
	cfg.PositionSizingMethod = SizingKelly
	cfg.PositionSizingValue = decimal.NewFromFloat(0.5)

	engine, err := NewEngine(cfg, nil)
	require.NoError(t, err)

	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i%5)
	}
	candles := makeCandles(closes, time.Now())

	status, err := engine.Run(context.Background(), candles, &flipFlopStrategy{}, nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, status)
	assert.NotEmpty(t, engine.Trades)
}
