package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() BacktestConfig {
	return BacktestConfig{
		Symbol:               "BTCUSDT",
		Timeframe:            "1m",
		InitialCapital:       decimal.NewFromInt(10000),
		Leverage:             1,
		TakerFeeRate:         decimal.NewFromFloat(0.04),
		MakerFeeRate:         decimal.NewFromFloat(0.02),
		SlippageModel:        SlippageNone,
		CommissionModel:      CommissionNone,
		PositionSizingMethod: SizingFixedValue,
		PositionSizingValue:  decimal.NewFromInt(1000),
		PricePathAssumption:  PricePathNeutral,
		MarketFillPolicy:     MarketFillClose,
		LimitFillPolicy:      LimitFillTouch,
	}
}

func makeCandles(closes []float64, start time.Time) []Candle {
	candles := make([]Candle, len(closes))
	for i, c := range closes {
		price := decimal.NewFromFloat(c)
		candles[i] = Candle{
			OpenTime:  start.Add(time.Duration(i) * time.Minute),
			CloseTime: start.Add(time.Duration(i+1) * time.Minute),
			Open:      price,
			High:      price.Mul(decimal.NewFromFloat(1.001)),
			Low:       price.Mul(decimal.NewFromFloat(0.999)),
			Close:     price,
			Volume:    decimal.NewFromInt(100),
		}
	}
	return candles
}

// buyOnBar opens a long on the first bar and never signals again.
type buyOnBar struct{ fired bool }

func (s *buyOnBar) OnBar(candle Candle, idx int, position *Position, ctx *MultiTimeframeContext) (*Signal, error) {
	if s.fired {
		return nil, nil
	}
	s.fired = true
	return &Signal{Type: SignalOpenLong, Reason: "test"}, nil
}

// flatStrategy never signals.
type flatStrategy struct{}

func (flatStrategy) OnBar(Candle, int, *Position, *MultiTimeframeContext) (*Signal, error) {
	return nil, nil
}

func TestNewEngineInitializesLedger(t *testing.T) {
	cfg := testConfig()
	engine, err := NewEngine(cfg, nil)
	require.NoError(t, err)

	assert.True(t, cfg.InitialCapital.Equal(engine.Cash))
	assert.True(t, cfg.InitialCapital.Equal(engine.PeakEquity))
	assert.True(t, engine.Position.IsFlat())
	assert.True(t, cfg.InitialCapital.Equal(engine.CurrentEquity()))
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Symbol = ""
	_, err := NewEngine(cfg, nil)
	assert.Error(t, err)
}

func TestRunRejectsEmptyCandles(t *testing.T) {
	engine, err := NewEngine(testConfig(), nil)
	require.NoError(t, err)

	status, err := engine.Run(context.Background(), nil, flatStrategy{}, nil)
	assert.Error(t, err)
	assert.Equal(t, RunFailed, status)
}

func TestRunOpensPositionOnSignal(t *testing.T) {
	engine, err := NewEngine(testConfig(), nil)
	require.NoError(t, err)

	candles := makeCandles([]float64{100, 101, 102, 103, 104}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	status, err := engine.Run(context.Background(), candles, &buyOnBar{}, nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, status)

	// Position is flat again because the end-of-data close fires on the last candle.
	assert.True(t, engine.Position.IsFlat())
	require.Len(t, engine.Trades, 1)
	assert.Equal(t, DirectionLong, engine.Trades[0].Direction)
	assert.Equal(t, ExitEndOfData, engine.Trades[0].ExitReason)
}

func TestRunWithNoSignalsLeavesCashUnchanged(t *testing.T) {
	cfg := testConfig()
	engine, err := NewEngine(cfg, nil)
	require.NoError(t, err)

	candles := makeCandles([]float64{100, 101, 102}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	_, err = engine.Run(context.Background(), candles, flatStrategy{}, nil)
	require.NoError(t, err)

	assert.True(t, cfg.InitialCapital.Equal(engine.Cash))
	assert.Empty(t, engine.Trades)
}

func TestRunRespectsContextCancellation(t *testing.T) {
	engine, err := NewEngine(testConfig(), nil)
	require.NoError(t, err)

	candles := makeCandles(make([]float64, 500), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	for i := range candles {
		candles[i].Open = decimal.NewFromInt(100)
		candles[i].High = decimal.NewFromInt(101)
		candles[i].Low = decimal.NewFromInt(99)
		candles[i].Close = decimal.NewFromInt(100)
		candles[i].Volume = decimal.NewFromInt(10)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status, err := engine.Run(ctx, candles, flatStrategy{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, RunCancelled, status)
}

func TestLiquidationClosesPosition(t *testing.T) {
	cfg := testConfig()
	cfg.Leverage = 20
	engine, err := NewEngine(cfg, nil)
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []Candle{
		{OpenTime: start, CloseTime: start.Add(time.Minute), Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101), Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100), Volume: decimal.NewFromInt(10)},
		{OpenTime: start.Add(time.Minute), CloseTime: start.Add(2 * time.Minute), Open: decimal.NewFromInt(100), High: decimal.NewFromInt(100), Low: decimal.NewFromInt(70), Close: decimal.NewFromInt(70), Volume: decimal.NewFromInt(10)},
	}

	strategy := &buyOnBar{}
	status, err := engine.Run(context.Background(), candles, strategy, nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, status)

	require.Len(t, engine.Trades, 1)
	assert.Equal(t, ExitLiquidation, engine.Trades[0].ExitReason)
}

func TestEquityCurveRecorded(t *testing.T) {
	engine, err := NewEngine(testConfig(), nil)
	require.NoError(t, err)

	candles := makeCandles([]float64{100, 101, 102}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	_, err = engine.Run(context.Background(), candles, flatStrategy{}, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, engine.EquityCurve)
	last := engine.EquityCurve[len(engine.EquityCurve)-1]
	assert.True(t, last.Equity.Equal(engine.Cash))
}
