package backtest

import (
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/shopspring/decimal"
)

// vectorize runs a cinar/indicator channel-based computation over a closing
// price series and right-aligns the (shorter, warm-up-trimmed) output against
// the original candle indices: out[i] holds the indicator value for candles[i],
// or ok=false while still inside the warm-up window.
func vectorize(candles []Candle, compute func(<-chan float64) <-chan float64) (out []float64, ok []bool) {
	closes := make(chan float64, len(candles))
	for _, c := range candles {
		f, _ := c.Close.Float64()
		closes <- f
	}
	close(closes)

	var values []float64
	for v := range compute(closes) {
		values = append(values, v)
	}

	out = make([]float64, len(candles))
	ok = make([]bool, len(candles))
	offset := len(candles) - len(values)
	for i, v := range values {
		out[offset+i] = v
		ok[offset+i] = true
	}
	return out, ok
}

// EmaCrossStrategy opens long when the fast EMA crosses above the slow EMA
// and flattens on the reverse cross. It never shorts. A sample strategy
// exercising the engine's PreCalculator extension point, not tuned for any
// particular market.
type EmaCrossStrategy struct {
	FastPeriod int
	SlowPeriod int

	fast, slow   []float64
	fastOK, slowOK []bool
}

// NewEmaCrossStrategy validates periods and returns a ready-to-run strategy.
func NewEmaCrossStrategy(fastPeriod, slowPeriod int) (*EmaCrossStrategy, error) {
	if fastPeriod < 1 || slowPeriod < 1 || fastPeriod >= slowPeriod {
		return nil, fmt.Errorf("%w: fast_period must be positive and less than slow_period", ErrValidation)
	}
	return &EmaCrossStrategy{FastPeriod: fastPeriod, SlowPeriod: slowPeriod}, nil
}

// PreCalculate vectorises both EMA series once before the replay loop starts.
func (s *EmaCrossStrategy) PreCalculate(candles []Candle, _ map[string][]Candle) error {
	s.fast, s.fastOK = vectorize(candles, trend.NewEmaWithPeriod[float64](s.FastPeriod).Compute)
	s.slow, s.slowOK = vectorize(candles, trend.NewEmaWithPeriod[float64](s.SlowPeriod).Compute)
	return nil
}

func (s *EmaCrossStrategy) OnBar(_ Candle, idx int, position *Position, _ *MultiTimeframeContext) (*Signal, error) {
	if idx == 0 || !s.fastOK[idx] || !s.slowOK[idx] || !s.fastOK[idx-1] || !s.slowOK[idx-1] {
		return nil, nil
	}

	crossedUp := s.fast[idx-1] <= s.slow[idx-1] && s.fast[idx] > s.slow[idx]
	crossedDown := s.fast[idx-1] >= s.slow[idx-1] && s.fast[idx] < s.slow[idx]

	switch {
	case position.IsFlat() && crossedUp:
		return &Signal{Type: SignalOpenLong, Reason: "ema_fast_cross_above_slow"}, nil
	case !position.IsFlat() && position.Direction == DirectionLong && crossedDown:
		return &Signal{Type: SignalClosePosition, Reason: "ema_fast_cross_below_slow"}, nil
	default:
		return nil, nil
	}
}

// RsiReversionStrategy opens long on oversold and closes on overbought. A
// single-indicator sample strategy distinct from EmaCrossStrategy's
// trend-following shape.
type RsiReversionStrategy struct {
	Period              int
	OversoldThreshold   decimal.Decimal
	OverboughtThreshold decimal.Decimal

	values []float64
	ok     []bool
}

// NewRsiReversionStrategy validates thresholds and returns a ready strategy.
func NewRsiReversionStrategy(period int, oversold, overbought decimal.Decimal) (*RsiReversionStrategy, error) {
	if period < 1 {
		return nil, fmt.Errorf("%w: rsi period must be positive", ErrValidation)
	}
	if oversold.GreaterThanOrEqual(overbought) {
		return nil, fmt.Errorf("%w: oversold threshold must be less than overbought threshold", ErrValidation)
	}
	return &RsiReversionStrategy{Period: period, OversoldThreshold: oversold, OverboughtThreshold: overbought}, nil
}

func (s *RsiReversionStrategy) PreCalculate(candles []Candle, _ map[string][]Candle) error {
	s.values, s.ok = vectorize(candles, momentum.NewRsiWithPeriod[float64](s.Period).Compute)
	return nil
}

func (s *RsiReversionStrategy) OnBar(_ Candle, idx int, position *Position, _ *MultiTimeframeContext) (*Signal, error) {
	if !s.ok[idx] {
		return nil, nil
	}
	rsi := decimal.NewFromFloat(s.values[idx])

	switch {
	case position.IsFlat() && rsi.LessThan(s.OversoldThreshold):
		return &Signal{Type: SignalOpenLong, Reason: "rsi_oversold"}, nil
	case !position.IsFlat() && position.Direction == DirectionLong && rsi.GreaterThan(s.OverboughtThreshold):
		return &Signal{Type: SignalClosePosition, Reason: "rsi_overbought"}, nil
	default:
		return nil, nil
	}
}
