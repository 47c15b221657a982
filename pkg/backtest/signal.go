package backtest

import (
	"github.com/shopspring/decimal"
)

// SignalType names the effect a dispatched Signal has on the engine's position.
type SignalType string

const (
	SignalOpenLong      SignalType = "open_long"
	SignalOpenShort     SignalType = "open_short"
	SignalAddLong       SignalType = "add_long"
	SignalAddShort      SignalType = "add_short"
	SignalPartialClose  SignalType = "partial_close"
	SignalReduceLong    SignalType = "reduce_long"
	SignalReduceShort   SignalType = "reduce_short"
	SignalClosePosition SignalType = "close_position"
	SignalFlipLong      SignalType = "flip_long"
	SignalFlipShort     SignalType = "flip_short"
	SignalUpdateLevels  SignalType = "update_levels"
	SignalUpdateMargin  SignalType = "update_margin"
)

// Signal is returned by a Strategy's OnBar callback. All quantities and prices
// are exact decimals; a nil pointer field means "use the engine default/unchanged".
type Signal struct {
	Type SignalType

	Quantity   *decimal.Decimal
	LimitPrice *decimal.Decimal

	StopLoss              *decimal.Decimal
	TakeProfit            *decimal.Decimal
	StopLossPercent       *decimal.Decimal
	TakeProfitPercent     *decimal.Decimal
	TrailingStopPercent   *decimal.Decimal

	// MarginDelta is interpreted by update_margin: positive adds isolated
	// margin from cash, negative withdraws margin back to cash.
	MarginDelta *decimal.Decimal

	Reason   string
	Metadata map[string]any
}

// MultiTimeframeContext is passed to Strategy.OnBar when the run's
// signal_timeframe is not the base timeframe, or condition_timeframes is
// non-empty. CurrentCandles holds the last fully closed candle per
// timeframe; History holds the append-only series seen so far per
// timeframe. Both are shallow copies handed to the strategy to prevent it
// from mutating engine state.
type MultiTimeframeContext struct {
	CurrentCandles map[string]Candle
	History        map[string][]Candle
}

// Strategy is the single callback the engine drives. Implementations must be
// pure with respect to engine state: Position is read-only to the strategy.
type Strategy interface {
	// OnBar is invoked once per dispatch-eligible candle. ctx is nil when the
	// run is single-timeframe.
	OnBar(candle Candle, idx int, position *Position, ctx *MultiTimeframeContext) (*Signal, error)
}

// PreCalculator is an optional Strategy extension for vectorised indicator
// precomputation before the replay loop starts.
type PreCalculator interface {
	PreCalculate(candles []Candle, htf map[string][]Candle) error
}
