package backtest

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is an immutable OHLCV record for a time window. It is produced by the
// historical data service and consumed read-only by the engine.
type Candle struct {
	OpenTime          time.Time       `json:"open_time"`
	CloseTime         time.Time       `json:"close_time"`
	Open              decimal.Decimal `json:"open"`
	High              decimal.Decimal `json:"high"`
	Low               decimal.Decimal `json:"low"`
	Close             decimal.Decimal `json:"close"`
	Volume            decimal.Decimal `json:"volume"`
	QuoteVolume       decimal.Decimal `json:"quote_volume"`
	TradeCount        int64           `json:"trade_count"`
	TakerBuyVolume    decimal.Decimal `json:"taker_buy_volume"`
	TakerBuyQuoteVol  decimal.Decimal `json:"taker_buy_quote_volume"`
}

// Validate checks the invariants spec'd for every candle:
// low <= min(open, close) <= max(open, close) <= high, open_time < close_time,
// all prices positive, volume non-negative.
func (c Candle) Validate() error {
	if !c.OpenTime.Before(c.CloseTime) {
		return fmt.Errorf("%w: open_time %s must be before close_time %s", ErrValidation, c.OpenTime, c.CloseTime)
	}
	if c.Open.LessThanOrEqual(decimal.Zero) || c.High.LessThanOrEqual(decimal.Zero) ||
		c.Low.LessThanOrEqual(decimal.Zero) || c.Close.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: candle prices must be positive", ErrValidation)
	}
	if c.Volume.LessThan(decimal.Zero) {
		return fmt.Errorf("%w: candle volume must be non-negative", ErrValidation)
	}
	lo := decimal.Min(c.Open, c.Close)
	hi := decimal.Max(c.Open, c.Close)
	if c.Low.GreaterThan(lo) {
		return fmt.Errorf("%w: low %s exceeds min(open, close) %s", ErrValidation, c.Low, lo)
	}
	if c.High.LessThan(hi) {
		return fmt.Errorf("%w: high %s is below max(open, close) %s", ErrValidation, c.High, hi)
	}
	return nil
}

// ValidateCandles validates a whole series and reports the index of the first failure.
func ValidateCandles(candles []Candle) error {
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("candle[%d]: %w", i, err)
		}
	}
	return nil
}

// SortCandles returns candles ordered ascending by OpenTime. The input is not mutated.
func SortCandles(candles []Candle) []Candle {
	out := make([]Candle, len(candles))
	copy(out, candles)
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	return out
}
