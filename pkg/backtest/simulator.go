package backtest

import (
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// OrderFill is the result of submitting an order to the simulator. A zero
// FilledQuantity means the order was not filled.
type OrderFill struct {
	FilledPrice       decimal.Decimal
	FilledQuantity    decimal.Decimal
	Commission        decimal.Decimal
	Slippage          decimal.Decimal
	FillTime          time.Time
	FillConditionsMet string
}

var (
	two      = decimal.NewFromInt(2)
	hundred  = decimal.NewFromInt(100)
	thousand = decimal.NewFromInt(1000)
	tenK     = decimal.NewFromInt(10000)
)

// Simulator converts a proposed order plus a candle's OHLC into a fill or a
// rejection, under the slippage/commission/fill-policy configured on cfg.
type Simulator struct {
	cfg BacktestConfig
}

// NewSimulator builds a Simulator bound to a frozen run config.
func NewSimulator(cfg BacktestConfig) *Simulator {
	return &Simulator{cfg: cfg}
}

// SimulateLongEntry fills a proposed LONG entry against the candle's OHLC.
func (s *Simulator) SimulateLongEntry(quantity, currentPrice decimal.Decimal, candle Candle, timestamp time.Time, limitPrice *decimal.Decimal) OrderFill {
	return s.simulateEntry(DirectionLong, quantity, currentPrice, candle, timestamp, limitPrice)
}

// SimulateShortEntry fills a proposed SHORT entry against the candle's OHLC.
func (s *Simulator) SimulateShortEntry(quantity, currentPrice decimal.Decimal, candle Candle, timestamp time.Time, limitPrice *decimal.Decimal) OrderFill {
	return s.simulateEntry(DirectionShort, quantity, currentPrice, candle, timestamp, limitPrice)
}

// SimulateExit fills a proposed order closing (or reducing) posDir exposure.
// An exit's adverse direction is the opposite of its position's: closing a
// LONG is a sell, so it is filled with the SHORT sign convention, and
// closing a SHORT is filled with the LONG convention.
func (s *Simulator) SimulateExit(posDir Direction, quantity, currentPrice decimal.Decimal, candle Candle, timestamp time.Time, limitPrice *decimal.Decimal) OrderFill {
	exitDir := DirectionShort
	if posDir == DirectionShort {
		exitDir = DirectionLong
	}
	return s.simulateEntry(exitDir, quantity, currentPrice, candle, timestamp, limitPrice)
}

func (s *Simulator) simulateEntry(dir Direction, quantity, currentPrice decimal.Decimal, candle Candle, timestamp time.Time, limitPrice *decimal.Decimal) OrderFill {
	if limitPrice != nil {
		return s.simulateLimitFill(dir, quantity, *limitPrice, candle, timestamp)
	}
	return s.simulateMarketFill(dir, quantity, currentPrice, candle, timestamp)
}

func (s *Simulator) simulateMarketFill(dir Direction, quantity, currentPrice decimal.Decimal, candle Candle, timestamp time.Time) OrderFill {
	base := currentPrice
	switch s.cfg.MarketFillPolicy {
	case MarketFillLow:
		base = candle.Low
	case MarketFillHigh:
		base = candle.High
	case MarketFillClose:
		base = candle.Close
	}

	if s.cfg.UseBidAskSpread {
		half := s.cfg.SpreadPercent.Div(two).Div(hundred).Mul(base)
		if dir == DirectionLong {
			base = base.Add(half)
		} else {
			base = base.Sub(half)
		}
	}

	slippage := s.computeSlippage(base, candle)
	filled := base
	if dir == DirectionLong {
		filled = base.Add(slippage)
	} else {
		filled = base.Sub(slippage)
	}

	commission := s.computeCommission(filled.Mul(quantity))

	return OrderFill{
		FilledPrice:       filled,
		FilledQuantity:    quantity,
		Commission:        commission,
		Slippage:          slippage,
		FillTime:          timestamp,
		FillConditionsMet: "market",
	}
}

func (s *Simulator) simulateLimitFill(dir Direction, quantity, limit decimal.Decimal, candle Candle, timestamp time.Time) OrderFill {
	rejected := OrderFill{FillTime: timestamp}

	if dir == DirectionLong {
		// Gap check: opened and stayed above L, unfavorable for a LONG limit buy.
		if candle.Open.GreaterThan(limit) && candle.Low.GreaterThan(limit) {
			return rejected
		}
		// Touch check.
		if candle.Low.GreaterThan(limit) {
			return rejected
		}
	} else {
		if candle.Open.LessThan(limit) && candle.High.LessThan(limit) {
			return rejected
		}
		if candle.High.LessThan(limit) {
			return rejected
		}
	}

	conditionsMet := "touch"
	favorableOpen := false
	if dir == DirectionLong {
		favorableOpen = candle.Open.LessThanOrEqual(limit)
	} else {
		favorableOpen = candle.Open.GreaterThanOrEqual(limit)
	}

	if s.cfg.LimitFillPolicy == LimitFillCross || s.cfg.LimitFillPolicy == LimitFillCrossVolume {
		crossed := s.crossed(dir, limit, candle)
		if !favorableOpen && !crossed {
			return rejected
		}
		if favorableOpen {
			conditionsMet = "gap"
		} else {
			conditionsMet = "cross"
		}
	}

	fillPrice := limit
	if (s.cfg.LimitFillPolicy == LimitFillCross || s.cfg.LimitFillPolicy == LimitFillCrossVolume) && favorableOpen {
		fillPrice = candle.Open
	}

	commission := s.computeCommission(fillPrice.Mul(quantity))

	return OrderFill{
		FilledPrice:       fillPrice,
		FilledQuantity:    quantity,
		Commission:        commission,
		Slippage:          decimal.Zero,
		FillTime:          timestamp,
		FillConditionsMet: conditionsMet,
	}
}

// crossed reports whether the candle opened on the unfavorable side of the
// limit and moved through it during the bar.
func (s *Simulator) crossed(dir Direction, limit decimal.Decimal, candle Candle) bool {
	if dir == DirectionLong {
		return candle.Open.GreaterThan(limit) && candle.Low.LessThanOrEqual(limit)
	}
	return candle.Open.LessThan(limit) && candle.High.GreaterThanOrEqual(limit)
}

// computeSlippage returns a positive magnitude; the caller applies sign by side.
func (s *Simulator) computeSlippage(price decimal.Decimal, candle Candle) decimal.Decimal {
	switch s.cfg.SlippageModel {
	case SlippageFixed:
		return s.cfg.SlippageParameter
	case SlippagePercentage:
		return price.Mul(s.cfg.SlippageParameter).Div(hundred).Abs()
	case SlippageVolumeBased:
		factor := decimal.NewFromFloat(0.5 + rand.Float64())
		pct := price.Mul(s.cfg.SlippageParameter).Div(hundred).Abs()
		return pct.Mul(factor)
	case SlippageRandom:
		factor := decimal.NewFromFloat(rand.Float64())
		return price.Mul(s.cfg.SlippageParameter).Div(hundred).Mul(factor).Abs()
	case SlippageNone:
		return decimal.Zero
	default:
		return decimal.Zero
	}
}

// computeCommission applies the configured model to a fill's notional value.
func (s *Simulator) computeCommission(notional decimal.Decimal) decimal.Decimal {
	switch s.cfg.CommissionModel {
	case CommissionFixed:
		return s.cfg.CommissionParameter
	case CommissionFixedRate:
		return notional.Mul(s.cfg.CommissionParameter).Div(hundred)
	case CommissionTiered:
		rate := s.cfg.CommissionParameter
		switch {
		case notional.LessThan(thousand):
			rate = rate.Mul(decimal.NewFromFloat(1.5))
		case notional.LessThan(tenK):
			// rate unchanged
		default:
			rate = rate.Mul(decimal.NewFromFloat(0.75))
		}
		return notional.Mul(rate).Div(hundred)
	case CommissionNone:
		return decimal.Zero
	default:
		return decimal.Zero
	}
}
