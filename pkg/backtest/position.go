package backtest

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction is the side of an open position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// ExitReason tags why a position was closed.
type ExitReason string

const (
	ExitSignal        ExitReason = "SIGNAL"
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitTakeProfit    ExitReason = "TAKE_PROFIT"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
	ExitLiquidation   ExitReason = "LIQUIDATION"
	ExitEndOfData     ExitReason = "END_OF_DATA"
	ExitManual        ExitReason = "MANUAL"
)

// maintenanceMarginRate is the MMR used by the liquidation check (0.5%).
var maintenanceMarginRate = decimal.NewFromFloat(0.005)

// Position holds the single open position a run may carry. It is owned by
// the in-memory engine during a run and never persisted separately; closing
// it consumes it into a Trade.
type Position struct {
	Symbol    string
	Direction Direction

	Quantity        decimal.Decimal
	AvgEntryPrice   decimal.Decimal
	InitialEntryPrice decimal.Decimal
	InitialQuantity decimal.Decimal

	CurrentPrice decimal.Decimal
	UnrealizedPL decimal.Decimal

	StopLoss            *decimal.Decimal
	TakeProfit          *decimal.Decimal
	TrailingStopPercent *decimal.Decimal
	TrailingStopPrice   *decimal.Decimal

	HighestSinceEntry *decimal.Decimal
	LowestSinceEntry  *decimal.Decimal

	IsolatedMargin decimal.Decimal
	Leverage       int

	EntryTime       time.Time
	EntryCommission decimal.Decimal
	EntrySlippage   decimal.Decimal

	AccumulatedFunding decimal.Decimal

	// Intra-trade extremes, in ROE percent, updated every candle.
	MaxDrawdownROE decimal.Decimal
	MaxRunupROE    decimal.Decimal

	SignalTime time.Time
}

// IsFlat reports whether the ledger currently holds no position.
func (p *Position) IsFlat() bool {
	return p == nil || p.Quantity.IsZero()
}

// notional returns quantity * avg_entry_price.
func (p *Position) notional() decimal.Decimal {
	return p.Quantity.Mul(p.AvgEntryPrice)
}

// Open starts a new position. Asserts the ledger is flat beforehand.
func (p *Position) Open(dir Direction, quantity, fillPrice decimal.Decimal, timestamp time.Time, leverage int, commission, slippage decimal.Decimal) error {
	if !p.IsFlat() {
		return fmt.Errorf("%w: cannot open, position already has quantity %s", ErrPrecondition, p.Quantity)
	}
	p.Direction = dir
	p.Quantity = quantity
	p.AvgEntryPrice = fillPrice
	p.InitialEntryPrice = fillPrice
	p.InitialQuantity = quantity
	p.CurrentPrice = fillPrice
	p.UnrealizedPL = decimal.Zero
	p.Leverage = leverage
	p.IsolatedMargin = p.notional().Div(decimal.NewFromInt(int64(leverage)))
	p.EntryTime = timestamp
	p.EntryCommission = commission
	p.EntrySlippage = slippage
	p.AccumulatedFunding = decimal.Zero
	p.HighestSinceEntry = nil
	p.LowestSinceEntry = nil
	p.TrailingStopPrice = nil
	p.MaxDrawdownROE = decimal.Zero
	p.MaxRunupROE = decimal.Zero
	return nil
}

// UpdateUnrealized marks the position to a new price.
func (p *Position) UpdateUnrealized(price decimal.Decimal) {
	p.CurrentPrice = price
	delta := price.Sub(p.AvgEntryPrice)
	if p.Direction == DirectionShort {
		delta = delta.Neg()
	}
	p.UnrealizedPL = delta.Mul(p.Quantity)
}

// UpdateTrailing ratchets the trailing stop price given the candle's high/low.
// LONG tracks a monotonically increasing high-water mark; SHORT a
// monotonically decreasing low-water mark. The stop itself only ever moves
// in the position's favor.
func (p *Position) UpdateTrailing(high, low decimal.Decimal) {
	if p.TrailingStopPercent == nil {
		return
	}
	factor := decimal.NewFromInt(1).Sub(p.TrailingStopPercent.Div(hundred))

	if p.Direction == DirectionLong {
		if p.HighestSinceEntry == nil || high.GreaterThan(*p.HighestSinceEntry) {
			h := high
			p.HighestSinceEntry = &h
		}
		newStop := p.HighestSinceEntry.Mul(factor)
		if p.TrailingStopPrice == nil || newStop.GreaterThan(*p.TrailingStopPrice) {
			p.TrailingStopPrice = &newStop
		}
		return
	}

	factor = decimal.NewFromInt(1).Add(p.TrailingStopPercent.Div(hundred))
	if p.LowestSinceEntry == nil || low.LessThan(*p.LowestSinceEntry) {
		l := low
		p.LowestSinceEntry = &l
	}
	newStop := p.LowestSinceEntry.Mul(factor)
	if p.TrailingStopPrice == nil || newStop.LessThan(*p.TrailingStopPrice) {
		p.TrailingStopPrice = &newStop
	}
}

// UpdateIntraTradeExtremes folds a candle's adverse/favorable prices into the
// trade's running MAE/MFE, expressed as ROE percent:
// ROE = (pnl_at_price * leverage) / notional_at_entry * 100.
func (p *Position) UpdateIntraTradeExtremes(high, low decimal.Decimal) {
	if p.IsFlat() {
		return
	}
	entryNotional := p.InitialQuantity.Mul(p.InitialEntryPrice)
	if entryNotional.IsZero() {
		return
	}
	roe := func(price decimal.Decimal) decimal.Decimal {
		delta := price.Sub(p.AvgEntryPrice)
		if p.Direction == DirectionShort {
			delta = delta.Neg()
		}
		pnl := delta.Mul(p.Quantity)
		return pnl.Mul(decimal.NewFromInt(int64(p.Leverage))).Div(entryNotional).Mul(hundred)
	}

	roeHigh := roe(high)
	roeLow := roe(low)

	worst := decimal.Min(roeHigh, roeLow)
	best := decimal.Max(roeHigh, roeLow)

	if worst.LessThan(p.MaxDrawdownROE) {
		p.MaxDrawdownROE = worst
	}
	if best.GreaterThan(p.MaxRunupROE) {
		p.MaxRunupROE = best
	}
}

// LiquidationPrice computes the current liquidation price per the
// maintenance-margin-rate formula. LONG trigger is candle.low <= price;
// SHORT trigger is candle.high >= price.
func (p *Position) LiquidationPrice() decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	marginPerUnit := p.IsolatedMargin.Div(p.Quantity)
	if p.Direction == DirectionLong {
		price := p.AvgEntryPrice.Mul(decimal.NewFromInt(1).Add(maintenanceMarginRate)).Sub(marginPerUnit)
		if price.LessThan(decimal.Zero) {
			return decimal.Zero
		}
		return price
	}
	return p.AvgEntryPrice.Mul(decimal.NewFromInt(1).Sub(maintenanceMarginRate)).Add(marginPerUnit)
}

// ScaleIn adds to the position in the same direction. Avg entry becomes
// volume-weighted; trailing extremes are preserved.
func (p *Position) ScaleIn(quantity, fillPrice decimal.Decimal, commission decimal.Decimal) error {
	if p.IsFlat() {
		return fmt.Errorf("%w: cannot scale in, no open position", ErrPrecondition)
	}
	totalNotional := p.notional().Add(quantity.Mul(fillPrice))
	newQuantity := p.Quantity.Add(quantity)
	p.AvgEntryPrice = totalNotional.Div(newQuantity)
	p.Quantity = newQuantity
	p.EntryCommission = p.EntryCommission.Add(commission)
	p.IsolatedMargin = p.notional().Div(decimal.NewFromInt(int64(p.Leverage)))
	return nil
}

// RecomputeLevels is a pure function deriving SL/TP prices from ROE percents
// against a given avg entry, so scale-in updates never anchor to the
// instantaneous market price.
func RecomputeLevels(dir Direction, avgEntry decimal.Decimal, leverage int, slPct, tpPct *decimal.Decimal) (sl, tp *decimal.Decimal) {
	lev := decimal.NewFromInt(int64(leverage))
	if slPct != nil {
		adj := slPct.Div(hundred).Div(lev)
		var price decimal.Decimal
		if dir == DirectionLong {
			price = avgEntry.Mul(decimal.NewFromInt(1).Sub(adj))
		} else {
			price = avgEntry.Mul(decimal.NewFromInt(1).Add(adj))
		}
		sl = &price
	}
	if tpPct != nil {
		adj := tpPct.Div(hundred).Div(lev)
		var price decimal.Decimal
		if dir == DirectionLong {
			price = avgEntry.Mul(decimal.NewFromInt(1).Add(adj))
		} else {
			price = avgEntry.Mul(decimal.NewFromInt(1).Sub(adj))
		}
		tp = &price
	}
	return sl, tp
}

// Trade is immutable once produced by PartialClose/Close.
type Trade struct {
	ID        string
	Symbol    string
	Direction Direction

	SignalTime            time.Time
	EntryTime             time.Time
	ExecutionDelaySeconds int64

	EntryPrice      decimal.Decimal
	EntryQuantity   decimal.Decimal
	EntryCommission decimal.Decimal
	EntrySlippage   decimal.Decimal

	InitialEntryPrice    decimal.Decimal
	InitialEntryQuantity decimal.Decimal

	ExitTime       time.Time
	ExitPrice      decimal.Decimal
	ExitQuantity   decimal.Decimal
	ExitCommission decimal.Decimal
	ExitSlippage   decimal.Decimal

	GrossPnL   decimal.Decimal
	NetPnL     decimal.Decimal
	PnLPercent decimal.Decimal // return on margin (ROE)

	MAE decimal.Decimal
	MFE decimal.Decimal

	MakerFee   decimal.Decimal
	TakerFee   decimal.Decimal
	FundingFee decimal.Decimal

	EntryReason string
	ExitReason  ExitReason
	ExitDetail  string

	FillPolicyUsed    string
	FillConditionsMet string
}

// Close realizes the position's P&L and produces the closing Trade,
// transitioning the ledger back to flat. The exit fee is allocated to maker
// when the reason is a take-profit (passive limit-style exit) and to taker
// otherwise, per the maker/taker rates on cfg.
func (p *Position) Close(fillPrice decimal.Decimal, timestamp time.Time, reason ExitReason, cfg BacktestConfig, fillPolicyUsed, fillConditionsMet string) (*Trade, error) {
	if p.IsFlat() {
		return nil, fmt.Errorf("%w: cannot close, no open position", ErrPrecondition)
	}
	return p.partialClose(p.Quantity, fillPrice, timestamp, reason, cfg, fillPolicyUsed, fillConditionsMet)
}

// PartialClose reduces the position by quantity, realizing proportional
// entry commission. If the reduction exhausts the position it transitions to
// flat exactly as Close would.
func (p *Position) PartialClose(quantity, fillPrice decimal.Decimal, timestamp time.Time, reason ExitReason, cfg BacktestConfig, fillPolicyUsed, fillConditionsMet string) (*Trade, error) {
	if p.IsFlat() {
		return nil, fmt.Errorf("%w: cannot partial close, no open position", ErrPrecondition)
	}
	if quantity.GreaterThan(p.Quantity) {
		quantity = p.Quantity
	}
	return p.partialClose(quantity, fillPrice, timestamp, reason, cfg, fillPolicyUsed, fillConditionsMet)
}

func (p *Position) partialClose(quantity, fillPrice decimal.Decimal, timestamp time.Time, reason ExitReason, cfg BacktestConfig, fillPolicyUsed, fillConditionsMet string) (*Trade, error) {
	proportion := quantity.Div(p.Quantity)
	entryCommissionShare := p.EntryCommission.Mul(proportion)
	entrySlippageShare := p.EntrySlippage.Mul(proportion)
	fundingShare := p.AccumulatedFunding.Mul(proportion)

	notional := quantity.Mul(fillPrice)
	var makerFee, takerFee decimal.Decimal
	if reason == ExitTakeProfit {
		makerFee = notional.Mul(cfg.MakerFeeRate).Div(hundred)
	} else {
		takerFee = notional.Mul(cfg.TakerFeeRate).Div(hundred)
	}
	exitCommission := makerFee.Add(takerFee)

	var grossPnL decimal.Decimal
	if p.Direction == DirectionLong {
		grossPnL = fillPrice.Sub(p.AvgEntryPrice).Mul(quantity)
	} else {
		grossPnL = p.AvgEntryPrice.Sub(fillPrice).Mul(quantity)
	}

	totalCosts := entryCommissionShare.Add(exitCommission).Add(entrySlippageShare).Add(fundingShare)
	netPnL := grossPnL.Sub(totalCosts)

	marginShare := p.IsolatedMargin.Mul(proportion)
	var pnlPercent decimal.Decimal
	if !marginShare.IsZero() {
		pnlPercent = netPnL.Div(marginShare).Mul(hundred)
	}

	trade := &Trade{
		ID:                    uuid.New().String(),
		Symbol:                p.Symbol,
		Direction:             p.Direction,
		SignalTime:            p.SignalTime,
		EntryTime:             p.EntryTime,
		EntryPrice:            p.AvgEntryPrice,
		EntryQuantity:         quantity,
		EntryCommission:       entryCommissionShare,
		EntrySlippage:         entrySlippageShare,
		InitialEntryPrice:     p.InitialEntryPrice,
		InitialEntryQuantity:  p.InitialQuantity,
		ExitTime:              timestamp,
		ExitPrice:             fillPrice,
		ExitQuantity:          quantity,
		ExitCommission:        exitCommission,
		ExitSlippage:          decimal.Zero,
		GrossPnL:              grossPnL,
		NetPnL:                netPnL,
		PnLPercent:            pnlPercent,
		MAE:                   p.MaxDrawdownROE,
		MFE:                   p.MaxRunupROE,
		MakerFee:              makerFee,
		TakerFee:              takerFee,
		FundingFee:            fundingShare,
		ExitReason:            reason,
		FillPolicyUsed:        fillPolicyUsed,
		FillConditionsMet:     fillConditionsMet,
	}

	p.Quantity = p.Quantity.Sub(quantity)
	p.EntryCommission = p.EntryCommission.Sub(entryCommissionShare)
	p.EntrySlippage = p.EntrySlippage.Sub(entrySlippageShare)
	p.AccumulatedFunding = p.AccumulatedFunding.Sub(fundingShare)

	if p.Quantity.LessThanOrEqual(decimal.Zero) {
		*p = Position{}
	} else {
		p.IsolatedMargin = p.IsolatedMargin.Sub(marginShare)
	}

	return trade, nil
}

// ApplyFunding deducts a funding fee from equity and accumulates it onto the
// position, per the sign rule: a positive funding rate charges LONG and
// credits SHORT; a negative rate reverses it. Returns the signed fee applied
// to equity (negative means equity decreased).
func (p *Position) ApplyFunding(rateDaily decimal.Decimal) decimal.Decimal {
	notional := p.notional()
	fee := notional.Mul(rateDaily).Div(hundred).Div(decimal.NewFromInt(3))

	sign := decimal.NewFromInt(1)
	if p.Direction == DirectionShort {
		sign = decimal.NewFromInt(-1)
	}
	signedFee := fee.Mul(sign)

	p.AccumulatedFunding = p.AccumulatedFunding.Add(signedFee)
	return signedFee.Neg()
}
