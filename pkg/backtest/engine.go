package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ProgressFunc receives periodic run progress; percent is 0-100.
type ProgressFunc func(percent int, message string)

// Engine drives the candle replay loop: it owns cash/equity accounting, the
// single open Position, and the append-only Trades/EquityCurve/Events logs
// for one run. It is not safe for concurrent use.
type Engine struct {
	cfg     BacktestConfig
	sim     *Simulator
	metrics *EngineMetrics

	Cash       decimal.Decimal
	PeakEquity decimal.Decimal
	Position   *Position

	Trades      []Trade
	EquityCurve []EquityCurvePoint
	Events      []BacktestEvent

	lastFundingTime    time.Time
	totalBarsProcessed int
	signalsGenerated   int

	pendingSignal         *Signal
	pendingSignalBarsLeft int

	currentClosedCandles map[string]Candle
	history              map[string][]Candle
	htfSeries            map[string][]Candle
	htfIdx               map[string]int
	htfPeriods           map[string]int64
}

// NewEngine builds an Engine for one run against a validated, frozen config.
func NewEngine(cfg BacktestConfig, metrics *EngineMetrics) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:                  cfg,
		sim:                  NewSimulator(cfg),
		metrics:              metrics,
		Cash:                 cfg.InitialCapital,
		PeakEquity:           cfg.InitialCapital,
		Position:             &Position{Symbol: cfg.Symbol},
		currentClosedCandles: map[string]Candle{},
		history:              map[string][]Candle{},
	}, nil
}

// CurrentEquity is cash plus, when a position is open, its isolated margin
// and unrealized P&L. Margin posted to a position is not part of free cash.
func (e *Engine) CurrentEquity() decimal.Decimal {
	equity := e.Cash
	if !e.Position.IsFlat() {
		equity = equity.Add(e.Position.IsolatedMargin).Add(e.Position.UnrealizedPL)
	}
	return equity
}

func (e *Engine) positionSnapshot() *Position {
	if e.Position.IsFlat() {
		return nil
	}
	snap := *e.Position
	return &snap
}

// Run replays candles against strategy, dispatching to the single- or
// multi-timeframe loop per cfg.IsMultiTimeframe. candles must already be
// sorted ascending; Run re-validates defensively.
func (e *Engine) Run(ctx context.Context, candles []Candle, strategy Strategy, progress ProgressFunc) (RunStatus, error) {
	start := time.Now()
	defer func() { e.metrics.observeRunDuration(time.Since(start)) }()

	if len(candles) == 0 {
		return RunFailed, fmt.Errorf("%w: no candles to replay", ErrValidation)
	}
	if err := ValidateCandles(candles); err != nil {
		return RunFailed, err
	}

	if pc, ok := strategy.(PreCalculator); ok {
		var htf map[string][]Candle
		if e.cfg.IsMultiTimeframe() {
			var err error
			htf, err = ResampleAll(candles, e.requiredTimeframes())
			if err != nil {
				return RunFailed, err
			}
		}
		if err := pc.PreCalculate(candles, htf); err != nil {
			return RunFailed, fmt.Errorf("strategy precalculate: %w", err)
		}
	}

	if e.cfg.IsMultiTimeframe() {
		return e.runMultiTimeframe(ctx, candles, strategy, progress)
	}
	return e.runSingleTimeframe(ctx, candles, strategy, progress)
}

func (e *Engine) requiredTimeframes() []string {
	seen := map[string]struct{}{}
	var tfs []string
	if e.cfg.SignalTimeframe != "" && e.cfg.SignalTimeframe != "1m" {
		seen[e.cfg.SignalTimeframe] = struct{}{}
		tfs = append(tfs, e.cfg.SignalTimeframe)
	}
	for tf := range e.cfg.ConditionTimeframes {
		if _, ok := seen[tf]; ok || tf == "1m" {
			continue
		}
		seen[tf] = struct{}{}
		tfs = append(tfs, tf)
	}
	return tfs
}

func (e *Engine) runSingleTimeframe(ctx context.Context, candles []Candle, strategy Strategy, progress ProgressFunc) (RunStatus, error) {
	total := len(candles)
	for idx, candle := range candles {
		if idx%100 == 0 {
			select {
			case <-ctx.Done():
				return e.cancelRun()
			default:
			}
			e.reportProgress(progress, idx, total)
		}

		e.updatePositionState(candle)
		terminated := e.checkLiquidation(candle)
		if !terminated {
			terminated = e.checkStopsAndTP(candle)
		}

		if !terminated {
			sig, err := strategy.OnBar(candle, idx, e.positionSnapshot(), nil)
			if err != nil {
				return e.failRun(err)
			}
			e.handleSignal(sig, candle)
		}

		e.checkFunding(candle)
		e.appendEquityPoint(candle, idx == total-1)
		e.totalBarsProcessed++
		e.metrics.barProcessed()
	}

	e.closeAtEndOfData(candles[len(candles)-1])
	return RunCompleted, nil
}

func (e *Engine) runMultiTimeframe(ctx context.Context, candles []Candle, strategy Strategy, progress ProgressFunc) (RunStatus, error) {
	requiredTFs := e.requiredTimeframes()
	series, err := ResampleAll(candles, requiredTFs)
	if err != nil {
		return e.failRun(err)
	}
	e.htfSeries = series
	e.htfIdx = map[string]int{}
	e.htfPeriods = map[string]int64{}
	for _, tf := range requiredTFs {
		period, err := TimeframeMinutes(tf)
		if err != nil {
			return e.failRun(err)
		}
		e.htfPeriods[tf] = period
	}

	total := len(candles)
	for idx, candle := range candles {
		if idx%100 == 0 {
			select {
			case <-ctx.Done():
				return e.cancelRun()
			default:
			}
			e.reportProgress(progress, idx, total)
		}

		e.updatePositionState(candle)
		terminated := e.checkLiquidation(candle)
		if !terminated {
			terminated = e.checkStopsAndTP(candle)
		}

		signalTriggered := e.cfg.SignalTimeframe == "" || e.cfg.SignalTimeframe == "1m"
		for _, tf := range requiredTFs {
			if e.advanceHTF(tf, candle) && tf == e.cfg.SignalTimeframe {
				signalTriggered = true
			}
		}

		if e.pendingSignal != nil {
			e.pendingSignalBarsLeft--
			if e.pendingSignalBarsLeft <= 0 {
				sig := e.pendingSignal
				e.pendingSignal = nil
				e.handleSignal(sig, candle)
			}
		}

		if !terminated {
			mtfCtx := &MultiTimeframeContext{
				CurrentCandles: copyCandleMap(e.currentClosedCandles),
				History:        copyHistory(e.history),
			}

			switch {
			case signalTriggered:
				dispatchCandle := candle
				if e.cfg.SignalTimeframe != "" && e.cfg.SignalTimeframe != "1m" {
					if htf, ok := e.currentClosedCandles[e.cfg.SignalTimeframe]; ok {
						dispatchCandle = htf
					}
				}
				sig, err := strategy.OnBar(dispatchCandle, idx, e.positionSnapshot(), mtfCtx)
				if err != nil {
					return e.failRun(err)
				}
				if sig != nil && e.cfg.ExecutionDelayBars > 0 {
					e.signalsGenerated++
					e.metrics.signalDispatched()
					e.pendingSignal = sig
					e.pendingSignalBarsLeft = e.cfg.ExecutionDelayBars
				} else {
					e.handleSignal(sig, candle)
				}

			case !e.Position.IsFlat():
				// Off-trigger intra-bar defense: keep the strategy in the loop on
				// every 1-minute candle while a position is open, bypassing delay.
				sig, err := strategy.OnBar(candle, idx, e.positionSnapshot(), mtfCtx)
				if err != nil {
					return e.failRun(err)
				}
				e.handleSignal(sig, candle)
			}
		}

		e.checkFunding(candle)
		e.appendEquityPoint(candle, idx == total-1)
		e.totalBarsProcessed++
		e.metrics.barProcessed()
	}

	e.closeAtEndOfData(candles[len(candles)-1])
	return RunCompleted, nil
}

// advanceHTF checks whether the HTF window immediately preceding the window
// candle belongs to has just closed, and if so folds it into history.
func (e *Engine) advanceHTF(tf string, candle Candle) bool {
	period := e.htfPeriods[tf]
	thisStart := WindowStart(candle.OpenTime, period)
	prevStart := thisStart.Add(-time.Duration(period) * time.Minute)

	idx := e.htfIdx[tf]
	series := e.htfSeries[tf]
	if idx >= len(series) || !series[idx].OpenTime.Equal(prevStart) {
		return false
	}

	htf := series[idx]
	e.htfIdx[tf] = idx + 1
	e.history[tf] = append(e.history[tf], htf)
	e.currentClosedCandles[tf] = htf

	e.emitEvent(candle.OpenTime, "", EventHTFCandleClosed, map[string]any{
		"timeframe": tf,
		"open_time": htf.OpenTime,
		"open":      htf.Open.String(),
		"close":     htf.Close.String(),
	})
	return true
}

func copyCandleMap(m map[string]Candle) map[string]Candle {
	out := make(map[string]Candle, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyHistory(m map[string][]Candle) map[string][]Candle {
	out := make(map[string][]Candle, len(m))
	for k, v := range m {
		cp := make([]Candle, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func (e *Engine) updatePositionState(candle Candle) {
	if e.Position.IsFlat() {
		return
	}
	e.Position.UpdateUnrealized(candle.Close)
	e.Position.UpdateIntraTradeExtremes(candle.High, candle.Low)
	e.Position.UpdateTrailing(candle.High, candle.Low)
}

// checkLiquidation closes the position at its liquidation price when the
// candle's adverse extreme reaches it. LONG triggers on low <= price; SHORT
// on high >= price.
func (e *Engine) checkLiquidation(candle Candle) bool {
	if e.Position.IsFlat() {
		return false
	}
	liqPrice := e.Position.LiquidationPrice()
	var triggered bool
	if e.Position.Direction == DirectionLong {
		triggered = candle.Low.LessThanOrEqual(liqPrice)
	} else {
		triggered = candle.High.GreaterThanOrEqual(liqPrice)
	}
	if !triggered {
		return false
	}
	e.closePositionAt(liqPrice, candle.CloseTime, ExitLiquidation, "liquidation", "liquidation", "liquidation price reached")
	return true
}

// checkStopsAndTP resolves stop-loss, trailing-stop and take-profit triggers
// for the candle, applying cfg.PricePathAssumption when both a stop-side and
// a take-profit trigger fire within the same bar.
func (e *Engine) checkStopsAndTP(candle Candle) bool {
	if e.Position.IsFlat() {
		return false
	}
	pos := e.Position

	type stopHit struct {
		price  decimal.Decimal
		reason ExitReason
	}
	var stops []stopHit
	var tpHit *decimal.Decimal

	if pos.Direction == DirectionLong {
		if pos.StopLoss != nil && candle.Low.LessThanOrEqual(*pos.StopLoss) {
			stops = append(stops, stopHit{*pos.StopLoss, ExitStopLoss})
		}
		if pos.TrailingStopPrice != nil && candle.Low.LessThanOrEqual(*pos.TrailingStopPrice) {
			stops = append(stops, stopHit{*pos.TrailingStopPrice, ExitTrailingStop})
		}
		if pos.TakeProfit != nil && candle.High.GreaterThanOrEqual(*pos.TakeProfit) {
			tpHit = pos.TakeProfit
		}
	} else {
		if pos.StopLoss != nil && candle.High.GreaterThanOrEqual(*pos.StopLoss) {
			stops = append(stops, stopHit{*pos.StopLoss, ExitStopLoss})
		}
		if pos.TrailingStopPrice != nil && candle.High.GreaterThanOrEqual(*pos.TrailingStopPrice) {
			stops = append(stops, stopHit{*pos.TrailingStopPrice, ExitTrailingStop})
		}
		if pos.TakeProfit != nil && candle.Low.LessThanOrEqual(*pos.TakeProfit) {
			tpHit = pos.TakeProfit
		}
	}

	var effective *stopHit
	for i := range stops {
		s := stops[i]
		if effective == nil {
			effective = &s
			continue
		}
		worseForLong := pos.Direction == DirectionLong && s.price.LessThan(effective.price)
		worseForShort := pos.Direction == DirectionShort && s.price.GreaterThan(effective.price)
		if worseForLong || worseForShort {
			effective = &s
		}
	}

	switch {
	case effective == nil && tpHit == nil:
		return false

	case effective != nil && tpHit == nil:
		e.closePositionAt(effective.price, candle.CloseTime, effective.reason, "market", "stop touched", "")
		return true

	case effective == nil && tpHit != nil:
		e.closePositionAt(*tpHit, candle.CloseTime, ExitTakeProfit, "market", "tp touched", "")
		return true

	default:
		switch e.cfg.PricePathAssumption {
		case PricePathOptimistic:
			e.closePositionAt(*tpHit, candle.CloseTime, ExitTakeProfit, "market", "tp touched", "optimistic price path assumption")
		case PricePathRealistic:
			favorsStopFirst := (pos.Direction == DirectionLong && candle.Open.LessThan(pos.AvgEntryPrice)) ||
				(pos.Direction == DirectionShort && candle.Open.GreaterThan(pos.AvgEntryPrice))
			if favorsStopFirst {
				e.closePositionAt(effective.price, candle.CloseTime, effective.reason, "market", "stop touched", "realistic price path assumption")
			} else {
				e.closePositionAt(*tpHit, candle.CloseTime, ExitTakeProfit, "market", "tp touched", "realistic price path assumption")
			}
		default: // neutral: conservative, stop wins
			e.closePositionAt(effective.price, candle.CloseTime, effective.reason, "market", "stop touched", "neutral price path assumption")
		}
		return true
	}
}

// closePositionAt realizes a full close and books it onto the engine ledger.
//
// Cash settlement at close is gross P&L minus the exit-side commission only:
// entry commission left cash at open, funding already left cash as it
// accrued (checkFunding), and slippage was never a separate cash line (it is
// already folded into the fill price that produced GrossPnL). NetPnL is a
// broader reporting figure that additionally nets out those already-settled
// costs for trade statistics and Kelly sizing; it is not the cash delta.
func (e *Engine) closePositionAt(price decimal.Decimal, at time.Time, reason ExitReason, fillPolicy, conditionsMet, detail string) {
	marginReturned := e.Position.IsolatedMargin
	trade, err := e.Position.Close(price, at, reason, e.cfg, fillPolicy, conditionsMet)
	if err != nil {
		log.Error().Err(err).Msg("close position")
		return
	}
	trade.ExitDetail = detail
	cashDelta := trade.GrossPnL.Sub(trade.MakerFee).Sub(trade.TakerFee)
	e.Cash = e.Cash.Add(marginReturned).Add(cashDelta)
	e.Trades = append(e.Trades, *trade)
	e.emitEvent(at, trade.ID, exitEventType(reason), map[string]any{
		"exit_price":  price.String(),
		"net_pnl":     trade.NetPnL.String(),
		"exit_reason": string(reason),
	})
}

func (e *Engine) checkFunding(candle Candle) {
	if !e.cfg.CollectFundingFee || e.Position.IsFlat() {
		return
	}
	t := candle.OpenTime.UTC()
	if t.Minute() != 0 || t.Second() != 0 {
		return
	}
	hour := t.Hour()
	if hour != 0 && hour != 8 && hour != 16 {
		return
	}
	if !e.lastFundingTime.IsZero() && !t.After(e.lastFundingTime) {
		return
	}
	e.lastFundingTime = t

	delta := e.Position.ApplyFunding(e.cfg.FundingRateDaily)
	e.Cash = e.Cash.Add(delta)
	e.emitEvent(t, "", EventMarginUpdated, map[string]any{
		"funding_delta": delta.String(),
	})
}

func (e *Engine) appendEquityPoint(candle Candle, force bool) {
	if !force && e.totalBarsProcessed%60 != 0 {
		return
	}
	equity := e.CurrentEquity()
	if equity.GreaterThan(e.PeakEquity) {
		e.PeakEquity = equity
	}
	var drawdown, drawdownPct decimal.Decimal
	if !e.PeakEquity.IsZero() {
		drawdown = equity.Sub(e.PeakEquity)
		drawdownPct = drawdown.Div(e.PeakEquity).Mul(hundred)
	}
	var returnPct decimal.Decimal
	if !e.cfg.InitialCapital.IsZero() {
		returnPct = equity.Sub(e.cfg.InitialCapital).Div(e.cfg.InitialCapital).Mul(hundred)
	}

	var positionsValue decimal.Decimal
	if !e.Position.IsFlat() {
		positionsValue = e.Position.IsolatedMargin.Add(e.Position.UnrealizedPL)
	}

	e.EquityCurve = append(e.EquityCurve, EquityCurvePoint{
		Timestamp:       candle.CloseTime,
		Equity:          equity,
		Cash:            e.Cash,
		PositionsValue:  positionsValue,
		Drawdown:        drawdown,
		DrawdownPercent: drawdownPct,
		ReturnPercent:   returnPct,
	})
}

func (e *Engine) reportProgress(progress ProgressFunc, idx, total int) {
	if progress == nil || total == 0 {
		return
	}
	pct := idx * 100 / total
	progress(pct, fmt.Sprintf("processing candle %d/%d", idx, total))
}

func (e *Engine) closeAtEndOfData(last Candle) {
	if e.Position.IsFlat() {
		return
	}
	e.closePositionAt(last.Close, last.CloseTime, ExitEndOfData, "market", "end of data", "")
	e.appendEquityPoint(last, true)
}

func (e *Engine) cancelRun() (RunStatus, error) {
	log.Warn().Int("bars_processed", e.totalBarsProcessed).Msg("backtest run cancelled")
	return RunCancelled, context.Canceled
}

func (e *Engine) failRun(err error) (RunStatus, error) {
	msg := err.Error()
	if len(msg) > 100 {
		msg = msg[:100]
	}
	log.Error().Err(err).Int("bars_processed", e.totalBarsProcessed).Msg("backtest run failed")
	return RunFailed, fmt.Errorf("backtest run failed at bar %d: %s: %w", e.totalBarsProcessed, msg, err)
}

func (e *Engine) emitEvent(at time.Time, tradeID string, eventType EventType, details map[string]any) {
	e.Events = append(e.Events, BacktestEvent{
		TradeID:   tradeID,
		Timestamp: at,
		Type:      eventType,
		Details:   details,
	})
}

// handleSignal dispatches a strategy-returned Signal against the position
// ledger and market simulator.
func (e *Engine) handleSignal(sig *Signal, candle Candle) {
	if sig == nil {
		return
	}
	e.signalsGenerated++
	e.metrics.signalDispatched()

	switch sig.Type {
	case SignalOpenLong:
		e.openPosition(DirectionLong, sig, candle)
	case SignalOpenShort:
		e.openPosition(DirectionShort, sig, candle)
	case SignalAddLong:
		e.scaleIn(DirectionLong, sig, candle)
	case SignalAddShort:
		e.scaleIn(DirectionShort, sig, candle)
	case SignalPartialClose, SignalReduceLong, SignalReduceShort:
		e.partialClose(sig, candle)
	case SignalClosePosition:
		e.closeOnSignal(candle, sig)
	case SignalFlipLong:
		e.flip(DirectionLong, sig, candle)
	case SignalFlipShort:
		e.flip(DirectionShort, sig, candle)
	case SignalUpdateLevels:
		e.updateLevels(sig)
	case SignalUpdateMargin:
		e.updateMargin(sig)
	default:
		log.Warn().Str("signal_type", string(sig.Type)).Msg("unknown signal type, ignored")
	}
}

func (e *Engine) sizingInputs(candle Candle) SizingInputs {
	var kellyStats *TradingStats
	if e.cfg.PositionSizingMethod == SizingKelly {
		kellyStats = CalculateStatsFromTrades(e.Trades)
	}
	return SizingInputs{
		Equity:           e.CurrentEquity(),
		Price:            candle.Close,
		AvailableCapital: e.Cash,
		KellyStats:       kellyStats,
	}
}

func (e *Engine) openPosition(dir Direction, sig *Signal, candle Candle) {
	if !e.Position.IsFlat() {
		return
	}
	quantity := e.resolveQuantity(sig, candle)
	if quantity.LessThanOrEqual(decimal.Zero) {
		return
	}

	var fill OrderFill
	if dir == DirectionLong {
		fill = e.sim.SimulateLongEntry(quantity, candle.Close, candle, candle.CloseTime, sig.LimitPrice)
	} else {
		fill = e.sim.SimulateShortEntry(quantity, candle.Close, candle, candle.CloseTime, sig.LimitPrice)
	}
	if fill.FilledQuantity.IsZero() {
		e.metrics.fillRejected()
		return
	}

	notional := fill.FilledPrice.Mul(fill.FilledQuantity)
	margin := notional.Div(decimal.NewFromInt(int64(e.cfg.Leverage)))
	if margin.GreaterThan(e.Cash) {
		e.metrics.fillRejected()
		return
	}

	if err := e.Position.Open(dir, fill.FilledQuantity, fill.FilledPrice, fill.FillTime, e.cfg.Leverage, fill.Commission, fill.Slippage); err != nil {
		log.Error().Err(err).Msg("open position")
		return
	}
	e.Position.SignalTime = candle.OpenTime
	e.Cash = e.Cash.Sub(margin).Sub(fill.Commission)
	e.applyLevelsFromSignal(sig)

	e.emitEvent(fill.FillTime, "", EventTradeOpened, map[string]any{
		"direction":   string(dir),
		"quantity":    fill.FilledQuantity.String(),
		"entry_price": fill.FilledPrice.String(),
		"reason":      sig.Reason,
	})
}

func (e *Engine) resolveQuantity(sig *Signal, candle Candle) decimal.Decimal {
	if sig.Quantity != nil {
		return *sig.Quantity
	}
	return CalculateQuantity(e.cfg, e.sizingInputs(candle))
}

func (e *Engine) scaleIn(dir Direction, sig *Signal, candle Candle) {
	if e.Position.IsFlat() || e.Position.Direction != dir {
		return
	}
	quantity := e.resolveQuantity(sig, candle)
	if quantity.LessThanOrEqual(decimal.Zero) {
		return
	}

	var fill OrderFill
	if dir == DirectionLong {
		fill = e.sim.SimulateLongEntry(quantity, candle.Close, candle, candle.CloseTime, sig.LimitPrice)
	} else {
		fill = e.sim.SimulateShortEntry(quantity, candle.Close, candle, candle.CloseTime, sig.LimitPrice)
	}
	if fill.FilledQuantity.IsZero() {
		e.metrics.fillRejected()
		return
	}

	addedNotional := fill.FilledPrice.Mul(fill.FilledQuantity)
	addedMargin := addedNotional.Div(decimal.NewFromInt(int64(e.cfg.Leverage)))
	if addedMargin.Add(fill.Commission).GreaterThan(e.Cash) {
		e.metrics.fillRejected()
		return
	}

	if err := e.Position.ScaleIn(fill.FilledQuantity, fill.FilledPrice, fill.Commission); err != nil {
		log.Error().Err(err).Msg("scale in")
		return
	}
	e.Cash = e.Cash.Sub(addedMargin).Sub(fill.Commission)
	e.applyLevelsFromSignal(sig)

	e.emitEvent(fill.FillTime, "", EventScaleIn, map[string]any{
		"added_quantity": fill.FilledQuantity.String(),
		"fill_price":     fill.FilledPrice.String(),
		"new_avg_entry":  e.Position.AvgEntryPrice.String(),
	})
}

// applyLevelsFromSignal sets absolute SL/TP/trailing levels from the signal
// directly, or re-derives them from percent fields against the (possibly
// just-updated) average entry price.
func (e *Engine) applyLevelsFromSignal(sig *Signal) {
	if sig.TrailingStopPercent != nil {
		e.Position.TrailingStopPercent = sig.TrailingStopPercent
	}

	if sig.StopLoss != nil {
		e.Position.StopLoss = sig.StopLoss
	}
	if sig.TakeProfit != nil {
		e.Position.TakeProfit = sig.TakeProfit
	}
	if sig.StopLoss == nil && sig.TakeProfit == nil && (sig.StopLossPercent != nil || sig.TakeProfitPercent != nil) {
		sl, tp := RecomputeLevels(e.Position.Direction, e.Position.AvgEntryPrice, e.Position.Leverage, sig.StopLossPercent, sig.TakeProfitPercent)
		if sl != nil {
			e.Position.StopLoss = sl
		}
		if tp != nil {
			e.Position.TakeProfit = tp
		}
	}
}

func (e *Engine) partialClose(sig *Signal, candle Candle) {
	if e.Position.IsFlat() {
		return
	}
	quantity := e.Position.Quantity.Div(two)
	if sig.Quantity != nil {
		quantity = *sig.Quantity
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return
	}

	fill := e.sim.SimulateExit(e.Position.Direction, quantity, candle.Close, candle, candle.CloseTime, sig.LimitPrice)
	if fill.FilledQuantity.IsZero() {
		e.metrics.fillRejected()
		return
	}

	marginShare := e.Position.IsolatedMargin.Mul(fill.FilledQuantity).Div(e.Position.Quantity)
	trade, err := e.Position.PartialClose(fill.FilledQuantity, fill.FilledPrice, fill.FillTime, ExitSignal, e.cfg, fill.FillConditionsMet, "")
	if err != nil {
		log.Error().Err(err).Msg("partial close")
		return
	}
	trade.ExitDetail = sig.Reason
	cashDelta := trade.GrossPnL.Sub(trade.MakerFee).Sub(trade.TakerFee)
	e.Cash = e.Cash.Add(marginShare).Add(cashDelta)
	e.Trades = append(e.Trades, *trade)

	e.emitEvent(fill.FillTime, trade.ID, EventPartialClose, map[string]any{
		"quantity":   fill.FilledQuantity.String(),
		"fill_price": fill.FilledPrice.String(),
		"net_pnl":    trade.NetPnL.String(),
	})
}

func (e *Engine) closeOnSignal(candle Candle, sig *Signal) {
	if e.Position.IsFlat() {
		return
	}
	fill := e.sim.SimulateExit(e.Position.Direction, e.Position.Quantity, candle.Close, candle, candle.CloseTime, sig.LimitPrice)
	if fill.FilledQuantity.IsZero() {
		e.metrics.fillRejected()
		return
	}
	e.closePositionAt(fill.FilledPrice, fill.FillTime, ExitSignal, fill.FillConditionsMet, fill.FillConditionsMet, sig.Reason)
}

func (e *Engine) flip(dir Direction, sig *Signal, candle Candle) {
	if !e.Position.IsFlat() && e.Position.Direction != dir {
		fill := e.sim.SimulateExit(e.Position.Direction, e.Position.Quantity, candle.Close, candle, candle.CloseTime, nil)
		if fill.FilledQuantity.IsZero() {
			e.metrics.fillRejected()
			return
		}
		e.closePositionAt(fill.FilledPrice, fill.FillTime, ExitSignal, fill.FillConditionsMet, fill.FillConditionsMet, "flip")
	}
	if e.Position.IsFlat() {
		e.openPosition(dir, sig, candle)
	}
}

func (e *Engine) updateLevels(sig *Signal) {
	if e.Position.IsFlat() {
		return
	}
	e.applyLevelsFromSignal(sig)
	e.emitEvent(e.Position.EntryTime, "", EventLevelsUpdated, map[string]any{
		"reason": sig.Reason,
	})
}

func (e *Engine) updateMargin(sig *Signal) {
	if e.Position.IsFlat() || sig.MarginDelta == nil {
		return
	}
	delta := *sig.MarginDelta
	if delta.IsPositive() {
		if delta.GreaterThan(e.Cash) {
			return
		}
		e.Cash = e.Cash.Sub(delta)
		e.Position.IsolatedMargin = e.Position.IsolatedMargin.Add(delta)
	} else {
		withdraw := delta.Neg()
		if withdraw.GreaterThan(e.Position.IsolatedMargin) {
			return
		}
		e.Position.IsolatedMargin = e.Position.IsolatedMargin.Sub(withdraw)
		e.Cash = e.Cash.Add(withdraw)
	}
	e.emitEvent(e.Position.EntryTime, "", EventMarginUpdated, map[string]any{
		"margin_delta": delta.String(),
	})
}
