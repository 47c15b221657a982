package backtest

import "time"

// EventType tags a BacktestEvent's lifecycle transition.
type EventType string

const (
	EventTradeOpened     EventType = "TRADE_OPENED"
	EventTradeClosed     EventType = "TRADE_CLOSED"
	EventSLHit           EventType = "SL_HIT"
	EventTPHit           EventType = "TP_HIT"
	EventTrailingStopHit EventType = "TRAILING_STOP_HIT"
	EventLiquidation     EventType = "LIQUIDATION"
	EventScaleIn         EventType = "SCALE_IN"
	EventPartialClose    EventType = "PARTIAL_CLOSE"
	EventLevelsUpdated   EventType = "LEVELS_UPDATED"
	EventMarginUpdated   EventType = "MARGIN_UPDATED"
	EventHTFCandleClosed EventType = "HTF_CANDLE_CLOSED"
)

// BacktestEvent is an append-only, timestamp-ordered record of a run's
// lifecycle transitions.
type BacktestEvent struct {
	BacktestID string
	TradeID    string // empty when the event has no associated trade
	Timestamp  time.Time
	Type       EventType
	Details    map[string]any
}

// exitEventType derives the exit-side event type from an ExitReason, mirroring
// the case-insensitive substring matching spec'd for free-form exit reason
// strings: "stop loss"/"sl" -> SL_HIT, "take profit"/"tp" -> TP_HIT,
// "trailing" -> TRAILING_STOP_HIT, "liquidation" -> LIQUIDATION, default
// TRADE_CLOSED.
func exitEventType(reason ExitReason) EventType {
	switch reason {
	case ExitStopLoss:
		return EventSLHit
	case ExitTakeProfit:
		return EventTPHit
	case ExitTrailingStop:
		return EventTrailingStopHit
	case ExitLiquidation:
		return EventLiquidation
	default:
		return EventTradeClosed
	}
}
