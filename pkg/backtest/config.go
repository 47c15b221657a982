package backtest

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SlippageModel selects how simulated slippage is computed on a fill.
type SlippageModel string

const (
	SlippageNone          SlippageModel = "NONE"
	SlippageFixed         SlippageModel = "FIXED"
	SlippagePercentage    SlippageModel = "PERCENTAGE"
	SlippageVolumeBased   SlippageModel = "VOLUME_BASED"
	SlippageRandom        SlippageModel = "RANDOM"
)

// CommissionModel selects how simulated trading fees are computed on a fill.
type CommissionModel string

const (
	CommissionNone      CommissionModel = "NONE"
	CommissionFixed     CommissionModel = "FIXED"
	CommissionFixedRate CommissionModel = "FIXED_RATE"
	CommissionTiered    CommissionModel = "TIERED"
)

// PositionSizingMethod selects how a signal's quantity is derived when unspecified.
type PositionSizingMethod string

const (
	SizingFixedSize    PositionSizingMethod = "FIXED_SIZE"
	SizingFixedValue   PositionSizingMethod = "FIXED_VALUE"
	SizingPercentEquity PositionSizingMethod = "PERCENT_EQUITY"
	SizingKelly        PositionSizingMethod = "KELLY"
	SizingVolatility   PositionSizingMethod = "VOLATILITY"
	SizingRiskAmount   PositionSizingMethod = "RISK_AMOUNT"
)

// PricePathAssumption resolves same-candle SL/TP conflicts.
type PricePathAssumption string

const (
	PricePathNeutral    PricePathAssumption = "neutral"
	PricePathOptimistic PricePathAssumption = "optimistic"
	PricePathRealistic  PricePathAssumption = "realistic"
)

// MarketFillPolicy selects the base execution price for a market order.
type MarketFillPolicy string

const (
	MarketFillClose MarketFillPolicy = "close"
	MarketFillLow   MarketFillPolicy = "low"
	MarketFillHigh  MarketFillPolicy = "high"
)

// LimitFillPolicy selects the gate a limit order must pass to fill.
type LimitFillPolicy string

const (
	LimitFillTouch       LimitFillPolicy = "touch"
	LimitFillCross       LimitFillPolicy = "cross"
	LimitFillCrossVolume LimitFillPolicy = "cross_volume"
)

// BacktestConfig is frozen at run start and never mutated by the engine.
type BacktestConfig struct {
	Symbol    string
	Timeframe string

	InitialCapital decimal.Decimal
	Leverage       int // 1..125

	TakerFeeRate     decimal.Decimal
	MakerFeeRate     decimal.Decimal
	FundingRateDaily decimal.Decimal

	SlippageModel     SlippageModel
	SlippageParameter decimal.Decimal

	CommissionModel     CommissionModel
	CommissionParameter decimal.Decimal

	PositionSizingMethod PositionSizingMethod
	PositionSizingValue  decimal.Decimal
	MaxPositionSize      decimal.Decimal

	StopLossPercent       *decimal.Decimal
	TakeProfitPercent     *decimal.Decimal
	TrailingStopPercent   *decimal.Decimal

	CollectFundingFee bool

	PricePathAssumption PricePathAssumption
	MarketFillPolicy    MarketFillPolicy
	LimitFillPolicy     LimitFillPolicy

	SignalTimeframe     string
	ConditionTimeframes map[string]struct{}
	ExecutionDelayBars  int

	UseBidAskSpread bool
	SpreadPercent   decimal.Decimal
}

// Validate enforces the invariants a frozen config must satisfy before a run starts.
func (c BacktestConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	}
	if c.Timeframe == "" {
		return fmt.Errorf("%w: timeframe is required", ErrValidation)
	}
	if c.Leverage < 1 || c.Leverage > 125 {
		return fmt.Errorf("%w: leverage %d must be in [1, 125]", ErrValidation, c.Leverage)
	}
	if c.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: initial_capital must be positive", ErrValidation)
	}
	switch c.PricePathAssumption {
	case PricePathNeutral, PricePathOptimistic, PricePathRealistic:
	default:
		return fmt.Errorf("%w: unknown price_path_assumption %q", ErrValidation, c.PricePathAssumption)
	}
	switch c.MarketFillPolicy {
	case MarketFillClose, MarketFillLow, MarketFillHigh:
	default:
		return fmt.Errorf("%w: unknown market_fill_policy %q", ErrValidation, c.MarketFillPolicy)
	}
	switch c.LimitFillPolicy {
	case LimitFillTouch, LimitFillCross, LimitFillCrossVolume:
	default:
		return fmt.Errorf("%w: unknown limit_fill_policy %q", ErrValidation, c.LimitFillPolicy)
	}
	if c.ExecutionDelayBars < 0 {
		return fmt.Errorf("%w: execution_delay_bars must be non-negative", ErrValidation)
	}
	return nil
}

// IsMultiTimeframe reports whether the engine must run the multi-timeframe loop.
func (c BacktestConfig) IsMultiTimeframe() bool {
	return (c.SignalTimeframe != "" && c.SignalTimeframe != "1m") || len(c.ConditionTimeframes) > 0
}

// RunStatus is the BacktestRun lifecycle state.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// BacktestRun is the aggregate root persisted by the repository.
type BacktestRun struct {
	ID                   string
	UserID               string
	StrategyID            string
	ExchangeConnectionID string
	Symbol               string
	Timeframe            string
	StartDate            time.Time
	EndDate              time.Time
	Config               BacktestConfig
	Status               RunStatus
	ProgressPercent      int
	StatusMessage        string
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time

	FinalEquity  decimal.Decimal
	TotalTrades  int
	WinRate      decimal.Decimal
	TotalReturn  decimal.Decimal
	ProfitFactor decimal.Decimal
	MaxDrawdown  decimal.Decimal
	SharpeRatio  decimal.Decimal

	ErrorMessage string
	Results      *BacktestResults
}

// Transition moves the run to a new status, enforcing the allowed edges
// PENDING -> RUNNING -> {COMPLETED, FAILED, CANCELLED} and PENDING -> CANCELLED.
func (r *BacktestRun) Transition(next RunStatus, at time.Time) error {
	allowed := map[RunStatus][]RunStatus{
		RunPending: {RunRunning, RunCancelled},
		RunRunning: {RunCompleted, RunFailed, RunCancelled},
	}
	for _, ok := range allowed[r.Status] {
		if ok == next {
			r.Status = next
			switch next {
			case RunRunning:
				if r.StartedAt == nil {
					t := at
					r.StartedAt = &t
				}
			case RunCompleted, RunFailed, RunCancelled:
				t := at
				r.CompletedAt = &t
			}
			return nil
		}
	}
	return fmt.Errorf("%w: cannot transition run from %s to %s", ErrPrecondition, r.Status, next)
}
