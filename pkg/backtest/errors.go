// Package backtest implements the event-driven replay engine, market simulator
// and position ledger for leveraged perpetual-futures strategy backtests.
package backtest

import "errors"

// Sentinel fault kinds. Component errors wrap one of these with fmt.Errorf("%w: ...", ...)
// so callers can classify failures with errors.Is without a bespoke exception hierarchy.
var (
	// ErrValidation covers missing/invalid config, no data in range, invalid signal type.
	ErrValidation = errors.New("validation fault")

	// ErrPrecondition covers illegal state transitions (e.g. cancel a completed run).
	ErrPrecondition = errors.New("precondition fault")

	// ErrAuthorization covers access to a run/result by a non-owner.
	ErrAuthorization = errors.New("authorization fault")

	// ErrNotFound covers unknown run/strategy/exchange-connection ids.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate covers a name collision (bot/strategy) scoped to a user.
	ErrDuplicate = errors.New("duplicate")

	// ErrTransient covers exchange timeouts and DB serialization errors; retryable.
	ErrTransient = errors.New("transient fault")

	// ErrData covers gaps remaining after max_wait_seconds with no usable candles.
	ErrData = errors.New("data fault")
)
