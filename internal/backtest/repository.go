// Package backtest persists backtest runs, results, trades and events and
// orchestrates historical candle retrieval for the engine in pkg/backtest.
package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	core "github.com/ajitpratap0/futurescast/pkg/backtest"
)

// pgxPool is the subset of pgxpool.Pool's surface the repository depends on,
// letting tests swap in pgxmock without standing up a live connection pool.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TradeFilter narrows GetTrades/CountTrades to a symbol, side and PnL range.
type TradeFilter struct {
	Symbol string
	Side   string // "LONG" or "SHORT", matches core.Direction
	MinPnL *decimal.Decimal
	MaxPnL *decimal.Decimal
	Limit  int
	Offset int
}

// EventFilter narrows GetEvents to a trade and/or a set of event types.
type EventFilter struct {
	TradeID string
	Types   []core.EventType
}

// Repository is the persistence surface the engine and its call sites depend
// on. Implementations must be idempotent under retries (CreateRun excepted,
// which is a one-shot insert).
type Repository interface {
	CreateRun(ctx context.Context, run *core.BacktestRun) error
	GetRun(ctx context.Context, id string) (*core.BacktestRun, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*core.BacktestRun, int, error)
	ListByStrategy(ctx context.Context, strategyID string, limit, offset int) ([]*core.BacktestRun, error)
	ListBySymbol(ctx context.Context, symbol string, limit, offset int) ([]*core.BacktestRun, error)
	ListRunning(ctx context.Context) ([]*core.BacktestRun, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	UpdateStatus(ctx context.Context, run *core.BacktestRun) error
	SaveResults(ctx context.Context, run *core.BacktestRun, results *core.BacktestResults) error
	DeleteRun(ctx context.Context, id string) error
	GetResults(ctx context.Context, id string) (*core.BacktestResults, error)
	GetTrades(ctx context.Context, runID string, filter TradeFilter) ([]core.TradeRow, error)
	CountTrades(ctx context.Context, runID string, filter TradeFilter) (int, error)
	GetEquityCurve(ctx context.Context, runID string) ([]core.EquityPoint, error)
	GetPositionTimeline(ctx context.Context, runID string) ([]core.TradeRow, error)
	GetEvents(ctx context.Context, runID string, filter EventFilter) ([]core.BacktestEvent, error)
}

// PgRepository is the pgx-backed Repository implementation.
type PgRepository struct {
	pool pgxPool
}

// NewPgRepository wraps any pgxPool-shaped pool, including a pgxmock pool in
// tests.
func NewPgRepository(pool pgxPool) *PgRepository {
	return &PgRepository{pool: pool}
}

// NewPgRepositoryWithPool is the production constructor against a live
// connection pool.
func NewPgRepositoryWithPool(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// CreateRun inserts a new run row in PENDING status.
func (r *PgRepository) CreateRun(ctx context.Context, run *core.BacktestRun) error {
	if run.Status == "" {
		run.Status = core.RunPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO backtest_runs (
			id, user_id, strategy_id, exchange_connection_id, symbol, timeframe,
			start_date, end_date, config, status, progress_percent, status_message,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, run.ID, run.UserID, run.StrategyID, run.ExchangeConnectionID, run.Symbol, run.Timeframe,
		run.StartDate, run.EndDate, configJSON, run.Status, run.ProgressPercent, run.StatusMessage,
		run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert backtest run: %w", err)
	}

	log.Info().Str("run_id", run.ID).Str("symbol", run.Symbol).Msg("created backtest run")
	return nil
}

func scanRun(row pgx.Row) (*core.BacktestRun, error) {
	var run core.BacktestRun
	var configJSON []byte
	if err := row.Scan(
		&run.ID, &run.UserID, &run.StrategyID, &run.ExchangeConnectionID, &run.Symbol, &run.Timeframe,
		&run.StartDate, &run.EndDate, &configJSON, &run.Status, &run.ProgressPercent, &run.StatusMessage,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt,
		&run.FinalEquity, &run.TotalTrades, &run.WinRate, &run.TotalReturn, &run.ProfitFactor,
		&run.MaxDrawdown, &run.SharpeRatio, &run.ErrorMessage,
	); err != nil {
		return nil, err
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &run.Config); err != nil {
			return nil, fmt.Errorf("unmarshal run config: %w", err)
		}
	}
	return &run, nil
}

const runColumns = `
	id, user_id, strategy_id, exchange_connection_id, symbol, timeframe,
	start_date, end_date, config, status, progress_percent, status_message,
	created_at, started_at, completed_at,
	final_equity, total_trades, win_rate, total_return, profit_factor,
	max_drawdown, sharpe_ratio, error_message`

// GetRun retrieves a run by id with its result summary eagerly loaded.
func (r *PgRepository) GetRun(ctx context.Context, id string) (*core.BacktestRun, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM backtest_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: run %s", core.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get backtest run: %w", err)
	}

	results, err := r.GetResults(ctx, id)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}
	run.Results = results
	return run, nil
}

// ListByUser paginates a user's runs, deferring the heavy results JSON column.
func (r *PgRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*core.BacktestRun, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM backtest_runs WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count backtest runs: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT `+runColumns+` FROM backtest_runs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list backtest runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*core.BacktestRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan backtest run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (r *PgRepository) listWhere(ctx context.Context, where string, arg interface{}) ([]*core.BacktestRun, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+runColumns+` FROM backtest_runs WHERE `+where+` ORDER BY created_at DESC`, arg)
	if err != nil {
		return nil, fmt.Errorf("list backtest runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*core.BacktestRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backtest run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListByStrategy returns every run for a given strategy, newest first.
func (r *PgRepository) ListByStrategy(ctx context.Context, strategyID string, limit, offset int) ([]*core.BacktestRun, error) {
	return r.listWhere(ctx, "strategy_id = $1", strategyID)
}

// ListBySymbol returns every run for a given symbol, newest first.
func (r *PgRepository) ListBySymbol(ctx context.Context, symbol string, limit, offset int) ([]*core.BacktestRun, error) {
	return r.listWhere(ctx, "symbol = $1", symbol)
}

// ListRunning returns every run currently in RUNNING status, for reconciling
// orphaned runs after a process restart.
func (r *PgRepository) ListRunning(ctx context.Context) ([]*core.BacktestRun, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+runColumns+` FROM backtest_runs WHERE status = $1`, core.RunRunning)
	if err != nil {
		return nil, fmt.Errorf("list running backtest runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*core.BacktestRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backtest run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountByUser reports how many runs a user owns.
func (r *PgRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM backtest_runs WHERE user_id = $1`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count backtest runs: %w", err)
	}
	return total, nil
}

// upsertRun implements the upsert-or-skip contract: update a live run's
// mutable fields, insert it if it is a fresh PENDING row, or skip silently if
// a late progress callback targets a run that was already deleted.
func (r *PgRepository) upsertRun(ctx context.Context, run *core.BacktestRun) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE backtest_runs SET
			status = $2, progress_percent = $3, status_message = $4,
			started_at = $5, completed_at = $6,
			final_equity = $7, total_trades = $8, win_rate = $9, total_return = $10,
			profit_factor = $11, max_drawdown = $12, sharpe_ratio = $13, error_message = $14
		WHERE id = $1
	`, run.ID, run.Status, run.ProgressPercent, run.StatusMessage, run.StartedAt, run.CompletedAt,
		core.ClampMoney(run.FinalEquity), run.TotalTrades, core.ClampWinRate(run.WinRate), core.ClampMoney(run.TotalReturn),
		core.ClampMoney(run.ProfitFactor), core.ClampMoney(run.MaxDrawdown), core.ClampMoney(run.SharpeRatio), run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update backtest run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if run.Status == core.RunPending {
		return r.CreateRun(ctx, run)
	}
	log.Debug().Str("run_id", run.ID).Msg("skipping save, backtest run no longer exists")
	return nil
}

// UpdateStatus persists a run's lifecycle transition and progress.
func (r *PgRepository) UpdateStatus(ctx context.Context, run *core.BacktestRun) error {
	return r.upsertRun(ctx, run)
}

// SaveResults persists a completed run's full result set: the denormalized
// summary columns on backtest_runs, the results JSON blob, and one row per
// trade in backtest_trades.
func (r *PgRepository) SaveResults(ctx context.Context, run *core.BacktestRun, results *core.BacktestResults) error {
	run.Results = results
	if m := results.Metrics; m != nil {
		run.TotalTrades = m.TotalTrades
		run.WinRate = m.WinRate
		run.TotalReturn = m.TotalReturn
		run.ProfitFactor = m.ProfitFactor
		run.MaxDrawdown = m.MaxDrawdown
		run.SharpeRatio = m.Sharpe
	}
	if len(results.EquityCurve) > 0 {
		run.FinalEquity = decimal.NewFromFloat(results.EquityCurve[len(results.EquityCurve)-1].Equity)
	}

	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal backtest results: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save results tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.upsertRunTx(ctx, tx, run); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO backtest_results (run_id, results)
		VALUES ($1, $2)
		ON CONFLICT (run_id) DO UPDATE SET results = EXCLUDED.results
	`, run.ID, resultsJSON); err != nil {
		return fmt.Errorf("save backtest results: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM backtest_trades WHERE run_id = $1`, run.ID); err != nil {
		return fmt.Errorf("clear prior backtest trades: %w", err)
	}
	for _, t := range results.Trades {
		if _, err := tx.Exec(ctx, `
			INSERT INTO backtest_trades (
				id, run_id, symbol, direction, entry_time, exit_time,
				entry_price, exit_price, quantity, net_pnl, pnl_percent, exit_reason
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, t.ID, run.ID, t.Symbol, t.Direction, t.EntryTime, t.ExitTime,
			t.EntryPrice, t.ExitPrice, t.Quantity, t.NetPnL, t.PnLPercent, t.ExitReason); err != nil {
			return fmt.Errorf("insert backtest trade %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save results tx: %w", err)
	}

	log.Info().Str("run_id", run.ID).Int("trades", len(results.Trades)).Msg("saved backtest results")
	return nil
}

// upsertRunTx is upsertRun's transactional twin, used from SaveResults so the
// summary-column update and the results/trades writes commit atomically.
func (r *PgRepository) upsertRunTx(ctx context.Context, tx pgx.Tx, run *core.BacktestRun) error {
	tag, err := tx.Exec(ctx, `
		UPDATE backtest_runs SET
			status = $2, progress_percent = $3, status_message = $4,
			started_at = $5, completed_at = $6,
			final_equity = $7, total_trades = $8, win_rate = $9, total_return = $10,
			profit_factor = $11, max_drawdown = $12, sharpe_ratio = $13, error_message = $14
		WHERE id = $1
	`, run.ID, run.Status, run.ProgressPercent, run.StatusMessage, run.StartedAt, run.CompletedAt,
		core.ClampMoney(run.FinalEquity), run.TotalTrades, core.ClampWinRate(run.WinRate), core.ClampMoney(run.TotalReturn),
		core.ClampMoney(run.ProfitFactor), core.ClampMoney(run.MaxDrawdown), core.ClampMoney(run.SharpeRatio), run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update backtest run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s not found for results save", core.ErrNotFound, run.ID)
	}
	return nil
}

// DeleteRun removes a run and cascades to its results/trades/events.
func (r *PgRepository) DeleteRun(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM backtest_runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete backtest run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %s", core.ErrNotFound, id)
	}
	log.Info().Str("run_id", id).Msg("deleted backtest run")
	return nil
}

// GetResults fetches a run's persisted result projection.
func (r *PgRepository) GetResults(ctx context.Context, id string) (*core.BacktestResults, error) {
	var resultsJSON []byte
	err := r.pool.QueryRow(ctx, `SELECT results FROM backtest_results WHERE run_id = $1`, id).Scan(&resultsJSON)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("%w: results for run %s", core.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get backtest results: %w", err)
	}
	var results core.BacktestResults
	if err := json.Unmarshal(resultsJSON, &results); err != nil {
		return nil, fmt.Errorf("unmarshal backtest results: %w", err)
	}
	return &results, nil
}

// GetTrades returns a run's trades, optionally filtered by symbol/side/PnL
// range and paginated.
func (r *PgRepository) GetTrades(ctx context.Context, runID string, filter TradeFilter) ([]core.TradeRow, error) {
	where, args := tradeWhere(runID, filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`
		SELECT id, symbol, direction, entry_time, exit_time, entry_price, exit_price, quantity, net_pnl, pnl_percent, exit_reason
		FROM backtest_trades WHERE %s ORDER BY exit_time ASC LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backtest trades: %w", err)
	}
	defer rows.Close()

	trades := make([]core.TradeRow, 0)
	for rows.Next() {
		var t core.TradeRow
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Direction, &t.EntryTime, &t.ExitTime,
			&t.EntryPrice, &t.ExitPrice, &t.Quantity, &t.NetPnL, &t.PnLPercent, &t.ExitReason); err != nil {
			return nil, fmt.Errorf("scan backtest trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// CountTrades counts a run's trades under the same filter GetTrades accepts.
func (r *PgRepository) CountTrades(ctx context.Context, runID string, filter TradeFilter) (int, error) {
	where, args := tradeWhere(runID, filter)
	var total int
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM backtest_trades WHERE %s`, where), args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count backtest trades: %w", err)
	}
	return total, nil
}

func tradeWhere(runID string, filter TradeFilter) (string, []interface{}) {
	clause := "run_id = $1"
	args := []interface{}{runID}
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		clause += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if filter.Side != "" {
		args = append(args, filter.Side)
		clause += fmt.Sprintf(" AND direction = $%d", len(args))
	}
	if filter.MinPnL != nil {
		args = append(args, *filter.MinPnL)
		clause += fmt.Sprintf(" AND net_pnl >= $%d", len(args))
	}
	if filter.MaxPnL != nil {
		args = append(args, *filter.MaxPnL)
		clause += fmt.Sprintf(" AND net_pnl <= $%d", len(args))
	}
	return clause, args
}

// GetEquityCurve returns the run's full downsampled equity series.
func (r *PgRepository) GetEquityCurve(ctx context.Context, runID string) ([]core.EquityPoint, error) {
	results, err := r.GetResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	return results.EquityCurve, nil
}

// GetPositionTimeline reconstructs the run's position timeline from its
// trade rows when no dedicated timeline was stored, per the spec's
// fall-back-to-trades contract.
func (r *PgRepository) GetPositionTimeline(ctx context.Context, runID string) ([]core.TradeRow, error) {
	return r.GetTrades(ctx, runID, TradeFilter{Limit: 100000})
}

// GetEvents returns a run's lifecycle events, optionally filtered by trade id
// and/or event type.
func (r *PgRepository) GetEvents(ctx context.Context, runID string, filter EventFilter) ([]core.BacktestEvent, error) {
	clause := "backtest_id = $1"
	args := []interface{}{runID}
	if filter.TradeID != "" {
		args = append(args, filter.TradeID)
		clause += fmt.Sprintf(" AND trade_id = $%d", len(args))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		clause += fmt.Sprintf(" AND type = ANY($%d)", len(args))
	}

	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT backtest_id, trade_id, timestamp, type, details
		FROM backtest_events WHERE %s ORDER BY timestamp ASC
	`, clause), args...)
	if err != nil {
		return nil, fmt.Errorf("list backtest events: %w", err)
	}
	defer rows.Close()

	events := make([]core.BacktestEvent, 0)
	for rows.Next() {
		var e core.BacktestEvent
		var detailsJSON []byte
		var eventType string
		if err := rows.Scan(&e.BacktestID, &e.TradeID, &e.Timestamp, &eventType, &detailsJSON); err != nil {
			return nil, fmt.Errorf("scan backtest event: %w", err)
		}
		e.Type = core.EventType(eventType)
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal backtest event details: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
