package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	core "github.com/ajitpratap0/futurescast/pkg/backtest"
)

// PgCandleStore is the Postgres-backed CandleStore, upserting on the
// (symbol, timeframe, open_time) primary key so repeated fetch-job repairs
// of the same range never duplicate rows.
type PgCandleStore struct {
	pool pgxPool
}

// NewPgCandleStore wraps any pgxPool-shaped pool, including pgxmock in tests.
func NewPgCandleStore(pool pgxPool) *PgCandleStore {
	return &PgCandleStore{pool: pool}
}

func (s *PgCandleStore) GetCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]core.Candle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT open_time, close_time, open, high, low, close, volume,
		       quote_volume, trade_count, taker_buy_volume, taker_buy_quote_vol
		FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND open_time >= $3 AND open_time < $4
		ORDER BY open_time ASC
	`, symbol, timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []core.Candle
	for rows.Next() {
		var c core.Candle
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume,
			&c.QuoteVolume, &c.TradeCount, &c.TakerBuyVolume, &c.TakerBuyQuoteVol); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candles: %w", err)
	}
	return out, nil
}

func (s *PgCandleStore) UpsertCandles(ctx context.Context, symbol, timeframe string, candles []core.Candle) error {
	for _, c := range candles {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO candles (symbol, timeframe, open_time, close_time, open, high, low, close,
			                      volume, quote_volume, trade_count, taker_buy_volume, taker_buy_quote_vol)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (symbol, timeframe, open_time) DO UPDATE SET
				close_time = EXCLUDED.close_time,
				open = EXCLUDED.open,
				high = EXCLUDED.high,
				low = EXCLUDED.low,
				close = EXCLUDED.close,
				volume = EXCLUDED.volume,
				quote_volume = EXCLUDED.quote_volume,
				trade_count = EXCLUDED.trade_count,
				taker_buy_volume = EXCLUDED.taker_buy_volume,
				taker_buy_quote_vol = EXCLUDED.taker_buy_quote_vol
		`, symbol, timeframe, c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close,
			c.Volume, c.QuoteVolume, c.TradeCount, c.TakerBuyVolume, c.TakerBuyQuoteVol)
		if err != nil {
			return fmt.Errorf("upsert candle at %s: %w", c.OpenTime, err)
		}
	}
	return nil
}

func (s *PgCandleStore) GetEarliestAvailable(ctx context.Context, symbol, timeframe string) (time.Time, bool, error) {
	var earliest time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT earliest FROM candle_availability WHERE symbol = $1 AND timeframe = $2
	`, symbol, timeframe).Scan(&earliest)
	switch {
	case err == nil:
		return earliest, true, nil
	case err == pgx.ErrNoRows:
		return time.Time{}, false, nil
	default:
		return time.Time{}, false, fmt.Errorf("query earliest available: %w", err)
	}
}

func (s *PgCandleStore) SetEarliestAvailable(ctx context.Context, symbol, timeframe string, t time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO candle_availability (symbol, timeframe, earliest)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol, timeframe) DO UPDATE SET earliest = EXCLUDED.earliest
	`, symbol, timeframe, t)
	if err != nil {
		return fmt.Errorf("set earliest available: %w", err)
	}
	return nil
}
