package backtest

import (
	"context"
	"fmt"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	core "github.com/ajitpratap0/futurescast/pkg/backtest"
)

// ExchangeAdapter is the read-only historical-klines surface the fetch job
// depends on. A backtest never trades, so this is a strict subset of the
// live-trading Exchange interface: no order placement, no session state.
type ExchangeAdapter interface {
	GetKlines(ctx context.Context, symbol, interval string, startMS, endMS int64, limit int) ([]core.Candle, error)
	GetEarliestValidTimestamp(ctx context.Context, symbol, interval string) (int64, error)
}

// BinanceKlineAdapter wraps adshao/go-binance/v2 for kline retrieval only.
type BinanceKlineAdapter struct {
	client *binance.Client
}

// NewBinanceKlineAdapter builds an adapter against Binance's public klines
// endpoints, which need no API key for historical data.
func NewBinanceKlineAdapter(apiKey, secretKey string, testnet bool) *BinanceKlineAdapter {
	if testnet {
		binance.UseTestnet = true
	}
	return &BinanceKlineAdapter{client: binance.NewClient(apiKey, secretKey)}
}

// GetKlines fetches up to limit candles (exchange max 1500) in [startMS, endMS).
func (a *BinanceKlineAdapter) GetKlines(ctx context.Context, symbol, interval string, startMS, endMS int64, limit int) ([]core.Candle, error) {
	if limit <= 0 || limit > 1500 {
		limit = 1500
	}

	raw, err := a.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(startMS).
		EndTime(endMS).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch klines for %s %s: %v", core.ErrTransient, symbol, interval, err)
	}

	candles := make([]core.Candle, 0, len(raw))
	for _, k := range raw {
		candle, err := klineToCandle(k)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrData, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// GetEarliestValidTimestamp returns the earliest kline open time Binance has
// for the pair, or 0 if it cannot be determined.
func (a *BinanceKlineAdapter) GetEarliestValidTimestamp(ctx context.Context, symbol, interval string) (int64, error) {
	raw, err := a.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(0).
		Limit(1).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: earliest timestamp for %s %s: %v", core.ErrTransient, symbol, interval, err)
	}
	if len(raw) == 0 {
		return 0, nil
	}
	return raw[0].OpenTime, nil
}

func klineToCandle(k *binance.Kline) (core.Candle, error) {
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return core.Candle{}, fmt.Errorf("parse open %q: %w", k.Open, err)
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return core.Candle{}, fmt.Errorf("parse high %q: %w", k.High, err)
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return core.Candle{}, fmt.Errorf("parse low %q: %w", k.Low, err)
	}
	close, err := decimal.NewFromString(k.Close)
	if err != nil {
		return core.Candle{}, fmt.Errorf("parse close %q: %w", k.Close, err)
	}
	volume, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return core.Candle{}, fmt.Errorf("parse volume %q: %w", k.Volume, err)
	}
	quoteVolume, err := decimal.NewFromString(k.QuoteAssetVolume)
	if err != nil {
		return core.Candle{}, fmt.Errorf("parse quote volume %q: %w", k.QuoteAssetVolume, err)
	}
	takerBuyVolume, err := decimal.NewFromString(k.TakerBuyBaseAssetVolume)
	if err != nil {
		return core.Candle{}, fmt.Errorf("parse taker buy volume %q: %w", k.TakerBuyBaseAssetVolume, err)
	}
	takerBuyQuoteVol, err := decimal.NewFromString(k.TakerBuyQuoteAssetVolume)
	if err != nil {
		return core.Candle{}, fmt.Errorf("parse taker buy quote volume %q: %w", k.TakerBuyQuoteAssetVolume, err)
	}

	return core.Candle{
		OpenTime:         time.UnixMilli(k.OpenTime),
		CloseTime:        time.UnixMilli(k.CloseTime),
		Open:             open,
		High:             high,
		Low:              low,
		Close:            close,
		Volume:           volume,
		QuoteVolume:      quoteVolume,
		TradeCount:       k.TradeNum,
		TakerBuyVolume:   takerBuyVolume,
		TakerBuyQuoteVol: takerBuyQuoteVol,
	}, nil
}
