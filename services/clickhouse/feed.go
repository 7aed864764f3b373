package clickhouse

import (
	"context"
	"fmt"
	"io"
	"time"

	"backtest-engine/services/engine"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rows is the subset of driver.Rows the feed reads.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

const candleQuery = `
SELECT open_time_ms, toString(open), toString(high), toString(low), toString(close), toString(volume)
FROM %s.%s FINAL
WHERE symbol = ? AND interval = ? AND open_time_ms >= ? AND open_time_ms < ?
ORDER BY open_time_ms`

const queryAttempts = 3

// CandleFeed streams one symbol/timeframe window from the candle table.
type CandleFeed struct {
	rows Rows
	n    int
}

// QueryCandles opens a feed over [start, end). Transient query failures are
// retried with a linear backoff.
func QueryCandles(ctx context.Context, conn driver.Conn, cfg Config, symbol string, tf engine.Timeframe, start, end time.Time, logger *zap.Logger) (*CandleFeed, error) {
	q := fmt.Sprintf(candleQuery, cfg.Database, cfg.CandleTable)
	var lastErr error
	for attempt := 1; attempt <= queryAttempts; attempt++ {
		rows, err := conn.Query(ctx, q, symbol, string(tf), uint64(start.UnixMilli()), uint64(end.UnixMilli()))
		if err == nil {
			return NewCandleFeed(rows), nil
		}
		lastErr = err
		logger.Warn("Candle query failed",
			zap.String("symbol", symbol),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("query candles for %s: %w", symbol, lastErr)
}

func NewCandleFeed(rows Rows) *CandleFeed { return &CandleFeed{rows: rows} }

func (f *CandleFeed) Next(ctx context.Context) (engine.Bar, error) {
	if err := ctx.Err(); err != nil {
		return engine.Bar{}, err
	}
	if !f.rows.Next() {
		if err := f.rows.Err(); err != nil {
			return engine.Bar{}, fmt.Errorf("candle rows: %w", err)
		}
		return engine.Bar{}, io.EOF
	}
	var (
		openMs        uint64
		o, h, l, c, v string
	)
	if err := f.rows.Scan(&openMs, &o, &h, &l, &c, &v); err != nil {
		return engine.Bar{}, fmt.Errorf("scan candle %d: %w", f.n, err)
	}
	f.n++
	b := engine.Bar{Timestamp: time.UnixMilli(int64(openMs)).UTC()}
	for _, p := range []struct {
		dst *decimal.Decimal
		src string
	}{{&b.Open, o}, {&b.High, h}, {&b.Low, l}, {&b.Close, c}, {&b.Volume, v}} {
		d, err := decimal.NewFromString(p.src)
		if err != nil {
			return engine.Bar{}, fmt.Errorf("candle at %d: %w", openMs, err)
		}
		*p.dst = d
	}
	return b, nil
}

func (f *CandleFeed) Close() error { return f.rows.Close() }
