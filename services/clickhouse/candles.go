package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"backtest-engine/services/engine"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// The candle table the feed reads. Re-loading a file replaces rows with the
// same key on merge, and FINAL in the feed query hides unmerged duplicates.
const candleTableDDL = `CREATE TABLE IF NOT EXISTS %[1]s.%[2]s (
	symbol LowCardinality(String),
	interval LowCardinality(String),
	open_time_ms UInt64,
	open Decimal(38, 18),
	high Decimal(38, 18),
	low Decimal(38, 18),
	close Decimal(38, 18),
	volume Decimal(38, 18),
	version UInt64
) ENGINE = ReplacingMergeTree(version)
ORDER BY (symbol, interval, open_time_ms)`

func EnsureCandleTable(ctx context.Context, conn Execer, cfg Config) error {
	if err := conn.Exec(ctx, fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, cfg.Database)); err != nil {
		return fmt.Errorf("ensure candle database: %w", err)
	}
	if err := conn.Exec(ctx, fmt.Sprintf(candleTableDDL, cfg.Database, cfg.CandleTable)); err != nil {
		return fmt.Errorf("ensure candle table: %w", err)
	}
	return nil
}

// CandleWriter batches candles of one symbol and timeframe into the candle table.
type CandleWriter struct {
	prepare   preparer
	query     string
	symbol    string
	interval  engine.Timeframe
	version   uint64
	batchSize int
	logger    *zap.Logger

	buf     []engine.Bar
	written int
}

func NewCandleWriter(conn driver.Conn, cfg Config, symbol string, tf engine.Timeframe, logger *zap.Logger) *CandleWriter {
	return newCandleWriter(connPreparer(conn), cfg, symbol, tf, logger)
}

func newCandleWriter(prepare preparer, cfg Config, symbol string, tf engine.Timeframe, logger *zap.Logger) *CandleWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.BatchSize
	if size <= 0 {
		size = 5000
	}
	return &CandleWriter{
		prepare:   prepare,
		query:     fmt.Sprintf("INSERT INTO %s.%s", cfg.Database, cfg.CandleTable),
		symbol:    symbol,
		interval:  tf,
		version:   uint64(time.Now().UnixMilli()),
		batchSize: size,
		logger:    logger,
	}
}

func (w *CandleWriter) Write(ctx context.Context, b engine.Bar) error {
	w.buf = append(w.buf, b)
	if len(w.buf) >= w.batchSize {
		return w.Flush(ctx)
	}
	return nil
}

// Flush sends the buffered candles. They stay buffered when the send fails.
func (w *CandleWriter) Flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	err := sendBatch(ctx, w.prepare, w.logger, w.query, len(w.buf), func(b batch) error {
		for _, c := range w.buf {
			if err := b.Append(w.symbol, string(w.interval), uint64(c.Timestamp.UnixMilli()),
				c.Open, c.High, c.Low, c.Close, c.Volume, w.version); err != nil {
				return fmt.Errorf("append candle %d: %w", c.Timestamp.UnixMilli(), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.written += len(w.buf)
	w.buf = w.buf[:0]
	return nil
}

// Written is the number of candles sent so far.
func (w *CandleWriter) Written() int { return w.written }

// LoadCandles copies feed into w through an engine.Loader, so a file with
// unordered rows or gaps is rejected with the rows before the problem already
// sent. It returns the loader checksum of the copied candles.
func LoadCandles(ctx context.Context, feed engine.CandleFeed, w *CandleWriter) (string, error) {
	l := engine.NewLoader(feed, w.interval.Duration())
	defer l.Close()
	for {
		b, err := l.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if err := w.Write(ctx, b); err != nil {
			return "", err
		}
	}
	if err := w.Flush(ctx); err != nil {
		return "", err
	}
	return l.Checksum(), nil
}
