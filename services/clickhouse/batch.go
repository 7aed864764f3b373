package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"backtest-engine/services/engine"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// batch is the part of driver.Batch the sink uses.
type batch interface {
	Append(v ...any) error
	Send() error
	Abort() error
}

type preparer func(ctx context.Context, query string) (batch, error)

func connPreparer(conn driver.Conn) preparer {
	return func(ctx context.Context, query string) (batch, error) {
		return conn.PrepareBatch(ctx, query)
	}
}

const sendAttempts = 3

// ResultsSink buffers trades and events of one run and writes them with
// native batch inserts. Progress rows are written immediately.
type ResultsSink struct {
	prepare   preparer
	exec      Execer
	database  string
	batchSize int
	logger    *zap.Logger

	mu     sync.Mutex
	trades []engine.BacktestTrade
	events []engine.Event
}

func NewResultsSink(conn driver.Conn, cfg Config, logger *zap.Logger) *ResultsSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultsSink{
		prepare:   connPreparer(conn),
		exec:      conn,
		database:  cfg.Database,
		batchSize: cfg.BatchSize,
		logger:    logger,
	}
}

// ReportProgress appends a run row; the newest updated_at wins on merge.
func (s *ResultsSink) ReportProgress(ctx context.Context, p engine.RunProgress) error {
	q := fmt.Sprintf(`INSERT INTO %s.backtest_runs (id, user_id, strategy_ref, connection_ref, symbol, timeframe,
	start_time, end_time, config, config_hash, status, status_message, progress, candles, trades, equity, bar_time, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.database)
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	cfg, err := json.Marshal(p.Info.Config)
	if err != nil {
		return fmt.Errorf("encode config of %s: %w", p.RunID, err)
	}
	info := p.Info
	if err := s.exec.Exec(ctx, q,
		p.RunID, info.UserID, info.StrategyRef, info.ConnectionRef, info.Symbol, string(info.Timeframe),
		optionalTime(info.Start), optionalTime(info.End), string(cfg), info.Config.Hash(),
		string(p.Status), p.StatusMessage, p.Progress, uint64(p.Candles), uint64(p.Trades), p.Equity,
		optionalTime(p.BarTime), ts,
	); err != nil {
		return fmt.Errorf("insert progress for %s: %w", p.RunID, err)
	}
	return nil
}

// optionalTime maps the zero time to NULL.
func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func (s *ResultsSink) RecordTrade(ctx context.Context, t engine.BacktestTrade) error {
	s.mu.Lock()
	s.trades = append(s.trades, t)
	full := s.batchSize > 0 && len(s.trades) >= s.batchSize
	s.mu.Unlock()
	if full {
		return s.flushTrades(ctx)
	}
	return nil
}

func (s *ResultsSink) RecordEvent(ctx context.Context, e engine.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	full := s.batchSize > 0 && len(s.events) >= s.batchSize
	s.mu.Unlock()
	if full {
		return s.flushEvents(ctx)
	}
	return nil
}

// Flush writes trades before events so a reader never sees a terminal event
// without its trade row.
func (s *ResultsSink) Flush(ctx context.Context) error {
	if err := s.flushTrades(ctx); err != nil {
		return err
	}
	return s.flushEvents(ctx)
}

func (s *ResultsSink) flushTrades(ctx context.Context) error {
	s.mu.Lock()
	trades := s.trades
	s.trades = nil
	s.mu.Unlock()
	if len(trades) == 0 {
		return nil
	}
	q := fmt.Sprintf("INSERT INTO %s.backtest_trades", s.database)
	err := s.send(ctx, q, len(trades), func(b batch) error {
		for _, t := range trades {
			if err := b.Append(
				t.ID, t.ResultID, t.Symbol, t.Side.String(),
				t.SignalTime, t.EntryTime, t.ExitTime, t.ExecutionDelaySeconds,
				t.Quantity, t.EntryPrice, t.ExitPrice,
				t.MakerFee, t.TakerFee, t.FundingFee, t.Commission, t.Slippage,
				t.RealizedPnl, t.MaxDrawdown, t.MaxRunup,
				string(t.ExitReason), string(t.FillPolicyUsed), t.FillConditionsMet, t.EntryReason, string(t.State),
			); err != nil {
				return fmt.Errorf("append trade %s: %w", t.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		s.requeueTrades(trades)
	}
	return err
}

func (s *ResultsSink) flushEvents(ctx context.Context) error {
	s.mu.Lock()
	events := s.events
	s.events = nil
	s.mu.Unlock()
	if len(events) == 0 {
		return nil
	}
	q := fmt.Sprintf("INSERT INTO %s.backtest_events", s.database)
	err := s.send(ctx, q, len(events), func(b batch) error {
		for _, e := range events {
			detail := e.Detail
			if detail == nil {
				detail = map[string]string{}
			}
			if err := b.Append(
				e.ID, e.BacktestID, e.TradeID, e.Sequence,
				string(e.Type), string(e.Category), e.Timestamp, detail,
			); err != nil {
				return fmt.Errorf("append event %d: %w", e.Sequence, err)
			}
		}
		return nil
	})
	if err != nil {
		s.requeueEvents(events)
	}
	return err
}

func (s *ResultsSink) send(ctx context.Context, query string, rows int, fill func(batch) error) error {
	return sendBatch(ctx, s.prepare, s.logger, query, rows, fill)
}

// sendBatch prepares, fills and sends a batch, starting over on failure. A
// sent batch cannot be reused, so every attempt appends the rows again.
func sendBatch(ctx context.Context, prepare preparer, logger *zap.Logger, query string, rows int, fill func(batch) error) error {
	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		b, err := prepare(ctx, query)
		if err == nil {
			if err = fill(b); err == nil {
				if err = b.Send(); err == nil {
					logger.Debug("Sent ClickHouse batch", zap.String("query", query), zap.Int("rows", rows))
					return nil
				}
			} else {
				_ = b.Abort()
			}
		}
		lastErr = err
		logger.Warn("ClickHouse batch failed", zap.String("query", query), zap.Int("attempt", attempt), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return fmt.Errorf("%s: %w", query, lastErr)
}

func (s *ResultsSink) requeueTrades(trades []engine.BacktestTrade) {
	s.mu.Lock()
	s.trades = append(trades, s.trades...)
	s.mu.Unlock()
}

func (s *ResultsSink) requeueEvents(events []engine.Event) {
	s.mu.Lock()
	s.events = append(events, s.events...)
	s.mu.Unlock()
}
