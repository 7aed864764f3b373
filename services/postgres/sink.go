package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"backtest-engine/services/engine"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	writeAttempts = 3
	// maxParams is the PostgreSQL limit on bind parameters per statement.
	maxParams = 65535
)

var tradeColumns = []string{
	"id", "run_id", "symbol", "side", "signal_time", "entry_time", "exit_time", "execution_delay_seconds",
	"quantity", "entry_price", "exit_price", "maker_fee", "taker_fee", "funding_fee", "commission", "slippage",
	"realized_pnl", "max_drawdown", "max_runup", "exit_reason", "fill_policy", "fill_conditions_met", "entry_reason", "state",
}

var eventColumns = []string{"id", "run_id", "trade_id", "seq", "event_type", "category", "ts", "detail"}

// ResultsSink buffers trades and events and writes them with multi-row
// inserts. Rows are keyed by their deterministic IDs, so a retried write
// never duplicates them.
type ResultsSink struct {
	db        Execer
	schema    string
	batchSize int
	logger    *zap.Logger

	mu     sync.Mutex
	trades []engine.BacktestTrade
	events []engine.Event
}

func NewResultsSink(db Execer, cfg Config, logger *zap.Logger) *ResultsSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultsSink{db: db, schema: pq.QuoteIdentifier(cfg.Schema), batchSize: cfg.BatchSize, logger: logger}
}

// ReportProgress upserts the run row. The run's identity and frozen config are
// written with every report; updated_at is wall-clock, bar_time the last candle.
func (s *ResultsSink) ReportProgress(ctx context.Context, p engine.RunProgress) error {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	cfg, err := json.Marshal(p.Info.Config)
	if err != nil {
		return fmt.Errorf("encode config of run %s: %w", p.RunID, err)
	}
	q := fmt.Sprintf(`INSERT INTO %[1]s.backtest_runs (id, user_id, strategy_ref, connection_ref, symbol, timeframe,
	start_time, end_time, config, config_hash, status, status_message, progress, candles, trades, equity, bar_time, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, strategy_ref = EXCLUDED.strategy_ref,
	connection_ref = EXCLUDED.connection_ref, symbol = EXCLUDED.symbol, timeframe = EXCLUDED.timeframe,
	start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time, config = EXCLUDED.config,
	config_hash = EXCLUDED.config_hash, status = EXCLUDED.status, status_message = EXCLUDED.status_message,
	progress = EXCLUDED.progress, candles = EXCLUDED.candles, trades = EXCLUDED.trades,
	equity = EXCLUDED.equity, bar_time = COALESCE(EXCLUDED.bar_time, %[1]s.backtest_runs.bar_time),
	updated_at = EXCLUDED.updated_at`, s.schema)
	info := p.Info
	args := []any{
		p.RunID, info.UserID, info.StrategyRef, info.ConnectionRef, info.Symbol, string(info.Timeframe),
		nullTime(info.Start), nullTime(info.End), string(cfg), info.Config.Hash(),
		string(p.Status), p.StatusMessage, p.Progress, p.Candles, p.Trades, p.Equity, nullTime(p.BarTime), ts,
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("upsert run %s: %w", p.RunID, err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
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

// Flush writes trades before events.
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
	rows := make([][]any, len(trades))
	runs := make([]string, 0, 1)
	for i, t := range trades {
		rows[i] = []any{
			t.ID, t.ResultID, t.Symbol, t.Side.String(), t.SignalTime, t.EntryTime, t.ExitTime, t.ExecutionDelaySeconds,
			t.Quantity, t.EntryPrice, t.ExitPrice, t.MakerFee, t.TakerFee, t.FundingFee, t.Commission, t.Slippage,
			t.RealizedPnl, t.MaxDrawdown, t.MaxRunup, string(t.ExitReason), string(t.FillPolicyUsed),
			t.FillConditionsMet, t.EntryReason, string(t.State),
		}
		runs = appendUnique(runs, t.ResultID)
	}
	if err := s.write(ctx, "backtest_trades", tradeColumns, runs, rows); err != nil {
		s.mu.Lock()
		s.trades = append(trades, s.trades...)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *ResultsSink) flushEvents(ctx context.Context) error {
	s.mu.Lock()
	events := s.events
	s.events = nil
	s.mu.Unlock()
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, len(events))
	runs := make([]string, 0, 1)
	for i, e := range events {
		detail := []byte("{}")
		if len(e.Detail) > 0 {
			var err error
			if detail, err = json.Marshal(e.Detail); err != nil {
				return fmt.Errorf("encode event %d detail: %w", e.Sequence, err)
			}
		}
		rows[i] = []any{e.ID, e.BacktestID, e.TradeID, int64(e.Sequence), string(e.Type), string(e.Category), e.Timestamp, string(detail)}
		runs = appendUnique(runs, e.BacktestID)
	}
	if err := s.write(ctx, "backtest_events", eventColumns, runs, rows); err != nil {
		s.mu.Lock()
		s.events = append(events, s.events...)
		s.mu.Unlock()
		return err
	}
	return nil
}

// write makes sure the parent run rows exist, then inserts rows in as few
// statements as the parameter limit allows.
func (s *ResultsSink) write(ctx context.Context, table string, cols []string, runs []string, rows [][]any) error {
	return s.retry(ctx, table, func() error {
		for _, id := range runs {
			q := fmt.Sprintf(`INSERT INTO %s.backtest_runs (id, status) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, s.schema)
			if _, err := s.db.ExecContext(ctx, q, id, string(engine.RunRunning)); err != nil {
				return fmt.Errorf("ensure run %s: %w", id, err)
			}
		}
		per := maxParams / len(cols)
		for start := 0; start < len(rows); start += per {
			end := min(start+per, len(rows))
			q, args := insertStatement(s.schema+"."+table, cols, rows[start:end])
			if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
				return err
			}
			s.logger.Debug("Inserted Postgres rows", zap.String("table", table), zap.Int("rows", end-start))
		}
		return nil
	})
}

func (s *ResultsSink) retry(ctx context.Context, table string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		s.logger.Warn("Postgres write failed", zap.String("table", table), zap.Int("attempt", attempt), zap.Error(err))
		if permanent(err) || ctx.Err() != nil {
			break
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return fmt.Errorf("insert into %s: %w", table, err)
}

// permanent reports errors a retry cannot fix: integrity and syntax violations.
func permanent(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code.Class() {
	case "23", "42":
		return true
	}
	return false
}

func insertStatement(table string, cols []string, rows [][]any) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))
	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", len(args)+j+1)
		}
		b.WriteByte(')')
		args = append(args, row...)
	}
	b.WriteString(" ON CONFLICT (id) DO NOTHING")
	return b.String(), args
}

func appendUnique(ids []string, id string) []string {
	for _, have := range ids {
		if have == id {
			return ids
		}
	}
	return append(ids, id)
}
