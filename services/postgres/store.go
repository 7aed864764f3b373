// Package postgres persists backtest runs, trades and events in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type Config struct {
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// BatchSize is the number of buffered rows that triggers a write.
	BatchSize int `yaml:"batch_size"`
}

func DefaultConfig() Config {
	return Config{
		Schema:          "backtest",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		BatchSize:       1000,
	}
}

// Execer is the part of *sql.DB and *sql.Tx the store uses.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open connects with lib/pq and applies the pool settings.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// Trades and events belong to their run and go away with it.
var migrations = []string{
	`CREATE SCHEMA IF NOT EXISTS %[1]s`,
	`CREATE TABLE IF NOT EXISTS %[1]s.backtest_runs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		strategy_ref TEXT NOT NULL DEFAULT '',
		connection_ref TEXT NOT NULL DEFAULT '',
		symbol VARCHAR(32) NOT NULL DEFAULT '',
		timeframe VARCHAR(8) NOT NULL DEFAULT '',
		start_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		config JSONB NOT NULL DEFAULT '{}',
		config_hash TEXT NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		status_message TEXT NOT NULL DEFAULT '',
		progress NUMERIC(7, 2) NOT NULL DEFAULT 0,
		candles BIGINT NOT NULL DEFAULT 0,
		trades BIGINT NOT NULL DEFAULT 0,
		equity NUMERIC(38, 8) NOT NULL DEFAULT 0,
		bar_time TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS backtest_runs_user_idx ON %[1]s.backtest_runs (user_id, updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS %[1]s.backtest_trades (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES %[1]s.backtest_runs(id) ON DELETE CASCADE,
		symbol VARCHAR(32) NOT NULL,
		side VARCHAR(8) NOT NULL,
		signal_time TIMESTAMPTZ NOT NULL,
		entry_time TIMESTAMPTZ NOT NULL,
		exit_time TIMESTAMPTZ NOT NULL,
		execution_delay_seconds BIGINT NOT NULL,
		quantity NUMERIC(38, 8) NOT NULL,
		entry_price NUMERIC(38, 8) NOT NULL,
		exit_price NUMERIC(38, 8) NOT NULL,
		maker_fee NUMERIC(38, 8) NOT NULL,
		taker_fee NUMERIC(38, 8) NOT NULL,
		funding_fee NUMERIC(38, 8) NOT NULL,
		commission NUMERIC(38, 8) NOT NULL,
		slippage NUMERIC(38, 8) NOT NULL,
		realized_pnl NUMERIC(38, 8) NOT NULL,
		max_drawdown NUMERIC(38, 8) NOT NULL,
		max_runup NUMERIC(38, 8) NOT NULL,
		exit_reason VARCHAR(32) NOT NULL,
		fill_policy VARCHAR(16) NOT NULL,
		fill_conditions_met TEXT NOT NULL,
		entry_reason TEXT NOT NULL,
		state VARCHAR(24) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS %[1]s.backtest_events (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES %[1]s.backtest_runs(id) ON DELETE CASCADE,
		trade_id TEXT NOT NULL DEFAULT '',
		seq BIGINT NOT NULL,
		event_type VARCHAR(32) NOT NULL,
		category VARCHAR(16) NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		detail JSONB NOT NULL DEFAULT '{}',
		UNIQUE (run_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backtest_trades_run ON %[1]s.backtest_trades(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_backtest_events_trade ON %[1]s.backtest_events(run_id, trade_id)`,
}

// Migrate creates the schema and tables when missing.
func Migrate(ctx context.Context, db Execer, schema string) error {
	s := pq.QuoteIdentifier(schema)
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(m, s)); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
