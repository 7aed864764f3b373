package clickhouse

import (
	"context"
	"fmt"
)

// schema holds the result tables. Rows are keyed so that re-sending a batch
// after a partial failure collapses into the same rows on merge.
var schema = []string{
	`CREATE DATABASE IF NOT EXISTS %[1]s`,
	`CREATE TABLE IF NOT EXISTS %[1]s.backtest_runs (
		id String,
		user_id String,
		strategy_ref String,
		connection_ref String,
		symbol LowCardinality(String),
		timeframe LowCardinality(String),
		start_time Nullable(DateTime64(3, 'UTC')),
		end_time Nullable(DateTime64(3, 'UTC')),
		config String,
		config_hash String,
		status LowCardinality(String),
		status_message String,
		progress Decimal(9, 2),
		candles UInt64,
		trades UInt64,
		equity Decimal(38, 18),
		bar_time Nullable(DateTime64(3, 'UTC')),
		updated_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY id`,
	`CREATE TABLE IF NOT EXISTS %[1]s.backtest_trades (
		id String,
		result_id String,
		symbol LowCardinality(String),
		side LowCardinality(String),
		signal_time DateTime64(3, 'UTC'),
		entry_time DateTime64(3, 'UTC'),
		exit_time DateTime64(3, 'UTC'),
		execution_delay_seconds Int64,
		quantity Decimal(38, 18),
		entry_price Decimal(38, 18),
		exit_price Decimal(38, 18),
		maker_fee Decimal(38, 18),
		taker_fee Decimal(38, 18),
		funding_fee Decimal(38, 18),
		commission Decimal(38, 18),
		slippage Decimal(38, 18),
		realized_pnl Decimal(38, 18),
		max_drawdown Decimal(38, 18),
		max_runup Decimal(38, 18),
		exit_reason LowCardinality(String),
		fill_policy_used LowCardinality(String),
		fill_conditions_met String,
		entry_reason String,
		state LowCardinality(String)
	) ENGINE = ReplacingMergeTree
	ORDER BY (result_id, entry_time, id)`,
	`CREATE TABLE IF NOT EXISTS %[1]s.backtest_events (
		id String,
		backtest_id String,
		trade_id String,
		sequence UInt64,
		event_type LowCardinality(String),
		category LowCardinality(String),
		timestamp DateTime64(3, 'UTC'),
		detail Map(String, String)
	) ENGINE = ReplacingMergeTree
	ORDER BY (backtest_id, sequence)`,
}

// EnsureSchema creates the database and result tables if they are missing.
func EnsureSchema(ctx context.Context, conn Execer, database string) error {
	for _, stmt := range schema {
		if err := conn.Exec(ctx, fmt.Sprintf(stmt, database)); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
