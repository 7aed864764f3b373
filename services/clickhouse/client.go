// Package clickhouse reads candles from and writes backtest results to ClickHouse.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

type Config struct {
	Addr        []string      `yaml:"addr"`
	Database    string        `yaml:"database"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	CandleTable string        `yaml:"candle_table"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// BatchSize is the number of buffered result rows that triggers a send.
	BatchSize int `yaml:"batch_size"`
}

func DefaultConfig() Config {
	return Config{
		Addr:        []string{"localhost:9000"},
		Database:    "backtest",
		Username:    "backtest",
		CandleTable: "ohlcv_raw",
		DialTimeout: 10 * time.Second,
		BatchSize:   5000,
	}
}

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config) (driver.Conn, error) {
	conn, err := ch.Open(&ch.Options{
		Addr: cfg.Addr,
		Auth: ch.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		Settings: ch.Settings{
			"max_execution_time": uint64(0),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return conn, nil
}

// Execer is the part of driver.Conn used for DDL and single-row writes.
type Execer interface {
	Exec(ctx context.Context, query string, args ...any) error
}
