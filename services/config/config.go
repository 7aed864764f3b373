// Package config loads service settings from a YAML file, a .env file and
// the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"backtest-engine/services/arrowpipeline"
	"backtest-engine/services/clickhouse"
	"backtest-engine/services/engine"
	"backtest-engine/services/postgres"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
	GRPCPort int `yaml:"grpc_port"`
}

type EngineConfig struct {
	MaxWorkers       int           `yaml:"max_workers"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	// RetainRuns caps the finished runs kept in memory for status queries.
	RetainRuns int `yaml:"retain_runs"`
	// DataSource is "clickhouse" or "csv"; csv reads <DataDir>/<SYMBOL>_<tf>.csv.
	DataSource string `yaml:"data_source"`
	DataDir    string `yaml:"data_dir"`
	// Sinks lists the result stores written besides memory: clickhouse, postgres.
	Sinks []string `yaml:"sinks"`
	// Defaults fill the fields a submitted run leaves unset.
	Defaults engine.BacktestConfig `yaml:"defaults"`
}

type MonitoringConfig struct {
	MaxRunDuration time.Duration `yaml:"max_run_duration"`
	MinBarsPerSec  float64       `yaml:"min_bars_per_sec"`
}

type Config struct {
	Environment string               `yaml:"environment"`
	LogLevel    string               `yaml:"log_level"`
	Server      ServerConfig         `yaml:"server"`
	Engine      EngineConfig         `yaml:"engine"`
	ClickHouse  clickhouse.Config    `yaml:"clickhouse"`
	Postgres    postgres.Config      `yaml:"postgres"`
	Arrow       arrowpipeline.Config `yaml:"arrow"`
	Monitoring  MonitoringConfig     `yaml:"monitoring"`
}

func Default() *Config {
	return &Config{
		Environment: "dev",
		LogLevel:    "info",
		Server:      ServerConfig{HTTPPort: 8080, GRPCPort: 9091},
		Engine: EngineConfig{
			MaxWorkers:       4,
			ProgressInterval: 250 * time.Millisecond,
			RetainRuns:       1000,
			DataSource:       "clickhouse",
			DataDir:          "./data",
			Defaults:         engine.DefaultConfig(""),
		},
		ClickHouse: clickhouse.DefaultConfig(),
		Postgres:   postgres.DefaultConfig(),
		Arrow:      arrowpipeline.Config{BatchSize: 10000, Compression: "zstd"},
		Monitoring: MonitoringConfig{MaxRunDuration: 10 * time.Minute},
	}
}

// Load reads path when it is not empty, then applies the environment. A
// missing .env file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	str("BACKTEST_ENV", &c.Environment)
	str("LOG_LEVEL", &c.LogLevel)
	num("HTTP_PORT", &c.Server.HTTPPort)
	num("GRPC_PORT", &c.Server.GRPCPort)
	num("MAX_WORKERS", &c.Engine.MaxWorkers)
	num("RETAIN_RUNS", &c.Engine.RetainRuns)
	str("DATA_SOURCE", &c.Engine.DataSource)
	str("DATA_DIR", &c.Engine.DataDir)
	list("RESULT_SINKS", &c.Engine.Sinks)
	list("CLICKHOUSE_ADDR", &c.ClickHouse.Addr)
	str("CLICKHOUSE_DATABASE", &c.ClickHouse.Database)
	str("CLICKHOUSE_USER", &c.ClickHouse.Username)
	str("CLICKHOUSE_PASSWORD", &c.ClickHouse.Password)
	str("CLICKHOUSE_CANDLE_TABLE", &c.ClickHouse.CandleTable)
	str("POSTGRES_DSN", &c.Postgres.DSN)
	str("POSTGRES_SCHEMA", &c.Postgres.Schema)
	str("ARROW_COMPRESSION", &c.Arrow.Compression)
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("server ports must be positive")
	}
	if c.Engine.MaxWorkers < 1 {
		return fmt.Errorf("engine.max_workers must be at least 1, got %d", c.Engine.MaxWorkers)
	}
	if c.Engine.RetainRuns < 0 {
		return fmt.Errorf("engine.retain_runs must not be negative, got %d", c.Engine.RetainRuns)
	}
	switch c.Engine.DataSource {
	case "clickhouse":
		if len(c.ClickHouse.Addr) == 0 {
			return fmt.Errorf("clickhouse data source needs clickhouse.addr")
		}
	case "csv":
		if c.Engine.DataDir == "" {
			return fmt.Errorf("csv data source needs engine.data_dir")
		}
	default:
		return fmt.Errorf("unknown engine.data_source %q", c.Engine.DataSource)
	}
	for _, s := range c.Engine.Sinks {
		switch s {
		case "clickhouse":
		case "postgres":
			if c.Postgres.DSN == "" {
				return fmt.Errorf("postgres sink needs postgres.dsn or POSTGRES_DSN")
			}
		default:
			return fmt.Errorf("unknown result sink %q", s)
		}
	}
	return nil
}

// HasSink reports whether name is among the configured result sinks.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Engine.Sinks {
		if s == name {
			return true
		}
	}
	return false
}
