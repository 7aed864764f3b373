package main

// Loads candle CSV files into the ClickHouse candle table read by the service.
// Each file is validated for order and gaps on the way in; re-loading a file
// replaces its rows.

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"backtest-engine/services/clickhouse"
	"backtest-engine/services/config"
	"backtest-engine/services/engine"
	"backtest-engine/services/feed"

	"go.uber.org/zap"
)

// symbolAndTimeframe reads BTCUSDT_1h.csv style names.
func symbolAndTimeframe(path string) (string, engine.Timeframe, bool) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	i := strings.LastIndex(base, "_")
	if i <= 0 {
		return "", "", false
	}
	tf := engine.Timeframe(base[i+1:])
	if !tf.Valid() {
		return "", "", false
	}
	return strings.ToUpper(base[:i]), tf, true
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	pattern := flag.String("csv", "./data/*.csv", "Glob of CSV files named <SYMBOL>_<timeframe>.csv")
	symbol := flag.String("symbol", "", "Symbol, overriding the file name")
	timeframe := flag.String("timeframe", "", "Timeframe, overriding the file name")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	files, err := filepath.Glob(*pattern)
	if err != nil || len(files) == 0 {
		logger.Fatal("No candle files", zap.String("pattern", *pattern), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := clickhouse.Open(ctx, cfg.ClickHouse)
	if err != nil {
		logger.Fatal("Failed to connect to ClickHouse", zap.Error(err))
	}
	defer conn.Close()
	if err := clickhouse.EnsureCandleTable(ctx, conn, cfg.ClickHouse); err != nil {
		logger.Fatal("Failed to create candle table", zap.Error(err))
	}

	failed := 0
	for _, path := range files {
		sym, tf, _ := symbolAndTimeframe(path)
		if *symbol != "" {
			sym = strings.ToUpper(*symbol)
		}
		if *timeframe != "" {
			tf = engine.Timeframe(*timeframe)
		}
		if sym == "" || !tf.Valid() {
			logger.Warn("Skipping file without symbol and timeframe", zap.String("file", path))
			continue
		}

		src, err := feed.OpenCSV(path)
		if err != nil {
			logger.Error("Failed to open file", zap.String("file", path), zap.Error(err))
			failed++
			continue
		}
		w := clickhouse.NewCandleWriter(conn, cfg.ClickHouse, sym, tf, logger)
		sum, err := clickhouse.LoadCandles(ctx, src, w)
		if err != nil {
			logger.Error("Failed to load file",
				zap.String("file", path),
				zap.Int("candles_written", w.Written()),
				zap.Error(err),
			)
			failed++
			continue
		}
		logger.Info("Loaded candles",
			zap.String("file", path),
			zap.String("symbol", sym),
			zap.String("timeframe", string(tf)),
			zap.Int("candles", w.Written()),
			zap.String("checksum", sum),
		)
	}
	if failed > 0 {
		logger.Fatal("Some files were not loaded", zap.Int("failed", failed))
	}
}
