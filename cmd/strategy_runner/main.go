// Strategy Runner - runs one registered strategy over a candle file or
// ClickHouse and prints the run summary.
//
// Candles come from -csv, -arrow (an Arrow IPC stream written by the pipeline)
// or, when neither is given, the ClickHouse server named in the configuration.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"backtest-engine/services/arrowpipeline"
	"backtest-engine/services/clickhouse"
	"backtest-engine/services/config"
	"backtest-engine/services/engine"
	"backtest-engine/services/feed"
	"backtest-engine/strategies"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	csvFile    string
	arrowFile  string
	strategy   string
	params     string
	symbol     string
	timeframe  string
	from, to   string
	capital    string
	leverage   string
	fillPolicy string
	pricePath  string
	exportFile string
	replay     string
	verbose    bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "", "YAML configuration file (engine defaults, ClickHouse, Arrow)")
	flag.StringVar(&o.csvFile, "csv", "", "Path to CSV file with OHLCV data")
	flag.StringVar(&o.arrowFile, "arrow", "", "Path to Arrow IPC stream with OHLCV data")
	flag.StringVar(&o.strategy, "strategy", "ema_atr", "Strategy name: "+strings.Join(strategies.Names(), ", "))
	flag.StringVar(&o.params, "params", "", "Strategy parameters as key=value,key=value")
	flag.StringVar(&o.symbol, "symbol", "BTCUSDT", "Symbol to trade")
	flag.StringVar(&o.timeframe, "timeframe", "", "Signal timeframe, e.g. 1h (default from config)")
	flag.StringVar(&o.from, "from", "", "Start of the run, RFC3339 or YYYY-MM-DD (default: first candle)")
	flag.StringVar(&o.to, "to", "", "End of the run, exclusive (default: last candle)")
	flag.StringVar(&o.capital, "capital", "", "Initial capital")
	flag.StringVar(&o.leverage, "leverage", "", "Leverage")
	flag.StringVar(&o.fillPolicy, "fill-policy", "", "Fill policy: optimistic, pessimistic or realistic")
	flag.StringVar(&o.pricePath, "price-path", "", "Intrabar price path: neutral, adverse or favorable")
	flag.StringVar(&o.exportFile, "export", "", "Write the trades as an Arrow IPC stream to this file")
	flag.StringVar(&o.replay, "replay", "", "Print the event trail of this trade ID")
	flag.BoolVar(&o.verbose, "verbose", false, "Enable debug logging")
	flag.Parse()
	return o
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

// backtestConfig applies the command line overrides to the configured defaults.
func backtestConfig(o options, defaults engine.BacktestConfig) (engine.BacktestConfig, error) {
	cfg := defaults
	cfg.Symbol = strings.ToUpper(o.symbol)
	if o.timeframe != "" {
		cfg.SignalTimeframe = engine.Timeframe(o.timeframe)
	}
	for _, f := range []struct {
		flag string
		dst  *decimal.Decimal
	}{{o.capital, &cfg.InitialCapital}, {o.leverage, &cfg.Leverage}} {
		if f.flag == "" {
			continue
		}
		v, err := decimal.NewFromString(f.flag)
		if err != nil {
			return cfg, fmt.Errorf("invalid number %q: %w", f.flag, err)
		}
		*f.dst = v
	}
	if o.fillPolicy != "" {
		cfg.FillPolicy = engine.FillPolicy(o.fillPolicy)
	}
	if o.pricePath != "" {
		cfg.PricePathAssumption = engine.PricePath(o.pricePath)
	}
	cfg = cfg.WithDefaults()
	return cfg, cfg.Validate()
}

func openFeed(ctx context.Context, o options, cfg *config.Config, bt engine.BacktestConfig, start, end time.Time, logger *zap.Logger) (engine.CandleFeed, error) {
	switch {
	case o.csvFile != "":
		return feed.OpenCSV(o.csvFile)
	case o.arrowFile != "":
		f, err := os.Open(o.arrowFile)
		if err != nil {
			return nil, err
		}
		p, err := arrowpipeline.NewPipeline(cfg.Arrow, logger)
		if err != nil {
			f.Close()
			return nil, err
		}
		r, err := p.NewCandleReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &closingFeed{CandleFeed: r, file: f}, nil
	default:
		if start.IsZero() || end.IsZero() {
			return nil, fmt.Errorf("-from and -to are required when reading from ClickHouse")
		}
		conn, err := clickhouse.Open(ctx, cfg.ClickHouse)
		if err != nil {
			return nil, err
		}
		f, err := clickhouse.QueryCandles(ctx, conn, cfg.ClickHouse, bt.Symbol, bt.SignalTimeframe, start, end, logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return &closingFeed{CandleFeed: f, file: conn}, nil
	}
}

// closingFeed also closes the resource the feed reads from.
type closingFeed struct {
	engine.CandleFeed
	file io.Closer
}

func (c *closingFeed) Close() error {
	err := c.CandleFeed.Close()
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func printSummary(w io.Writer, res *engine.Result) {
	s := res.Summary
	fmt.Fprintf(w, "Run %s: %s\n", res.Manifest.RunID, res.Status)
	fmt.Fprintf(w, "Strategy:        %s\n", res.Manifest.StrategyName)
	fmt.Fprintf(w, "Candles:         %d\n", res.Manifest.Candles)
	fmt.Fprintf(w, "Data checksum:   %s\n", res.Manifest.DataChecksum)
	fmt.Fprintf(w, "Config hash:     %s\n", res.Manifest.ConfigHash)
	fmt.Fprintf(w, "Trades:          %d (liquidations %d)\n", len(res.Trades), s.Liquidations)
	fmt.Fprintf(w, "Initial capital: %s\n", s.InitialCapital)
	fmt.Fprintf(w, "Final equity:    %s\n", s.FinalEquity)
	fmt.Fprintf(w, "Net PnL:         %s (realized %s, fees %s, slippage %s)\n", s.NetPnl, s.RealizedPnl, s.TotalFees, s.TotalSlippage)
	fmt.Fprintf(w, "Max drawdown:    %s (%s%%)\n", s.MaxDrawdown, s.MaxDrawdownPct.Mul(decimal.NewFromInt(100)).StringFixed(2))
	fmt.Fprintf(w, "Win rate:        %s%%\n", s.WinRate.Mul(decimal.NewFromInt(100)).StringFixed(2))
	fmt.Fprintf(w, "Profit factor:   %s\n", s.ProfitFactor.StringFixed(4))
}

func main() {
	o := parseFlags()

	zc := zap.NewDevelopmentConfig()
	if !o.verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.Default()
	if o.configPath != "" {
		if cfg, err = config.Load(o.configPath); err != nil {
			logger.Fatal("Failed to load configuration", zap.Error(err))
		}
	}
	params, err := strategies.ParseParams(o.params)
	if err != nil {
		logger.Fatal("Invalid strategy parameters", zap.Error(err))
	}
	strategy, err := strategies.New(o.strategy, params)
	if err != nil {
		logger.Fatal("Invalid strategy", zap.Error(err))
	}
	btCfg, err := backtestConfig(o, cfg.Engine.Defaults)
	if err != nil {
		logger.Fatal("Invalid backtest configuration", zap.Error(err))
	}
	start, err := parseTime(o.from)
	if err != nil {
		logger.Fatal("Invalid -from", zap.Error(err))
	}
	end, err := parseTime(o.to)
	if err != nil {
		logger.Fatal("Invalid -to", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	candles, err := openFeed(ctx, o, cfg, btCfg, start, end, logger)
	if err != nil {
		logger.Fatal("Failed to open candles", zap.Error(err))
	}
	run := engine.NewBacktestRun("", btCfg, start, end)
	run.StrategyRef = strategy.Name()
	bt := engine.NewBacktester(engine.WithLogger(logger))
	res, err := bt.Run(ctx, run, candles, strategy, engine.NewMemorySink())
	if res == nil {
		logger.Fatal("Backtest did not start", zap.Error(err))
	}
	printSummary(os.Stdout, res)
	if err != nil {
		logger.Error("Backtest ended early", zap.Error(err))
	}

	if o.exportFile != "" {
		if err := exportTrades(o.exportFile, cfg.Arrow, res.Trades, logger); err != nil {
			logger.Fatal("Failed to export trades", zap.Error(err))
		}
		fmt.Printf("Trades exported to %s\n", o.exportFile)
	}
	if o.replay != "" {
		replay, ok := engine.ReplayTrade(res, o.replay)
		if !ok {
			logger.Fatal("Unknown trade", zap.String("trade_id", o.replay))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(replay); err != nil {
			logger.Fatal("Failed to print replay", zap.Error(err))
		}
	}
	if err != nil {
		os.Exit(1)
	}
}

func exportTrades(path string, cfg arrowpipeline.Config, trades []engine.BacktestTrade, logger *zap.Logger) error {
	p, err := arrowpipeline.NewPipeline(cfg, logger)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.WriteTrades(f, trades); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
