//! Data Generator - Creates sample OHLCV data for testing
//!
//! Generates a seeded random walk with trending regimes, written as CSV or as
//! an Arrow IPC stream that the strategy runner and the ingest tool read.

package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"time"

	"backtest-engine/services/arrowpipeline"
	"backtest-engine/services/engine"
	"backtest-engine/services/feed"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// trend is the per-bar drift of the regime bar i falls in.
func trend(i, n int) float64 {
	switch pos := float64(i) / float64(n); {
	case pos > 0.1 && pos < 0.3:
		return 0.001 // Uptrend
	case pos > 0.4 && pos < 0.6:
		return -0.001 // Downtrend
	case pos > 0.7 && pos < 0.9:
		return 0.0005 // Gentle uptrend
	}
	return 0
}

// generate returns n contiguous bars. The same seed always yields the same bars.
func generate(n int, tf engine.Timeframe, start time.Time, price float64, seed int64) []engine.Bar {
	rng := rand.New(rand.NewSource(seed))
	floor, ceil := price/5, price*2
	step := tf.Duration()
	bars := make([]engine.Bar, n)
	for i := range bars {
		// Random walk with trend
		change := (rng.Float64()-0.5)*0.02 + trend(i, n)
		price = math.Min(math.Max(price*(1+change), floor), ceil)

		open := price
		volatility := 0.005 + rng.Float64()*0.01
		high := open * (1 + volatility*rng.Float64())
		low := open * (1 - volatility*rng.Float64())
		cl := open + (high-low)*(rng.Float64()-0.5)*0.8
		high = math.Max(high, math.Max(open, cl))
		low = math.Min(low, math.Min(open, cl))
		volume := 1000 + rng.Float64()*5000 + math.Abs(change)*100000

		bars[i] = engine.Bar{
			Timestamp: start.Add(time.Duration(i) * step),
			Open:      decimal.NewFromFloat(open).Round(2),
			High:      decimal.NewFromFloat(high).Round(2),
			Low:       decimal.NewFromFloat(low).Round(2),
			Close:     decimal.NewFromFloat(cl).Round(2),
			Volume:    decimal.NewFromFloat(volume).Round(4),
		}
		price = cl
	}
	return bars
}

func main() {
	out := flag.String("out", "BTCUSDT_5m.csv", "Output file")
	format := flag.String("format", "csv", "Output format: csv or arrow")
	n := flag.Int("bars", 1000, "Number of bars")
	tf := flag.String("timeframe", "5m", "Bar timeframe")
	startFlag := flag.String("start", "2024-01-01", "Open time of the first bar (YYYY-MM-DD)")
	price := flag.Float64("price", 50000, "Starting price")
	seed := flag.Int64("seed", 42, "Random seed")
	symbol := flag.String("symbol", "BTCUSDT", "Symbol written to Arrow output")
	flag.Parse()

	if !engine.Timeframe(*tf).Valid() || *n <= 0 || *price <= 0 {
		log.Fatalf("Invalid arguments: timeframe=%s bars=%d price=%f", *tf, *n, *price)
	}
	start, err := time.Parse(time.DateOnly, *startFlag)
	if err != nil {
		log.Fatalf("Invalid start: %v", err)
	}

	fmt.Printf("Generating %d %s bars to %s\n", *n, *tf, *out)
	bars := generate(*n, engine.Timeframe(*tf), start, *price, *seed)

	file, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create file: %v", err)
	}
	switch *format {
	case "csv":
		err = feed.WriteCSV(file, bars)
	case "arrow":
		var p *arrowpipeline.Pipeline
		if p, err = arrowpipeline.NewPipeline(arrowpipeline.Config{Compression: "zstd"}, zap.NewNop()); err == nil {
			err = p.WriteCandles(file, *symbol, bars)
		}
	default:
		err = fmt.Errorf("unknown format %q", *format)
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatalf("Failed to write bars: %v", err)
	}
	fmt.Printf("Generated %d bars from %s to %s\n", len(bars),
		bars[0].Timestamp.Format(time.RFC3339), bars[len(bars)-1].Timestamp.Format(time.RFC3339))
}
