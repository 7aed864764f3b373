package main

// Resamples a candle CSV to a coarser timeframe. Buckets are aligned to the
// Unix epoch in UTC: open is the first bar, high the max, low the min, close
// the last bar and volume the sum.

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"backtest-engine/services/engine"
	"backtest-engine/services/feed"
)

type bucket struct {
	bar  engine.Bar
	bars int
}

// resample reads src at the from timeframe and emits one bar per to bucket.
// With complete set, buckets missing source bars are dropped.
func resample(ctx context.Context, src engine.CandleFeed, from, to engine.Timeframe, complete bool, emit func(engine.Bar) error) (int, error) {
	srcMs, dstMs := from.Duration().Milliseconds(), to.Duration().Milliseconds()
	if srcMs == 0 || dstMs == 0 || dstMs%srcMs != 0 || dstMs == srcMs {
		return 0, fmt.Errorf("cannot resample %s to %s", from, to)
	}
	want := int(dstMs / srcMs)

	l := engine.NewLoader(src, from.Duration())
	defer l.Close()
	var (
		cur     *bucket
		emitted int
	)
	flush := func() error {
		if cur == nil || (complete && cur.bars < want) {
			return nil
		}
		emitted++
		return emit(cur.bar)
	}
	for {
		b, err := l.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return emitted, err
		}
		start := time.UnixMilli(b.Timestamp.UnixMilli() / dstMs * dstMs).UTC()
		if cur != nil && cur.bar.Timestamp.Equal(start) {
			agg := &cur.bar
			if b.High.GreaterThan(agg.High) {
				agg.High = b.High
			}
			if b.Low.LessThan(agg.Low) {
				agg.Low = b.Low
			}
			agg.Close = b.Close
			agg.Volume = agg.Volume.Add(b.Volume)
			cur.bars++
			continue
		}
		if err := flush(); err != nil {
			return emitted, err
		}
		nb := b
		nb.Timestamp = start
		cur = &bucket{bar: nb, bars: 1}
	}
	return emitted, flush()
}

func main() {
	in := flag.String("in", "", "Input CSV (timestamp,open,high,low,close,volume)")
	out := flag.String("out", "", "Output CSV path")
	src := flag.String("src", "5m", "Source timeframe (e.g., 5m)")
	dst := flag.String("dst", "15m", "Target timeframe (e.g., 15m)")
	complete := flag.Bool("complete", false, "Drop buckets with missing source bars")
	flag.Parse()

	if *in == "" || *out == "" {
		log.Fatal("-in and -out are required")
	}
	r, err := feed.OpenCSV(*in)
	if err != nil {
		log.Fatalf("Failed to open input: %v", err)
	}
	var bars []engine.Bar
	n, err := resample(context.Background(), r, engine.Timeframe(*src), engine.Timeframe(*dst), *complete, func(b engine.Bar) error {
		bars = append(bars, b)
		return nil
	})
	if err != nil {
		log.Fatalf("Failed to resample: %v", err)
	}

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create output: %v", err)
	}
	if err := feed.WriteCSV(f, bars); err != nil {
		f.Close()
		log.Fatalf("Failed to write output: %v", err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("Failed to write output: %v", err)
	}
	fmt.Printf("Wrote %d %s bars to %s\n", n, *dst, *out)
}
