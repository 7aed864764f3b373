package main

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"backtest-engine/services/engine"
)

func TestGenerateIsDeterministicAndValid(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := generate(500, engine.TF5m, start, 50000, 7)
	b := generate(500, engine.TF5m, start, 50000, 7)
	for i := range a {
		x, y := a[i], b[i]
		if !x.Timestamp.Equal(y.Timestamp) || !x.Open.Equal(y.Open) || !x.Close.Equal(y.Close) || !x.Volume.Equal(y.Volume) {
			t.Fatalf("bar %d differs between runs", i)
		}
		if x.High.LessThan(x.Open) || x.High.LessThan(x.Close) || x.Low.GreaterThan(x.Open) || x.Low.GreaterThan(x.Close) {
			t.Fatalf("bar %d has inconsistent OHLC: %+v", i, x)
		}
		if !x.Low.IsPositive() || !x.Volume.IsPositive() {
			t.Fatalf("bar %d: %+v", i, x)
		}
	}
	if other := generate(500, engine.TF5m, start, 50000, 8); other[499].Close.Equal(a[499].Close) {
		t.Fatal("seed has no effect")
	}

	l := engine.NewLoader(engine.NewSliceFeed(a), 5*time.Minute)
	for {
		_, err := l.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if l.Count() != 500 {
		t.Fatalf("loader read %d", l.Count())
	}
}
