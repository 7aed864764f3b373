package arrowpipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/shopspring/decimal"

	"backtest-engine/services/engine"
)

func candles(n int) []engine.Bar {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]engine.Bar, n)
	for i := range out {
		p := decimal.RequireFromString("42000.12345678").Add(decimal.NewFromInt(int64(i)))
		out[i] = engine.Bar{
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open:      p,
			High:      p.Add(decimal.NewFromInt(5)),
			Low:       p.Sub(decimal.NewFromInt(5)),
			Close:     p.Add(decimal.RequireFromString("0.00000001")),
			Volume:    decimal.RequireFromString("1.5"),
		}
	}
	return out
}

func TestCandlesRoundTripAcrossBatches(t *testing.T) {
	for _, compression := range []string{"", "zstd", "lz4"} {
		t.Run("compression="+compression, func(t *testing.T) {
			p, err := NewPipeline(Config{BatchSize: 3, Compression: compression}, nil)
			if err != nil {
				t.Fatal(err)
			}
			want := candles(7)
			var buf bytes.Buffer
			if err := p.WriteCandles(&buf, "BTCUSDT", want); err != nil {
				t.Fatal(err)
			}

			rd, err := p.NewCandleReader(&buf)
			if err != nil {
				t.Fatal(err)
			}
			defer rd.Close()
			for i, w := range want {
				got, err := rd.Next(context.Background())
				if err != nil {
					t.Fatalf("bar %d: %v", i, err)
				}
				if !got.Timestamp.Equal(w.Timestamp) || !got.Close.Equal(w.Close) || !got.Low.Equal(w.Low) {
					t.Fatalf("bar %d: got %+v want %+v", i, got, w)
				}
			}
			if _, err := rd.Next(context.Background()); !errors.Is(err, io.EOF) {
				t.Fatalf("expected EOF, got %v", err)
			}
		})
	}
}

func TestReaderFeedsEngineLoader(t *testing.T) {
	p, _ := NewPipeline(Config{}, nil)
	var buf bytes.Buffer
	if err := p.WriteCandles(&buf, "ETHUSDT", candles(4)); err != nil {
		t.Fatal(err)
	}
	rd, err := p.NewCandleReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	l := engine.NewLoader(rd, time.Minute)
	n := 0
	for {
		if _, err := l.Next(context.Background()); err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatal(err)
			}
			break
		}
		n++
	}
	if n != 4 {
		t.Fatalf("loaded %d candles", n)
	}
}

func TestWriteTrades(t *testing.T) {
	p, _ := NewPipeline(Config{}, nil)
	trades := []engine.BacktestTrade{
		{ID: "a", Symbol: "BTCUSDT", Side: engine.SideLong, Quantity: decimal.NewFromInt(1), ExitReason: engine.ExitTakeProfit, State: engine.StateClosed},
		{ID: "b", Symbol: "BTCUSDT", Side: engine.SideShort, Quantity: decimal.NewFromInt(2), ExitReason: engine.ExitLiquidation, State: engine.StateLiquidated},
	}
	var buf bytes.Buffer
	if err := p.WriteTrades(&buf, trades); err != nil {
		t.Fatal(err)
	}
	rdr, err := ipc.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer rdr.Release()
	if !rdr.Next() {
		t.Fatal("no record")
	}
	rec := rdr.Record()
	if rec.NumRows() != 2 {
		t.Fatalf("%d rows", rec.NumRows())
	}
	side := rec.Column(2).(*array.String)
	reason := rec.Column(11).(*array.String)
	if side.Value(1) != "SHORT" || reason.Value(1) != "LIQUIDATION" {
		t.Fatalf("row 1: %s %s", side.Value(1), reason.Value(1))
	}
}

func TestRejectsUnknownCompression(t *testing.T) {
	if _, err := NewPipeline(Config{Compression: "brotli"}, nil); err == nil {
		t.Fatal("accepted brotli")
	}
}
