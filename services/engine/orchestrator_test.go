package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"backtest-engine/services/stats"

	"github.com/shopspring/decimal"
)

// ramp returns n hourly bars drifting up one unit per bar.
func ramp(n int) []Bar {
	bars := make([]Bar, n)
	for i := range bars {
		base := decimal.NewFromInt(int64(100 + i))
		bars[i] = Bar{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      base,
			High:      base.Add(decimal.NewFromInt(2)),
			Low:       base.Sub(decimal.NewFromInt(1)),
			Close:     base.Add(decimal.NewFromInt(1)),
			Volume:    decimal.NewFromInt(10),
		}
	}
	return bars
}

// scripted returns the intent scheduled for the n-th candle it sees.
func scripted(plan map[int]*Intent) Strategy {
	n := 0
	return StrategyFunc(func(Bar, PositionState) (*Intent, error) {
		in := plan[n]
		n++
		return in, nil
	})
}

func roundTripPlan() map[int]*Intent {
	return map[int]*Intent{
		0: {Type: IntentEnterLong, OrderType: OrderMarket, Quantity: d("2"), Reason: "breakout"},
		3: {Type: IntentExit, Reason: "target"},
		4: {Type: IntentEnterShort, OrderType: OrderMarket, Quantity: d("1")},
	}
}

func newTestRun(id string, bars int) *BacktestRun {
	cfg := DefaultConfig("BTCUSDT")
	cfg.SlippagePercent = d("0.0005")
	cfg.FundingRate = d("0.0001")
	cfg.ProgressEvery = 1
	return NewBacktestRun(id, cfg, t0, t0.Add(time.Duration(bars)*time.Hour))
}

func TestRunCompletesAndReconciles(t *testing.T) {
	run := newTestRun("run-ok", 12)
	sink := NewMemorySink()
	shared := stats.New()
	bt := NewBacktester(WithSharedStats(shared), WithProgressInterval(time.Nanosecond))

	res, err := bt.Run(context.Background(), run, NewSliceFeed(ramp(12)), scripted(roundTripPlan()), sink)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != RunCompleted || run.Status() != RunCompleted {
		t.Fatalf("status %s / %s", res.Status, run.Status())
	}
	if len(res.Trades) != 2 {
		t.Fatalf("%d trades", len(res.Trades))
	}
	if res.Trades[0].ExitReason != ExitSignal || res.Trades[1].ExitReason != ExitEndOfData {
		t.Fatalf("exit reasons %s %s", res.Trades[0].ExitReason, res.Trades[1].ExitReason)
	}

	var realized, fees, slippage decimal.Decimal
	for _, tr := range res.Trades {
		realized = realized.Add(tr.RealizedPnl)
		fees = fees.Add(tr.TotalFees())
		slippage = slippage.Add(tr.Slippage)
		if tr.SignalTime.After(tr.EntryTime) || tr.EntryTime.After(tr.ExitTime) {
			t.Fatalf("trade %s times out of order", tr.ID)
		}
	}
	s := res.Summary
	if !s.RealizedPnl.Equal(realized) || !s.TotalFees.Equal(fees) || !s.TotalSlippage.Equal(slippage) {
		t.Fatalf("summary %s/%s/%s, trades %s/%s/%s", s.RealizedPnl, s.TotalFees, s.TotalSlippage, realized, fees, slippage)
	}
	if !realized.Sub(fees).Sub(slippage).Equal(s.FinalEquity.Sub(s.InitialCapital)) {
		t.Fatalf("realized - fees - slippage != final - initial")
	}
	if shared.Snapshot().TotalTrades != 2 || s.Stats.TotalTrades != 2 {
		t.Fatalf("stats %+v", s.Stats)
	}

	if got := sink.Trades(); len(got) != 2 || got[0].ID != res.Trades[0].ID {
		t.Fatalf("sink trades %d", len(got))
	}
	if len(sink.Events()) != len(res.Events) {
		t.Fatalf("sink events %d, result %d", len(sink.Events()), len(res.Events))
	}
	for i, e := range res.Events {
		if e.Sequence != uint64(i+1) {
			t.Fatalf("event %d has sequence %d", i, e.Sequence)
		}
	}

	prog := sink.Progress()
	if len(prog) == 0 {
		t.Fatal("no progress reported")
	}
	last := prog[len(prog)-1]
	if last.Status != RunCompleted || !last.Progress.Equal(d("100")) || last.Candles != 12 {
		t.Fatalf("final progress %+v", last)
	}
	if res.Manifest.Candles != 12 || res.Manifest.DataChecksum == "" || res.Manifest.ConfigHash == "" {
		t.Fatalf("manifest %+v", res.Manifest)
	}
}

func TestDailyFundingStaysInOrder(t *testing.T) {
	cfg := DefaultConfig("BTCUSDT")
	cfg.SignalTimeframe = TF1d
	cfg.FundingRate = d("0.0001")
	cfg.RecordCandleEvents = true
	day := 24 * time.Hour
	bars := make([]Bar, 4)
	for i := range bars {
		p := d("100")
		bars[i] = Bar{Timestamp: t0.Add(time.Duration(i) * day), Open: p, High: p, Low: p, Close: p, Volume: d("1")}
	}
	run := NewBacktestRun("run-daily", cfg, t0, t0.Add(4*day))
	plan := map[int]*Intent{0: {Type: IntentEnterLong, OrderType: OrderMarket, Quantity: d("1")}}

	res, err := NewBacktester().Run(context.Background(), run, NewSliceFeed(bars), scripted(plan), NewMemorySink())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status %s: %s", res.Status, run.Snapshot().StatusMessage)
	}
	var funding int
	for i, e := range res.Events {
		if e.Type == EventFundingApplied {
			funding++
			if e.Timestamp.Hour()%8 != 0 || e.Timestamp.Minute() != 0 {
				t.Fatalf("funding stamped at %s", e.Timestamp)
			}
		}
		if i > 0 && e.Timestamp.Before(res.Events[i-1].Timestamp) {
			t.Fatalf("%s at %s after %s at %s", e.Type, e.Timestamp, res.Events[i-1].Type, res.Events[i-1].Timestamp)
		}
	}
	// held from day 2 00:00 to day 5 00:00
	if funding != 8 {
		t.Fatalf("%d funding events", funding)
	}
	if len(res.Trades) != 1 || !res.Trades[0].FundingFee.Equal(d("0.08")) {
		t.Fatalf("trades %+v", res.Trades)
	}
}

func TestProgressCarriesRunAndClocks(t *testing.T) {
	run := newTestRun("run-clock", 6)
	run.UserID, run.StrategyRef = "u-1", "ema-cross"
	sink := NewMemorySink()
	if _, err := NewBacktester(WithProgressInterval(time.Nanosecond)).Run(context.Background(), run, NewSliceFeed(ramp(6)), scripted(nil), sink); err != nil {
		t.Fatal(err)
	}
	prog := sink.Progress()
	if len(prog) < 2 {
		t.Fatalf("%d progress reports", len(prog))
	}
	mid, last := prog[0], prog[len(prog)-1]
	if mid.BarTime.IsZero() || mid.Timestamp.Equal(mid.BarTime) {
		t.Fatalf("progress bar time %s wall time %s", mid.BarTime, mid.Timestamp)
	}
	if !last.BarTime.Equal(t0.Add(5*time.Hour)) || last.Timestamp.Before(t0.Add(24*time.Hour)) {
		t.Fatalf("final bar time %s wall time %s", last.BarTime, last.Timestamp)
	}
	info := last.Info
	if info.UserID != "u-1" || info.StrategyRef != "ema-cross" || info.Symbol != "BTCUSDT" ||
		info.Timeframe != TF1h || !info.Start.Equal(t0) || !info.End.Equal(t0.Add(6*time.Hour)) {
		t.Fatalf("run info %+v", info)
	}
	if info.Config.Hash() != run.Config.Hash() || info.Config.MarginCallRate.IsZero() {
		t.Fatalf("run config not frozen with defaults: %+v", info.Config)
	}
}

func TestRunHonoursWindow(t *testing.T) {
	cfg := DefaultConfig("BTCUSDT")
	run := NewBacktestRun("run-window", cfg, t0.Add(2*time.Hour), t0.Add(5*time.Hour))
	res, err := NewBacktester().Run(context.Background(), run, NewSliceFeed(ramp(8)), scripted(nil), NewMemorySink())
	if err != nil {
		t.Fatal(err)
	}
	if res.Manifest.Candles != 3 {
		t.Fatalf("processed %d candles", res.Manifest.Candles)
	}
}

func TestStrategyErrorFailsRun(t *testing.T) {
	boom := errors.New("indicator exploded")
	n := 0
	strat := StrategyFunc(func(Bar, PositionState) (*Intent, error) {
		defer func() { n++ }()
		switch n {
		case 0:
			return &Intent{Type: IntentEnterLong, OrderType: OrderMarket, Quantity: d("1")}, nil
		case 2:
			return nil, boom
		}
		return nil, nil
	})
	run := newTestRun("run-err", 6)
	res, err := NewBacktester().Run(context.Background(), run, NewSliceFeed(ramp(6)), strat, NewMemorySink())
	if !errors.Is(err, ErrStrategy) || !errors.Is(err, boom) {
		t.Fatalf("expected strategy error wrapping cause, got %v", err)
	}
	if res == nil || res.Status != RunFailed {
		t.Fatalf("result %+v", res)
	}
	if len(res.Trades) != 1 || res.Trades[0].ExitReason != ExitStrategyError {
		t.Fatalf("trades %+v", res.Trades)
	}
	var sawError bool
	for _, e := range res.Events {
		sawError = sawError || e.Type == EventStrategyError
	}
	if !sawError {
		t.Fatal("no STRATEGY_ERROR event")
	}
}

func TestStrategyPanicIsContained(t *testing.T) {
	strat := StrategyFunc(func(Bar, PositionState) (*Intent, error) { panic("nil map") })
	run := newTestRun("run-panic", 4)
	res, err := NewBacktester().Run(context.Background(), run, NewSliceFeed(ramp(4)), strat, NewMemorySink())
	if !errors.Is(err, ErrStrategy) {
		t.Fatalf("expected strategy error, got %v", err)
	}
	if res.Status != RunFailed || len(res.Trades) != 0 {
		t.Fatalf("status %s trades %d", res.Status, len(res.Trades))
	}
}

func TestInvalidIntentFailsRun(t *testing.T) {
	strat := StrategyFunc(func(Bar, PositionState) (*Intent, error) {
		return &Intent{Type: IntentEnterLong, OrderType: OrderLimit}, nil
	})
	run := newTestRun("run-bad-intent", 3)
	if _, err := NewBacktester().Run(context.Background(), run, NewSliceFeed(ramp(3)), strat, NewMemorySink()); !errors.Is(err, ErrStrategy) {
		t.Fatalf("expected strategy error, got %v", err)
	}
}

func TestCancelStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := 0
	strat := StrategyFunc(func(Bar, PositionState) (*Intent, error) {
		n++
		if n == 1 {
			return &Intent{Type: IntentEnterLong, OrderType: OrderMarket, Quantity: d("1")}, nil
		}
		if n == 3 {
			cancel()
		}
		return nil, nil
	})
	sink := NewMemorySink()
	run := newTestRun("run-cancel", 10)
	res, err := NewBacktester().Run(ctx, run, NewSliceFeed(ramp(10)), strat, sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Status != RunCancelled || res.Manifest.Candles != 3 {
		t.Fatalf("status %s after %d candles", res.Status, res.Manifest.Candles)
	}
	if len(res.Trades) != 0 {
		t.Fatalf("cancelled run force-closed %d trades", len(res.Trades))
	}
	prog := sink.Progress()
	if len(prog) == 0 || prog[len(prog)-1].Status != RunCancelled {
		t.Fatal("final progress not reported as cancelled")
	}
}

func TestDataErrorsFailRun(t *testing.T) {
	at := func(hours ...int) []Bar {
		all := ramp(10)
		out := make([]Bar, len(hours))
		for i, h := range hours {
			out[i] = all[h]
		}
		return out
	}
	cases := []struct {
		name string
		bars []Bar
		want error
	}{
		{"gap", at(0, 1, 4), ErrDataGap},
		{"order", at(0, 2, 1), ErrDataOrder},
		{"duplicate", at(0, 1, 1), ErrDataOrder},
		{"empty", nil, ErrNoData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			run := newTestRun("run-"+tc.name, 10)
			res, err := NewBacktester().Run(context.Background(), run, NewSliceFeed(tc.bars), scripted(nil), NewMemorySink())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if res.Status != RunFailed {
				t.Fatalf("status %s", res.Status)
			}
		})
	}
}

func TestNoCandlesInWindow(t *testing.T) {
	run := NewBacktestRun("run-late", DefaultConfig("BTCUSDT"), t0.Add(100*time.Hour), t0.Add(200*time.Hour))
	_, err := NewBacktester().Run(context.Background(), run, NewSliceFeed(ramp(5)), scripted(nil), NewMemorySink())
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected no data, got %v", err)
	}
}

func TestInvalidConfigFailsBeforeStart(t *testing.T) {
	cfg := DefaultConfig("BTCUSDT")
	cfg.Leverage = d("500")
	run := NewBacktestRun("run-cfg", cfg, t0, t0.Add(time.Hour))
	res, err := NewBacktester().Run(context.Background(), run, NewSliceFeed(ramp(1)), scripted(nil), NewMemorySink())
	if !errors.Is(err, ErrInvalidConfig) || res != nil {
		t.Fatalf("res %v err %v", res, err)
	}
	if run.Status() != RunFailed {
		t.Fatalf("status %s", run.Status())
	}
}

type flakySink struct {
	*MemorySink
}

func (flakySink) Flush(context.Context) error { return fmt.Errorf("disk full") }

func TestFlushFailureFailsRun(t *testing.T) {
	run := newTestRun("run-flush", 3)
	res, err := NewBacktester().Run(context.Background(), run, NewSliceFeed(ramp(3)), scripted(nil), flakySink{NewMemorySink()})
	if err == nil || res.Status != RunFailed {
		t.Fatalf("status %s err %v", res.Status, err)
	}
}

func TestTeeSinkReachesEverySink(t *testing.T) {
	run := newTestRun("run-tee", 6)
	a, b := NewMemorySink(), NewMemorySink()
	res, err := NewBacktester().Run(context.Background(), run, NewSliceFeed(ramp(6)), scripted(roundTripPlan()),
		TeeSink{flakySink{a}, b})
	if err == nil || res.Status != RunFailed || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("status %s err %v", res.Status, err)
	}
	if len(b.Trades()) != len(res.Trades) || len(b.Events()) != len(res.Events) || len(a.Events()) != len(b.Events()) {
		t.Fatalf("sinks saw %d/%d events, result has %d", len(a.Events()), len(b.Events()), len(res.Events))
	}
}
