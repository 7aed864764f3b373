package engine

import (
	"testing"
	"time"

	"backtest-engine/services/stats"
)

func fillEvent(ts time.Time, realized, fees, slippage string) Event {
	return Event{Type: EventOrderFilled, Timestamp: ts, Detail: map[string]string{
		DetailRealizedPnl: realized,
		DetailFees:        fees,
		DetailSlippage:    slippage,
	}}
}

func closeEvent(typ EventType, tradeID string, ts time.Time, pnl string) Event {
	return Event{TradeID: tradeID, Type: typ, Timestamp: ts, Detail: map[string]string{DetailTradeRealizedPnl: pnl}}
}

func TestAggregatorSummary(t *testing.T) {
	shared := stats.New()
	a := NewAggregator(d("1000"), shared)

	a.Consume(fillEvent(t0, "0", "0", "0"))
	a.Mark(Excursion{Worst: d("-50"), Best: d("20"), Close: d("10")})
	a.Consume(fillEvent(t0.Add(time.Hour), "30", "0.5", "0.5"))
	a.Consume(closeEvent(EventTradeClosed, "t1", t0.Add(time.Hour), "30"))
	a.Consume(closeEvent(EventTradeClosed, "t1", t0.Add(time.Hour), "30"))

	a.Consume(fillEvent(t0.Add(2*time.Hour), "0", "0", "0"))
	a.Consume(fillEvent(t0.Add(3*time.Hour), "-10", "0", "0"))
	a.Consume(closeEvent(EventLiquidation, "t2", t0.Add(3*time.Hour), "-10"))

	s := a.Summary(t0.Add(4 * time.Hour))
	if !s.FinalEquity.Equal(d("1019")) || !s.NetPnl.Equal(d("19")) {
		t.Fatalf("final %s net %s", s.FinalEquity, s.NetPnl)
	}
	if !s.RealizedPnl.Sub(s.TotalFees).Sub(s.TotalSlippage).Equal(s.NetPnl) {
		t.Fatalf("ledger does not reconcile: %s - %s - %s != %s", s.RealizedPnl, s.TotalFees, s.TotalSlippage, s.NetPnl)
	}
	// worst case 950 against the 1000 starting peak
	if !s.MaxDrawdown.Equal(d("50")) {
		t.Fatalf("max drawdown %s", s.MaxDrawdown)
	}
	if !s.MaxRunup.Equal(d("79")) {
		t.Fatalf("max runup %s", s.MaxRunup)
	}
	if !s.ProfitFactor.Equal(d("3")) || !s.WinRate.Equal(d("0.5")) || s.Liquidations != 1 {
		t.Fatalf("pf %s win rate %s liquidations %d", s.ProfitFactor, s.WinRate, s.Liquidations)
	}
	if s.Stats.TotalTrades != 2 || shared.Snapshot().TotalTrades != 2 {
		t.Fatalf("trades run %d shared %d", s.Stats.TotalTrades, shared.Snapshot().TotalTrades)
	}
	if len(s.EquityCurve) != 3 || !s.EquityCurve[2].Timestamp.Equal(t0.Add(4*time.Hour)) {
		t.Fatalf("curve %+v", s.EquityCurve)
	}
}

func TestAggregatorDrawdownFromIntrabarPeak(t *testing.T) {
	a := NewAggregator(d("100"), nil)
	a.Mark(Excursion{Worst: d("10"), Best: d("30"), Close: d("20")})
	s := a.Summary(t0)
	if !s.MaxDrawdown.Equal(d("10")) || !s.MaxRunup.Equal(d("30")) {
		t.Fatalf("drawdown %s runup %s", s.MaxDrawdown, s.MaxRunup)
	}
	if !s.MaxDrawdownPct.Equal(d("0.07692308")) {
		t.Fatalf("drawdown pct %s", s.MaxDrawdownPct)
	}
}

func TestAggregatorFundingCountsAsFee(t *testing.T) {
	a := NewAggregator(d("100"), nil)
	a.Consume(Event{Type: EventFundingApplied, Timestamp: t0, Detail: map[string]string{DetailFees: "-0.25"}})
	if !a.Equity().Equal(d("100.25")) {
		t.Fatalf("equity %s", a.Equity())
	}
}
