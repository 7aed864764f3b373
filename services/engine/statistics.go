package engine

import (
	"time"

	"backtest-engine/services/stats"

	"github.com/shopspring/decimal"
)

type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
}

// Summary is the final performance report of a run.
type Summary struct {
	InitialCapital decimal.Decimal `json:"initial_capital"`
	FinalEquity    decimal.Decimal `json:"final_equity"`
	NetPnl         decimal.Decimal `json:"net_pnl"`
	RealizedPnl    decimal.Decimal `json:"realized_pnl"`
	TotalFees      decimal.Decimal `json:"total_fees"`
	TotalSlippage  decimal.Decimal `json:"total_slippage"`
	MaxDrawdown    decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPct decimal.Decimal `json:"max_drawdown_pct"`
	MaxRunup       decimal.Decimal `json:"max_runup"`
	WinRate        decimal.Decimal `json:"win_rate"`
	// ProfitFactor is gross profit over gross loss; zero when nothing was lost.
	ProfitFactor decimal.Decimal `json:"profit_factor"`
	Liquidations int             `json:"liquidations"`
	Stats        stats.Snapshot  `json:"stats"`
	EquityCurve  []EquityPoint   `json:"equity_curve"`
}

// Aggregator derives run statistics from the event stream alone, so the
// numbers cannot drift from the ledger the events describe.
type Aggregator struct {
	initial  decimal.Decimal
	realized decimal.Decimal
	fees     decimal.Decimal
	slippage decimal.Decimal

	run    *stats.Aggregate
	shared *stats.Aggregate

	peak, trough           decimal.Decimal
	maxDD, maxDDPct        decimal.Decimal
	maxRunup               decimal.Decimal
	grossProfit, grossLoss decimal.Decimal
	liquidations           int
	curve                  []EquityPoint
}

// NewAggregator starts the equity curve at initial. Trade closes are also
// applied to shared when it is not nil.
func NewAggregator(initial decimal.Decimal, shared *stats.Aggregate) *Aggregator {
	return &Aggregator{
		initial: initial,
		run:     stats.New(),
		shared:  shared,
		peak:    initial,
		trough:  initial,
	}
}

// Equity is the realized equity: initial capital plus realized PnL less fees and slippage.
func (a *Aggregator) Equity() decimal.Decimal {
	return a.initial.Add(a.realized).Sub(a.fees).Sub(a.slippage)
}

// Consume folds one recorded event into the statistics.
func (a *Aggregator) Consume(e Event) {
	switch e.Type {
	case EventOrderFilled:
		a.realized = a.realized.Add(e.Amount(DetailRealizedPnl))
		a.fees = a.fees.Add(e.Amount(DetailFees))
		a.slippage = a.slippage.Add(e.Amount(DetailSlippage))
		a.observe(a.Equity())
	case EventFundingApplied:
		a.fees = a.fees.Add(e.Amount(DetailFees))
		a.observe(a.Equity())
	case EventTradeClosed, EventLiquidation:
		pnl := e.Amount(DetailTradeRealizedPnl)
		if !a.run.RecordTradeClose(e.TradeID, pnl) {
			return
		}
		if a.shared != nil {
			a.shared.RecordTradeClose(e.TradeID, pnl)
		}
		switch pnl.Sign() {
		case 1:
			a.grossProfit = a.grossProfit.Add(pnl)
		case -1:
			a.grossLoss = a.grossLoss.Add(pnl.Neg())
		}
		if e.Type == EventLiquidation {
			a.liquidations++
		}
		a.curve = append(a.curve, EquityPoint{Timestamp: e.Timestamp, Equity: a.Equity()})
	}
}

// Mark applies the bar's unrealized excursion: the loss side is visited before
// the profit side, then the close.
func (a *Aggregator) Mark(exc Excursion) {
	eq := a.Equity()
	a.observe(eq.Add(exc.Worst))
	a.observe(eq.Add(exc.Best))
	a.observe(eq.Add(exc.Close))
}

func (a *Aggregator) observe(eq decimal.Decimal) {
	if dd := a.peak.Sub(eq); dd.GreaterThan(a.maxDD) {
		a.maxDD = dd
		if a.peak.IsPositive() {
			a.maxDDPct = RoundMoney(dd.Div(a.peak))
		}
	}
	if ru := eq.Sub(a.trough); ru.GreaterThan(a.maxRunup) {
		a.maxRunup = ru
	}
	if eq.GreaterThan(a.peak) {
		a.peak = eq
	}
	if eq.LessThan(a.trough) {
		a.trough = eq
	}
}

func (a *Aggregator) Stats() stats.Snapshot { return a.run.Snapshot() }

// Summary closes the equity curve at ts.
func (a *Aggregator) Summary(ts time.Time) Summary {
	snap := a.run.Snapshot()
	final := a.Equity()
	curve := make([]EquityPoint, len(a.curve), len(a.curve)+1)
	copy(curve, a.curve)
	curve = append(curve, EquityPoint{Timestamp: ts, Equity: final})

	s := Summary{
		InitialCapital: a.initial,
		FinalEquity:    final,
		NetPnl:         final.Sub(a.initial),
		RealizedPnl:    a.realized,
		TotalFees:      a.fees,
		TotalSlippage:  a.slippage,
		MaxDrawdown:    a.maxDD,
		MaxDrawdownPct: a.maxDDPct,
		MaxRunup:       a.maxRunup,
		WinRate:        RoundMoney(snap.WinRate()),
		Liquidations:   a.liquidations,
		Stats:          snap,
		EquityCurve:    curve,
	}
	if a.grossLoss.IsPositive() {
		s.ProfitFactor = RoundMoney(a.grossProfit.Div(a.grossLoss))
	}
	return s
}
