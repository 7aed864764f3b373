package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type machineHarness struct {
	t    *testing.T
	acct *Account
	m    *TradeMachine
	rec  *Recorder
}

func newHarness(t *testing.T, cfg BacktestConfig) *machineHarness {
	acct := NewAccount("run-test", cfg)
	return &machineHarness{t: t, acct: acct, m: acct.NewMachine(), rec: NewRecorder("run-test")}
}

func (h *machineHarness) advance(b Bar, in *Intent) []Event {
	h.t.Helper()
	evs, err := h.m.Advance(b, in)
	if err != nil {
		h.t.Fatalf("advance %s: %v", b.Timestamp, err)
	}
	for i := range evs {
		if err := h.rec.Record(&evs[i]); err != nil {
			h.t.Fatalf("record %s: %v", evs[i].Type, err)
		}
	}
	return evs
}

func flat(i int, p string) Bar { return bar(i, p, p, p, p) }

func marketLong(qty string) *Intent {
	return &Intent{Type: IntentEnterLong, OrderType: OrderMarket, Quantity: d(qty)}
}

func TestSameBarEntryAndStop(t *testing.T) {
	cfg := testConfig()
	cfg.FillPolicy = FillPessimistic
	h := newHarness(t, cfg)

	evs := h.advance(bar(0, "100", "110", "90", "105"), &Intent{
		Type: IntentEnterLong, OrderType: OrderLimit, Price: d("95"), StopLoss: d("92"), Quantity: d("1"),
	})
	if !sameTypes(evs, EventSetupDetected, EventOrderFilled, EventTradeOpened, EventStopLossHit, EventOrderFilled, EventTradeClosed) {
		t.Fatalf("events %v", eventTypes(evs))
	}
	if evs[1].Amount(DetailPrice).String() != "95" {
		t.Fatalf("entry filled at %s", evs[1].Detail[DetailPrice])
	}
	if evs[3].Sequence <= evs[2].Sequence {
		t.Fatalf("SL_HIT sequence %d not after TRADE_OPENED %d", evs[3].Sequence, evs[2].Sequence)
	}
	tr := h.m.Trade()
	if tr.State != StateClosed || tr.ExitReason != ExitStopLoss {
		t.Fatalf("trade %s %s", tr.State, tr.ExitReason)
	}
	if !tr.ExitPrice.Equal(d("90")) || !tr.RealizedPnl.Equal(d("-5")) {
		t.Fatalf("exit %s pnl %s", tr.ExitPrice, tr.RealizedPnl)
	}
	if tr.SignalTime.After(tr.EntryTime) || tr.EntryTime.After(tr.ExitTime) {
		t.Fatalf("times out of order: %s %s %s", tr.SignalTime, tr.EntryTime, tr.ExitTime)
	}
	if tr.FillPolicyUsed != FillPessimistic || tr.FillConditionsMet == "" {
		t.Fatalf("fill metadata missing: %+v", tr)
	}
}

func TestMarketFillIgnoresTakeProfitBelowEntry(t *testing.T) {
	h := newHarness(t, testConfig())

	evs := h.advance(bar(0, "100", "110", "90", "105"), &Intent{
		Type: IntentEnterLong, OrderType: OrderMarket, TakeProfit: d("108"), Quantity: d("1"),
	})
	if !sameTypes(evs, EventSetupDetected, EventOrderFilled, EventTradeOpened) {
		t.Fatalf("events %v", eventTypes(evs))
	}
	if h.m.State() != StateOpen || !h.m.Trade().EntryPrice.Equal(d("110")) {
		t.Fatalf("state %s entry %s", h.m.State(), h.m.Trade().EntryPrice)
	}
}

func TestLimitFillSeesOnlyLaterPrices(t *testing.T) {
	cfg := testConfig()
	cfg.FillPolicy = FillOptimistic
	h := newHarness(t, cfg)

	// path 100 -> 110 -> 85 -> 90: the 110 high comes before the fill at 95
	evs := h.advance(bar(0, "100", "110", "85", "90"), &Intent{
		Type: IntentEnterLong, OrderType: OrderLimit, Price: d("95"), TakeProfit: d("108"), Quantity: d("1"),
	})
	if !sameTypes(evs, EventSetupDetected, EventOrderFilled, EventTradeOpened) {
		t.Fatalf("events %v", eventTypes(evs))
	}
	tr := h.m.Trade()
	if h.m.State() != StateOpen || !tr.EntryTime.Equal(t0.Add(2250*time.Second)) {
		t.Fatalf("state %s entry at %s", h.m.State(), tr.EntryTime)
	}
}

func TestTakeProfitAfterLimitFillSameBar(t *testing.T) {
	cfg := testConfig()
	cfg.FillPolicy = FillOptimistic
	h := newHarness(t, cfg)

	// path 100 -> 101 -> 90 -> 108: fill at 95 on the way down, target on the way up
	evs := h.advance(bar(0, "100", "101", "90", "108"), &Intent{
		Type: IntentEnterLong, OrderType: OrderLimit, Price: d("95"), TakeProfit: d("105"), Quantity: d("1"),
	})
	if !sameTypes(evs, EventSetupDetected, EventOrderFilled, EventTradeOpened, EventTakeProfitHit, EventOrderFilled, EventTradeClosed) {
		t.Fatalf("events %v", eventTypes(evs))
	}
	tr := h.m.Trade()
	if !tr.ExitPrice.Equal(d("105")) || !tr.RealizedPnl.Equal(d("10")) || tr.ExitReason != ExitTakeProfit {
		t.Fatalf("exit %s pnl %s reason %s", tr.ExitPrice, tr.RealizedPnl, tr.ExitReason)
	}
	if !tr.EntryTime.Equal(t0.Add(840*time.Second)) || !tr.ExitTime.Equal(t0.Add(3240*time.Second)) {
		t.Fatalf("entry %s exit %s", tr.EntryTime, tr.ExitTime)
	}
}

func TestLiquidationOverridesStop(t *testing.T) {
	cfg := testConfig()
	cfg.Leverage = d("20")
	h := newHarness(t, cfg)

	h.advance(flat(0, "100"), &Intent{Type: IntentEnterLong, OrderType: OrderMarket, StopLoss: d("90")})
	if h.m.State() != StateOpen {
		t.Fatalf("state %s", h.m.State())
	}
	if q := h.m.Trade().Quantity; !q.Equal(d("2000")) {
		t.Fatalf("sized %s, want balance x leverage / price", q)
	}

	evs := h.advance(bar(1, "98", "99", "90", "92"), nil)
	if !sameTypes(evs, EventOrderFilled, EventLiquidation) {
		t.Fatalf("events %v", eventTypes(evs))
	}
	tr := h.m.Trade()
	if h.m.State() != StateLiquidated || tr.ExitReason != ExitLiquidation {
		t.Fatalf("state %s reason %s", h.m.State(), tr.ExitReason)
	}
	if !tr.ExitPrice.Equal(d("95")) {
		t.Fatalf("liquidated at %s, want 95", tr.ExitPrice)
	}
	if !tr.Slippage.IsZero() {
		t.Fatalf("liquidation slipped %s", tr.Slippage)
	}
	_, err := h.m.Advance(flat(2, "90"), nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("advance after liquidation: %v", err)
	}
}

func TestPendingEntryExpires(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingBars = 2
	h := newHarness(t, cfg)

	evs := h.advance(flat(0, "100"), &Intent{Type: IntentEnterLong, OrderType: OrderLimit, Price: d("50"), Quantity: d("1")})
	if !sameTypes(evs, EventSetupDetected, EventTriggerArmed) || h.m.State() != StatePendingTrigger {
		t.Fatalf("events %v state %s", eventTypes(evs), h.m.State())
	}
	evs = h.advance(flat(1, "100"), nil)
	if !sameTypes(evs, EventTriggerExpired) || h.m.State() != StateNoPosition {
		t.Fatalf("events %v state %s", eventTypes(evs), h.m.State())
	}
	if h.m.Trade() != nil {
		t.Fatal("expired setup created a trade")
	}
}

func TestZeroVolumeKeepsEntryPending(t *testing.T) {
	h := newHarness(t, testConfig())
	dry := flat(0, "100")
	dry.Volume = decimal.Zero

	evs := h.advance(dry, marketLong("1"))
	if !sameTypes(evs, EventSetupDetected, EventNoLiquidity) || h.m.State() != StatePendingSetup {
		t.Fatalf("events %v state %s", eventTypes(evs), h.m.State())
	}
	evs = h.advance(flat(1, "101"), nil)
	if !sameTypes(evs, EventOrderFilled, EventTradeOpened) {
		t.Fatalf("events %v", eventTypes(evs))
	}
	if !h.m.Trade().EntryPrice.Equal(d("101")) {
		t.Fatalf("entry %s", h.m.Trade().EntryPrice)
	}
}

func TestUnfilledExitExpires(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingBars = 2
	h := newHarness(t, cfg)
	h.advance(flat(0, "100"), marketLong("1"))

	dry := flat(1, "100")
	dry.Volume = decimal.Zero
	evs := h.advance(dry, &Intent{Type: IntentExit})
	if !sameTypes(evs, EventExitSignal, EventNoLiquidity) {
		t.Fatalf("events %v", eventTypes(evs))
	}
	dry = flat(2, "100")
	dry.Volume = decimal.Zero
	evs = h.advance(dry, nil)
	if !sameTypes(evs, EventNoLiquidity, EventTriggerExpired) {
		t.Fatalf("events %v", eventTypes(evs))
	}
	if evs = h.advance(flat(3, "100"), nil); len(evs) != 0 {
		t.Fatalf("expired exit still working: %v", eventTypes(evs))
	}
	if h.m.State() != StateOpen {
		t.Fatalf("state %s", h.m.State())
	}
}

func TestPartialThenFullExit(t *testing.T) {
	h := newHarness(t, testConfig())
	h.advance(flat(0, "100"), marketLong("2"))

	evs := h.advance(flat(1, "101"), &Intent{Type: IntentExit, Fraction: d("0.5")})
	if !sameTypes(evs, EventExitSignal, EventOrderFilled, EventTradePartiallyClosed) {
		t.Fatalf("events %v", eventTypes(evs))
	}
	if h.m.State() != StatePartiallyClosed {
		t.Fatalf("state %s", h.m.State())
	}

	evs = h.advance(flat(2, "102"), &Intent{Type: IntentExit})
	if !sameTypes(evs, EventExitSignal, EventOrderFilled, EventTradeClosed) {
		t.Fatalf("events %v", eventTypes(evs))
	}
	tr := h.m.Trade()
	if !tr.RealizedPnl.Equal(d("3")) || !tr.ExitPrice.Equal(d("101.5")) || tr.ExitReason != ExitSignal {
		t.Fatalf("pnl %s exit %s reason %s", tr.RealizedPnl, tr.ExitPrice, tr.ExitReason)
	}
	if !tr.Quantity.Equal(d("2")) {
		t.Fatalf("quantity %s", tr.Quantity)
	}
}

func TestScaleInReaverages(t *testing.T) {
	h := newHarness(t, testConfig())
	h.advance(flat(0, "100"), marketLong("1"))

	evs := h.advance(flat(1, "110"), &Intent{Type: IntentScaleIn, OrderType: OrderMarket, Quantity: d("1")})
	if !sameTypes(evs, EventOrderFilled, EventTradeScaled) || h.m.State() != StateScaled {
		t.Fatalf("events %v state %s", eventTypes(evs), h.m.State())
	}
	tr := h.m.Trade()
	if !tr.Quantity.Equal(d("2")) || !tr.EntryPrice.Equal(d("105")) {
		t.Fatalf("qty %s avg %s", tr.Quantity, tr.EntryPrice)
	}
	if v := h.m.View(d("115")); !v.UnrealizedPnl.Equal(d("20")) {
		t.Fatalf("unrealized %s", v.UnrealizedPnl)
	}
}

func TestTrailingStop(t *testing.T) {
	h := newHarness(t, testConfig())
	h.advance(flat(0, "100"), &Intent{Type: IntentEnterLong, OrderType: OrderMarket, Quantity: d("1"), TrailingDistance: d("5")})

	if evs := h.advance(bar(1, "100", "110", "100", "109"), nil); len(evs) != 0 {
		t.Fatalf("unexpected events %v", eventTypes(evs))
	}
	evs := h.advance(bar(2, "109", "109", "104", "105"), nil)
	if !sameTypes(evs, EventTrailingStopHit, EventOrderFilled, EventTradeClosed) {
		t.Fatalf("events %v", eventTypes(evs))
	}
	tr := h.m.Trade()
	if tr.ExitReason != ExitTrailingStop || !tr.ExitPrice.Equal(d("104")) {
		t.Fatalf("reason %s exit %s", tr.ExitReason, tr.ExitPrice)
	}
	if !tr.MaxRunup.Equal(d("10")) {
		t.Fatalf("runup %s", tr.MaxRunup)
	}
}

func TestTakeProfitIsMaker(t *testing.T) {
	cfg := testConfig()
	cfg.MakerFeeRate = d("0.0002")
	cfg.TakerFeeRate = d("0.0005")
	h := newHarness(t, cfg)
	h.advance(flat(0, "100"), &Intent{Type: IntentEnterLong, OrderType: OrderMarket, Quantity: d("1"), TakeProfit: d("105")})

	evs := h.advance(bar(1, "101", "107", "100", "106"), nil)
	if !sameTypes(evs, EventTakeProfitHit, EventOrderFilled, EventTradeClosed) {
		t.Fatalf("events %v", eventTypes(evs))
	}
	tr := h.m.Trade()
	// taker on entry 100 * 0.0005, maker on exit 105 * 0.0002
	if !tr.TakerFee.Equal(d("0.05")) || !tr.MakerFee.Equal(d("0.021")) {
		t.Fatalf("taker %s maker %s", tr.TakerFee, tr.MakerFee)
	}
	if !tr.RealizedPnl.Equal(d("5")) {
		t.Fatalf("pnl %s", tr.RealizedPnl)
	}
}

func TestUpdateStopThenHit(t *testing.T) {
	h := newHarness(t, testConfig())
	h.advance(flat(0, "100"), marketLong("1"))

	evs := h.advance(bar(1, "100", "101", "97", "99"), &Intent{Type: IntentUpdateStop, StopLoss: d("98")})
	if !sameTypes(evs, EventStopUpdated, EventStopLossHit, EventOrderFilled, EventTradeClosed) {
		t.Fatalf("events %v", eventTypes(evs))
	}
}

func TestRejectedAndCancelledIntents(t *testing.T) {
	h := newHarness(t, testConfig())

	evs := h.advance(flat(0, "100"), &Intent{Type: IntentExit})
	if !sameTypes(evs, EventIntentRejected) || h.m.State() != StateNoPosition {
		t.Fatalf("events %v state %s", eventTypes(evs), h.m.State())
	}
	h.advance(flat(1, "100"), &Intent{Type: IntentEnterShort, OrderType: OrderLimit, Price: d("120"), Quantity: d("1")})
	evs = h.advance(flat(2, "100"), &Intent{Type: IntentExit, Reason: "changed mind"})
	if !sameTypes(evs, EventSetupCancelled) || h.m.State() != StateNoPosition {
		t.Fatalf("events %v state %s", eventTypes(evs), h.m.State())
	}
	if evs[0].Detail[DetailReason] != "changed mind" {
		t.Fatalf("detail %v", evs[0].Detail)
	}
}

func TestFundingChargedPerInterval(t *testing.T) {
	cfg := testConfig()
	cfg.FundingRate = d("0.0001")
	h := newHarness(t, cfg)
	h.advance(flat(0, "100"), marketLong("1"))

	var funding []Event
	for i := 1; i <= 9; i++ {
		for _, e := range h.advance(flat(i, "100"), nil) {
			if e.Type == EventFundingApplied {
				funding = append(funding, e)
			}
		}
	}
	if len(funding) != 1 {
		t.Fatalf("%d funding events", len(funding))
	}
	if !funding[0].Timestamp.Equal(t0.Add(8*time.Hour)) || !funding[0].Amount(DetailFees).Equal(d("0.01")) {
		t.Fatalf("funding %s %s", funding[0].Timestamp, funding[0].Detail[DetailFees])
	}
	if !h.m.Trade().FundingFee.Equal(d("0.01")) {
		t.Fatalf("trade funding %s", h.m.Trade().FundingFee)
	}
}

func TestFundingOnEntryNotional(t *testing.T) {
	cfg := testConfig()
	cfg.Leverage = d("10")
	cfg.FundingRate = d("0.0001")
	h := newHarness(t, cfg)
	h.advance(flat(0, "100"), marketLong("10"))

	var fees []decimal.Decimal
	for i := 1; i <= 8; i++ {
		for _, e := range h.advance(flat(i, "120"), nil) {
			if e.Type == EventFundingApplied {
				fees = append(fees, e.Amount(DetailFees))
			}
		}
	}
	// notional 1000 at entry, not 1200 at the mark
	if len(fees) != 1 || !fees[0].Equal(d("0.1")) {
		t.Fatalf("funding %v", fees)
	}
}

func TestCloseAtEndOfData(t *testing.T) {
	cfg := testConfig()
	cfg.SlippagePercent = d("0.001")
	h := newHarness(t, cfg)
	h.advance(flat(0, "100"), &Intent{Type: IntentEnterShort, OrderType: OrderMarket, Quantity: d("1")})

	evs, err := h.m.Close(flat(1, "90"), ExitEndOfData)
	if err != nil {
		t.Fatal(err)
	}
	if !sameTypes(evs, EventOrderFilled, EventTradeClosed) {
		t.Fatalf("events %v", eventTypes(evs))
	}
	tr := h.m.Trade()
	if !tr.RealizedPnl.Equal(d("10")) || tr.ExitReason != ExitEndOfData {
		t.Fatalf("pnl %s reason %s", tr.RealizedPnl, tr.ExitReason)
	}
	// 0.1 on the sell entry, 0.09 on the buy exit
	if !tr.Slippage.Equal(d("0.19")) {
		t.Fatalf("slippage %s", tr.Slippage)
	}
	if !tr.ExitTime.Equal(t0.Add(2 * time.Hour)) {
		t.Fatalf("exit time %s", tr.ExitTime)
	}
}

func TestMarginCallOncePerBreach(t *testing.T) {
	cfg := testConfig()
	cfg.Leverage = d("10")
	cfg.MarginCallRate = d("0.05")
	h := newHarness(t, cfg)
	h.advance(flat(0, "100"), marketLong("1"))

	count := func(evs []Event) (n int) {
		for _, e := range evs {
			if e.Type == EventMarginCall {
				n++
			}
		}
		return n
	}
	if n := count(h.advance(bar(1, "99", "99", "94", "96"), nil)); n != 1 {
		t.Fatalf("first breach: %d margin calls", n)
	}
	if n := count(h.advance(bar(2, "96", "97", "94", "95"), nil)); n != 0 {
		t.Fatalf("same episode: %d margin calls", n)
	}
	h.advance(flat(3, "99"), nil)
	if n := count(h.advance(bar(4, "99", "99", "93", "96"), nil)); n != 1 {
		t.Fatalf("second episode: %d margin calls", n)
	}
	if h.m.State() != StateOpen {
		t.Fatalf("margin call closed the trade: %s", h.m.State())
	}
}
