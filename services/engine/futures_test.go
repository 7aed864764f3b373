package engine

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestIsolatedLiquidationPrice(t *testing.T) {
	r := RiskMonitor{Leverage: d("20"), MaintenanceMarginRate: d("0.005")}
	if got := r.LiquidationPrice(SideLong, d("100")); !got.Equal(d("95.5")) {
		t.Fatalf("long %s", got)
	}
	if got := r.LiquidationPrice(SideShort, d("100")); !got.Equal(d("104.5")) {
		t.Fatalf("short %s", got)
	}
	r.MaintenanceMarginRate = decimal.Zero
	if got := r.LiquidationPrice(SideLong, d("100")); !got.Equal(d("95")) {
		t.Fatalf("long without mmr %s", got)
	}
}

func TestMarginCallPrecedesLiquidation(t *testing.T) {
	r := RiskMonitor{Leverage: d("10"), MaintenanceMarginRate: d("0.01"), MarginCallRate: d("0.05")}
	fp := FuturesPosition{Side: SideLong, Quantity: d("1"), EntryPrice: d("100")}
	r.UpdateMarkPrice(&fp, d("97"), d("1000"))
	if !fp.LiquidationPrice.Equal(d("91")) || !fp.MarginUsed.Equal(d("10")) || !fp.UnrealizedPnl.Equal(d("-3")) {
		t.Fatalf("derived fields: %+v", fp)
	}
	if got := r.MarginCallPrice(SideLong, d("100")); !got.Equal(d("95")) {
		t.Fatalf("margin call price %s", got)
	}

	chk := r.Evaluate(fp, bar(0, "97", "98", "94", "96"))
	if !chk.MarginCall || chk.Liquidated {
		t.Fatalf("expected margin call only: %+v", chk)
	}
	chk = r.Evaluate(fp, bar(0, "97", "98", "90", "96"))
	if chk.MarginCall || !chk.Liquidated {
		t.Fatalf("expected liquidation only: %+v", chk)
	}
	chk = r.Evaluate(fp, bar(0, "99", "101", "96", "100"))
	if chk.MarginCall || chk.Liquidated {
		t.Fatalf("expected no breach: %+v", chk)
	}
}

func TestCrossLiquidationUsesBalance(t *testing.T) {
	r := RiskMonitor{Leverage: d("10"), MaintenanceMarginRate: decimal.Zero, Mode: MarginCross}
	pos := FuturesPosition{Side: SideLong, Quantity: d("10"), EntryPrice: d("100")}
	// balance 200 absorbs a 20 point move on 10 units
	if got := r.CrossLiquidationPrice(pos, d("200"), nil); !got.Equal(d("80")) {
		t.Fatalf("cross long %s", got)
	}
	short := FuturesPosition{Side: SideShort, Quantity: d("10"), EntryPrice: d("100")}
	if got := r.CrossLiquidationPrice(short, d("200"), nil); !got.Equal(d("120")) {
		t.Fatalf("cross short %s", got)
	}
	// a losing second position eats into the shared balance
	other := FuturesPosition{Side: SideLong, Quantity: d("1"), EntryPrice: d("50"), MarkPrice: d("40")}
	if got := r.CrossLiquidationPrice(pos, d("200"), []FuturesPosition{other}); !got.Equal(d("81")) {
		t.Fatalf("cross with others %s", got)
	}
	if got := r.CrossLiquidationPrice(pos, d("5000"), nil); !got.IsZero() {
		t.Fatalf("over-collateralised position has liquidation price %s", got)
	}
}

func TestMarginBalance(t *testing.T) {
	r := RiskMonitor{InitialCapital: d("10000")}
	if got := r.MarginBalance(d("250.5"), d("12.25")); !got.Equal(d("10238.25")) {
		t.Fatalf("balance %s", got)
	}
}

func TestUnrealizedPnl(t *testing.T) {
	if got := UnrealizedPnl(SideShort, d("100"), d("90"), d("2")); !got.Equal(d("20")) {
		t.Fatalf("short %s", got)
	}
	if got := UnrealizedPnl(SideFlat, d("100"), d("90"), d("2")); !got.IsZero() {
		t.Fatalf("flat %s", got)
	}
}
