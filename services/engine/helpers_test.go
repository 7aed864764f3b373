package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// bar builds an hourly bar i hours after t0 with unit volume.
func bar(i int, o, h, l, c string) Bar {
	return Bar{
		Timestamp: t0.Add(time.Duration(i) * time.Hour),
		Open:      d(o),
		High:      d(h),
		Low:       d(l),
		Close:     d(c),
		Volume:    d("1"),
	}
}

func testConfig() BacktestConfig {
	cfg := DefaultConfig("BTCUSDT")
	cfg.CommissionPercent = decimal.Zero
	cfg.MaintenanceMarginRate = decimal.Zero
	return cfg
}

func eventTypes(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func sameTypes(got []Event, want ...EventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].Type != want[i] {
			return false
		}
	}
	return true
}
