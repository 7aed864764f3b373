package engine

import (
	"testing"

	"github.com/shopspring/decimal"
)

// Golden first-touch cases. Bars are (open, high, low, close).
var goldenCases = []struct {
	name     string
	side     PositionSide
	bar      Bar
	tp, sl   string
	path     PricePath
	expected FirstTouchResult
}{
	{"tp_only_long", SideLong, bar(0, "100", "110", "98", "105"), "108", "95", PathAdverse, TouchTP},
	{"sl_only_short", SideShort, bar(0, "100", "106", "95", "97"), "90", "105", PathAdverse, TouchSL},
	{"both_adverse_long", SideLong, bar(0, "100", "110", "90", "105"), "108", "95", PathAdverse, TouchSL},
	{"both_favorable_long", SideLong, bar(0, "100", "110", "90", "105"), "108", "95", PathFavorable, TouchTP},
	{"both_neutral_long_high_nearer", SideLong, bar(0, "100", "104", "90", "101"), "103", "95", PathNeutral, TouchTP},
	{"both_neutral_long_tie", SideLong, bar(0, "100", "110", "90", "105"), "108", "95", PathNeutral, TouchSL},
	{"both_neutral_short_low_nearer", SideShort, bar(0, "100", "110", "97", "99"), "98", "105", PathNeutral, TouchTP},
	{"sl_gap_beats_favorable", SideLong, bar(0, "94", "110", "90", "105"), "108", "95", PathFavorable, TouchSL},
	{"tp_gap_long", SideLong, bar(0, "109", "112", "90", "111"), "108", "95", PathAdverse, TouchTP},
	{"nothing_touched", SideLong, bar(0, "100", "101", "99", "100"), "108", "95", PathAdverse, TouchNone},
	{"unset_levels", SideShort, bar(0, "100", "120", "80", "100"), "0", "0", PathAdverse, TouchNone},
	{"flat_position", SideFlat, bar(0, "100", "120", "80", "100"), "110", "90", PathAdverse, TouchNone},
}

func TestParityGoldenCases(t *testing.T) {
	for _, tc := range goldenCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveFirstTouch(tc.side, tc.bar, decimal.RequireFromString(tc.tp), decimal.RequireFromString(tc.sl), tc.path)
			if got != tc.expected {
				t.Fatalf("got %s, want %s", got, tc.expected)
			}
		})
	}
}
