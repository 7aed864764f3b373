package engine

import "github.com/shopspring/decimal"

// FirstTouchResult indicates which level was hit first
type FirstTouchResult int

const (
	TouchNone FirstTouchResult = iota
	TouchTP
	TouchSL
)

func (r FirstTouchResult) String() string {
	switch r {
	case TouchTP:
		return "TP"
	case TouchSL:
		return "SL"
	default:
		return "NONE"
	}
}

// ResolveFirstTouch determines TP/SL hit order for a position within one bar.
// A zero level is unset. A level the bar opens beyond is hit first. When both
// levels are inside the range the price path decides: adverse visits the loss
// side first, favorable the profit side, neutral whichever extremum is nearer
// the open, with equal distance going to the loss side.
func ResolveFirstTouch(side PositionSide, bar Bar, tp, sl decimal.Decimal, path PricePath) FirstTouchResult {
	var slHit, tpHit, slGap, tpGap bool
	switch side {
	case SideLong:
		slHit = !sl.IsZero() && bar.Low.LessThanOrEqual(sl)
		tpHit = !tp.IsZero() && bar.High.GreaterThanOrEqual(tp)
		slGap = slHit && bar.Open.LessThanOrEqual(sl)
		tpGap = tpHit && bar.Open.GreaterThanOrEqual(tp)
	case SideShort:
		slHit = !sl.IsZero() && bar.High.GreaterThanOrEqual(sl)
		tpHit = !tp.IsZero() && bar.Low.LessThanOrEqual(tp)
		slGap = slHit && bar.Open.GreaterThanOrEqual(sl)
		tpGap = tpHit && bar.Open.LessThanOrEqual(tp)
	default:
		return TouchNone
	}

	switch {
	case slGap:
		return TouchSL
	case tpGap:
		return TouchTP
	case slHit && tpHit:
		return bothTouched(side, bar, path)
	case slHit:
		return TouchSL
	case tpHit:
		return TouchTP
	}
	return TouchNone
}

func bothTouched(side PositionSide, bar Bar, path PricePath) FirstTouchResult {
	switch path {
	case PathFavorable:
		return TouchTP
	case PathNeutral:
		distHigh := bar.High.Sub(bar.Open).Abs()
		distLow := bar.Open.Sub(bar.Low).Abs()
		lossDist, profitDist := distLow, distHigh
		if side == SideShort {
			lossDist, profitDist = distHigh, distLow
		}
		if profitDist.LessThan(lossDist) {
			return TouchTP
		}
		return TouchSL
	default:
		return TouchSL
	}
}

// BuildSyntheticPath returns ordered price touches for a bar: open -> nearer extremum -> other extremum -> close
func BuildSyntheticPath(bar Bar) []decimal.Decimal {
	path := []decimal.Decimal{bar.Open}
	// choose which extremum is closer to open
	if bar.Open.Sub(bar.Low).Abs().LessThan(bar.High.Sub(bar.Open).Abs()) {
		path = append(path, bar.Low, bar.High)
	} else {
		path = append(path, bar.High, bar.Low)
	}
	return append(path, bar.Close)
}

// remainingPath is the part of the bar's synthetic path from the first touch of p on.
func remainingPath(bar Bar, p decimal.Decimal) []decimal.Decimal {
	path := BuildSyntheticPath(bar)
	for i := 1; i < len(path); i++ {
		lo, hi := decimal.Min(path[i-1], path[i]), decimal.Max(path[i-1], path[i])
		if p.GreaterThanOrEqual(lo) && p.LessThanOrEqual(hi) {
			return append([]decimal.Decimal{p}, path[i:]...)
		}
	}
	return []decimal.Decimal{p, bar.Close}
}

// pathFraction returns how far along the path (0..1, by travelled distance) price first reaches p.
func pathFraction(path []decimal.Decimal, p decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for i := 1; i < len(path); i++ {
		total = total.Add(path[i].Sub(path[i-1]).Abs())
	}
	if !total.IsPositive() {
		return decimal.Zero
	}
	travelled := decimal.Zero
	for i := 1; i < len(path); i++ {
		from, to := path[i-1], path[i]
		lo, hi := decimal.Min(from, to), decimal.Max(from, to)
		if p.GreaterThanOrEqual(lo) && p.LessThanOrEqual(hi) {
			return travelled.Add(p.Sub(from).Abs()).Div(total)
		}
		travelled = travelled.Add(to.Sub(from).Abs())
	}
	return decimal.NewFromInt(1)
}
