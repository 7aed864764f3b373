package strategies

import (
	"backtest-engine/services/engine"

	"github.com/shopspring/decimal"
)

// indicatorPlaces bounds the scale of smoothed values; without it every
// multiplication by alpha would grow the decimal.
const indicatorPlaces = 12

var two = decimal.NewFromInt(2)

// EMA is an exponential moving average seeded with the simple average of its
// first period inputs, alpha = 2/(period+1).
type EMA struct {
	period int
	alpha  decimal.Decimal
	n      int
	sum    decimal.Decimal
	value  decimal.Decimal
}

func NewEMA(period int) *EMA {
	return &EMA{period: period, alpha: two.Div(decimal.NewFromInt(int64(period + 1)))}
}

// Update folds v in and returns the average once it is warmed up.
func (e *EMA) Update(v decimal.Decimal) (decimal.Decimal, bool) {
	e.n++
	switch {
	case e.n < e.period:
		e.sum = e.sum.Add(v)
		return decimal.Zero, false
	case e.n == e.period:
		e.sum = e.sum.Add(v)
		e.value = e.sum.Div(decimal.NewFromInt(int64(e.period))).Round(indicatorPlaces)
	default:
		e.value = e.value.Add(v.Sub(e.value).Mul(e.alpha)).Round(indicatorPlaces)
	}
	return e.value, true
}

func (e *EMA) Ready() bool { return e.n >= e.period }

func (e *EMA) Value() decimal.Decimal { return e.value }

// ATR is Wilder's average true range. The first bar only provides the previous
// close; the average is seeded with the mean of the next period true ranges.
type ATR struct {
	period    int
	n         int
	prevClose decimal.Decimal
	sum       decimal.Decimal
	value     decimal.Decimal
}

func NewATR(period int) *ATR { return &ATR{period: period} }

func (a *ATR) Update(b engine.Bar) (decimal.Decimal, bool) {
	a.n++
	if a.n == 1 {
		a.prevClose = b.Close
		return decimal.Zero, false
	}
	tr := TrueRange(b, a.prevClose)
	a.prevClose = b.Close
	p := decimal.NewFromInt(int64(a.period))
	switch k := a.n - 1; {
	case k < a.period:
		a.sum = a.sum.Add(tr)
		return decimal.Zero, false
	case k == a.period:
		a.sum = a.sum.Add(tr)
		a.value = a.sum.Div(p).Round(indicatorPlaces)
	default:
		a.value = a.value.Mul(p.Sub(decimal.NewFromInt(1))).Add(tr).Div(p).Round(indicatorPlaces)
	}
	return a.value, true
}

func (a *ATR) Ready() bool { return a.n > a.period }

func (a *ATR) Value() decimal.Decimal { return a.value }

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(b engine.Bar, prevClose decimal.Decimal) decimal.Decimal {
	return decimal.Max(b.High.Sub(b.Low), b.High.Sub(prevClose).Abs(), b.Low.Sub(prevClose).Abs())
}

// Channel tracks the highest high and lowest low over an inclusive window.
// Its midpoint is the Donchian basis, and over 26 bars the Ichimoku Kijun-sen.
type Channel struct {
	period int
	highs  []decimal.Decimal
	lows   []decimal.Decimal
}

func NewChannel(period int) *Channel {
	return &Channel{period: period, highs: make([]decimal.Decimal, 0, period), lows: make([]decimal.Decimal, 0, period)}
}

// Update returns the window midpoint once period bars have been seen.
func (c *Channel) Update(b engine.Bar) (decimal.Decimal, bool) {
	if len(c.highs) == c.period {
		c.highs = append(c.highs[:0], c.highs[1:]...)
		c.lows = append(c.lows[:0], c.lows[1:]...)
	}
	c.highs = append(c.highs, b.High)
	c.lows = append(c.lows, b.Low)
	if len(c.highs) < c.period {
		return decimal.Zero, false
	}
	return c.Mid(), true
}

func (c *Channel) Upper() decimal.Decimal { return decimal.Max(c.highs[0], c.highs[1:]...) }

func (c *Channel) Lower() decimal.Decimal { return decimal.Min(c.lows[0], c.lows[1:]...) }

func (c *Channel) Mid() decimal.Decimal { return c.Upper().Add(c.Lower()).Div(two) }

// BodyPct is the signed candle body relative to the open: (close-open)/open.
func BodyPct(b engine.Bar) decimal.Decimal {
	if b.Open.IsZero() {
		return decimal.Zero
	}
	return b.Close.Sub(b.Open).Div(b.Open)
}
