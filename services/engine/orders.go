package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderType int

const (
	OrderMarket OrderType = iota
	OrderLimit
	OrderStop
)

func (t OrderType) String() string {
	switch t {
	case OrderLimit:
		return "LIMIT"
	case OrderStop:
		return "STOP"
	default:
		return "MARKET"
	}
}

type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// Order is a request to trade. Price is the limit or stop level; for market
// orders it is the reference price at submission.
type Order struct {
	Type        OrderType
	Side        TradeSide
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	SubmittedAt time.Time
}

type FillResult struct {
	Filled                bool
	FillPrice             decimal.Decimal
	FilledAt              time.Time
	ExecutionDelaySeconds int64
	// Maker is true for passively resting fills.
	Maker bool
	// Gap is true when the bar opened beyond the order level.
	Gap        bool
	Conditions string
}

// FillEngine resolves orders against a single bar. It holds no state: the same
// order and bar always resolve to the same FillResult.
type FillEngine struct {
	Policy   FillPolicy
	Path     PricePath
	Interval time.Duration

	// route overrides the synthetic path when stamping fill times
	route []decimal.Decimal
}

func NewFillEngine(cfg BacktestConfig) FillEngine {
	return FillEngine{
		Policy:   cfg.FillPolicy,
		Path:     cfg.PricePathAssumption,
		Interval: cfg.SignalTimeframe.Duration(),
	}
}

// Resolve determines whether, when and at what price the order fills within bar.
// A zero-volume bar returns ErrNoLiquidity and leaves the order pending.
func (f FillEngine) Resolve(o Order, bar Bar) (FillResult, error) {
	if !bar.Volume.IsPositive() {
		return FillResult{}, newError(ErrNoLiquidity, "no volume at %s", bar.Timestamp.UTC().Format(time.RFC3339))
	}
	switch o.Type {
	case OrderMarket:
		res := f.fillTaker(o, bar, bar.Open)
		res.Conditions = fmt.Sprintf("market %s at open %s", o.Side, bar.Open)
		return f.stamp(o, bar, res, true), nil

	case OrderLimit:
		if gapsThroughLimit(o.Side, o.Price, bar) {
			res := FillResult{Filled: true, FillPrice: bar.Open, Maker: true, Gap: true,
				Conditions: fmt.Sprintf("limit %s %s gapped: open %s", o.Side, o.Price, bar.Open)}
			return f.stamp(o, bar, res, true), nil
		}
		if !ShouldFillLimit(o.Side, o.Price, bar, f.Policy == FillPessimistic) {
			return FillResult{}, nil
		}
		res := FillResult{Filled: true, FillPrice: o.Price, Maker: true, Conditions: limitConditions(o, bar)}
		return f.stamp(o, bar, res, false), nil

	case OrderStop:
		if gapsThroughStop(o.Side, o.Price, bar) {
			res := FillResult{Filled: true, FillPrice: bar.Open, Gap: true,
				Conditions: fmt.Sprintf("stop %s %s gapped: open %s", o.Side, o.Price, bar.Open)}
			return f.stamp(o, bar, res, true), nil
		}
		if !ShouldTriggerStop(o.Side, o.Price, bar) {
			return FillResult{}, nil
		}
		res := f.fillTaker(o, bar, o.Price)
		res.Conditions = stopConditions(o, bar)
		return f.stamp(o, bar, res, false), nil
	}
	return FillResult{}, fmt.Errorf("engine: unknown order type %d", o.Type)
}

// fillTaker prices an aggressive fill starting from base. The adverse extreme
// is the bar high for buys and the bar low for sells.
func (f FillEngine) fillTaker(o Order, bar Bar, base decimal.Decimal) FillResult {
	extreme := bar.Low
	if o.Side == TradeSideBuy {
		extreme = bar.High
	}
	price := base
	switch f.Policy {
	case FillPessimistic:
		switch f.Path {
		case PathFavorable:
		case PathNeutral:
			price = base.Add(extreme.Sub(base).Div(two))
		default:
			price = extreme
		}
	case FillRealistic:
		price = base.Add(extreme.Sub(base).Mul(wickRatio(o.Side, bar)))
	}
	return FillResult{Filled: true, FillPrice: RoundMoney(price)}
}

// stamp sets FilledAt along the synthetic intrabar path and the execution delay.
func (f FillEngine) stamp(o Order, bar Bar, res FillResult, atOpen bool) FillResult {
	res.FilledAt = bar.Timestamp
	if !atOpen && f.Interval > 0 {
		path := f.route
		if path == nil {
			path = BuildSyntheticPath(bar)
		}
		frac := pathFraction(path, res.FillPrice)
		secs := frac.Mul(decimal.NewFromInt(int64(f.Interval / time.Second))).Round(0).IntPart()
		res.FilledAt = bar.Timestamp.Add(time.Duration(secs) * time.Second)
	}
	if !o.SubmittedAt.IsZero() && res.FilledAt.After(o.SubmittedAt) {
		res.ExecutionDelaySeconds = int64(res.FilledAt.Sub(o.SubmittedAt) / time.Second)
	}
	return res
}

// after narrows bar to the prices it visits once res has filled inside it. The
// returned engine stamps later fills along that remainder and its duration.
func (f FillEngine) after(bar Bar, res FillResult) (Bar, FillEngine) {
	route := remainingPath(bar, res.FillPrice)
	rest := Bar{
		Timestamp: res.FilledAt,
		Open:      res.FillPrice,
		High:      res.FillPrice,
		Low:       res.FillPrice,
		Close:     bar.Close,
		Volume:    bar.Volume,
	}
	for _, p := range route {
		rest.High = decimal.Max(rest.High, p)
		rest.Low = decimal.Min(rest.Low, p)
	}
	f.route = route
	if f.Interval > 0 {
		f.Interval = bar.CloseTime(f.Interval).Sub(res.FilledAt)
		if f.Interval < 0 {
			f.Interval = 0
		}
	}
	return rest, f
}

// ShouldFillLimit returns true if a limit order should fill in this bar.
// With strict set the bar must trade through the limit, not merely touch it.
func ShouldFillLimit(side TradeSide, limit decimal.Decimal, bar Bar, strict bool) bool {
	if side == TradeSideBuy {
		if strict {
			return bar.Low.LessThan(limit)
		}
		return bar.Low.LessThanOrEqual(limit)
	}
	if strict {
		return bar.High.GreaterThan(limit)
	}
	return bar.High.GreaterThanOrEqual(limit)
}

// ShouldTriggerStop returns true if a stop should trigger in this bar
func ShouldTriggerStop(side TradeSide, stop decimal.Decimal, bar Bar) bool {
	if side == TradeSideBuy { // buy stop breakout up
		return bar.High.GreaterThanOrEqual(stop)
	}
	return bar.Low.LessThanOrEqual(stop)
}

func gapsThroughLimit(side TradeSide, limit decimal.Decimal, bar Bar) bool {
	if side == TradeSideBuy {
		return bar.Open.LessThanOrEqual(limit)
	}
	return bar.Open.GreaterThanOrEqual(limit)
}

func gapsThroughStop(side TradeSide, stop decimal.Decimal, bar Bar) bool {
	if side == TradeSideBuy {
		return bar.Open.GreaterThanOrEqual(stop)
	}
	return bar.Open.LessThanOrEqual(stop)
}

// wickRatio is the adverse wick length relative to the bar range.
func wickRatio(side TradeSide, bar Bar) decimal.Decimal {
	rng := bar.High.Sub(bar.Low)
	if !rng.IsPositive() {
		return decimal.Zero
	}
	var wick decimal.Decimal
	if side == TradeSideBuy {
		wick = bar.High.Sub(decimal.Max(bar.Open, bar.Close))
	} else {
		wick = decimal.Min(bar.Open, bar.Close).Sub(bar.Low)
	}
	return wick.Div(rng)
}

func limitConditions(o Order, bar Bar) string {
	if o.Side == TradeSideBuy {
		return fmt.Sprintf("limit BUY %s touched: low %s", o.Price, bar.Low)
	}
	return fmt.Sprintf("limit SELL %s touched: high %s", o.Price, bar.High)
}

func stopConditions(o Order, bar Bar) string {
	if o.Side == TradeSideBuy {
		return fmt.Sprintf("stop BUY %s triggered: high %s", o.Price, bar.High)
	}
	return fmt.Sprintf("stop SELL %s triggered: low %s", o.Price, bar.Low)
}

var two = decimal.NewFromInt(2)
