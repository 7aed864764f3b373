//! EMA/ATR Strategy Implementation
//!
//! EMA26/EMA100 trend filter with a body% candle filter and ATR-based TP/SL.

package strategies

import (
	"fmt"

	"backtest-engine/services/engine"

	"github.com/shopspring/decimal"
)

// EMAATR goes long when the fast EMA is above the slow EMA, the close is above
// the fast EMA and the candle body is inside the long band; shorts mirror it.
// The stop sits SlMultiplier ATRs from the signal close and the target
// TpMultiplier times that distance on the other side.
type EMAATR struct {
	FastLen         int
	SlowLen         int
	ATRLen          int
	BodyPctMinLong  decimal.Decimal
	BodyPctMaxLong  decimal.Decimal
	BodyPctMinShort decimal.Decimal
	BodyPctMaxShort decimal.Decimal
	TpMultiplier    decimal.Decimal
	SlMultiplier    decimal.Decimal
	// MaxHoldingBars exits a position after that many bars; zero disables it.
	MaxHoldingBars int
	// Quantity per entry; zero lets the engine size from margin and leverage.
	Quantity decimal.Decimal

	fast, slow *EMA
	atr        *ATR
	hold       holdingClock
}

func NewEMAATR() *EMAATR {
	return &EMAATR{
		FastLen:         26,
		SlowLen:         100,
		ATRLen:          14,
		BodyPctMinLong:  decimal.RequireFromString("0.002"),
		BodyPctMaxLong:  decimal.RequireFromString("0.008"),
		BodyPctMinShort: decimal.RequireFromString("-0.008"),
		BodyPctMaxShort: decimal.RequireFromString("-0.002"),
		TpMultiplier:    decimal.RequireFromString("1.8"),
		SlMultiplier:    decimal.RequireFromString("2.5"),
		MaxHoldingBars:  72,
	}
}

func (s *EMAATR) Name() string { return "ema_atr" }

func (s *EMAATR) validate() error {
	if s.FastLen < 1 || s.SlowLen < 1 || s.ATRLen < 1 {
		return fmt.Errorf("ema_atr: periods must be positive (fast %d, slow %d, atr %d)", s.FastLen, s.SlowLen, s.ATRLen)
	}
	if !s.SlMultiplier.IsPositive() || !s.TpMultiplier.IsPositive() {
		return fmt.Errorf("ema_atr: tp and sl multipliers must be positive")
	}
	if s.BodyPctMinLong.GreaterThan(s.BodyPctMaxLong) || s.BodyPctMinShort.GreaterThan(s.BodyPctMaxShort) {
		return fmt.Errorf("ema_atr: body%% band is inverted")
	}
	return nil
}

func (s *EMAATR) OnCandle(bar engine.Bar, pos engine.PositionState) (*engine.Intent, error) {
	if s.fast == nil {
		s.fast, s.slow, s.atr = NewEMA(s.FastLen), NewEMA(s.SlowLen), NewATR(s.ATRLen)
	}
	fast, fok := s.fast.Update(bar.Close)
	slow, sok := s.slow.Update(bar.Close)
	atr, aok := s.atr.Update(bar)

	if pos.State.Holding() {
		if s.hold.tick(pos.TradeID, s.MaxHoldingBars) {
			return &engine.Intent{Type: engine.IntentExit, Reason: fmt.Sprintf("held %d bars", s.MaxHoldingBars)}, nil
		}
		return nil, nil
	}
	if !flat(pos) || !fok || !sok || !aok {
		return nil, nil
	}

	body := BodyPct(bar)
	dist := atr.Mul(s.SlMultiplier)
	switch {
	case fast.GreaterThan(slow) && bar.Close.GreaterThan(fast) &&
		body.GreaterThanOrEqual(s.BodyPctMinLong) && body.LessThanOrEqual(s.BodyPctMaxLong):
		return entry(engine.IntentEnterLong, s.Quantity, bar.Close.Sub(dist), bar.Close.Add(dist.Mul(s.TpMultiplier)),
			fmt.Sprintf("ema%d>ema%d body=%s", s.FastLen, s.SlowLen, body.StringFixed(4))), nil
	case fast.LessThan(slow) && bar.Close.LessThan(fast) &&
		body.GreaterThanOrEqual(s.BodyPctMinShort) && body.LessThanOrEqual(s.BodyPctMaxShort):
		return entry(engine.IntentEnterShort, s.Quantity, bar.Close.Add(dist), bar.Close.Sub(dist.Mul(s.TpMultiplier)),
			fmt.Sprintf("ema%d<ema%d body=%s", s.FastLen, s.SlowLen, body.StringFixed(4))), nil
	}
	return nil, nil
}
