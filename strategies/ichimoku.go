package strategies

import (
	"fmt"

	"backtest-engine/services/engine"

	"github.com/shopspring/decimal"
)

// IchimokuBaseline trades candles that open on one side of the Kijun-sen and
// close on the other. No signal is taken during the warm-up bars.
type IchimokuBaseline struct {
	KijunLen int
	// WarmupBars is raised to three Kijun periods when set lower.
	WarmupBars     int
	TpPct          decimal.Decimal
	SlPct          decimal.Decimal
	MaxHoldingBars int
	Quantity       decimal.Decimal

	kijun *Channel
	seen  int
	hold  holdingClock
}

func NewIchimokuBaseline() *IchimokuBaseline {
	return &IchimokuBaseline{
		KijunLen:   26,
		WarmupBars: 78,
		TpPct:      decimal.RequireFromString("0.019"),
		SlPct:      decimal.RequireFromString("0.009"),
	}
}

func (s *IchimokuBaseline) Name() string { return "ichimoku_baseline" }

func (s *IchimokuBaseline) validate() error {
	if s.KijunLen < 1 {
		return fmt.Errorf("ichimoku_baseline: kijun_len must be positive, got %d", s.KijunLen)
	}
	return validPct("ichimoku_baseline", s.TpPct, s.SlPct)
}

func (s *IchimokuBaseline) warmup() int {
	if s.WarmupBars < 3*s.KijunLen {
		return 3 * s.KijunLen
	}
	return s.WarmupBars
}

func (s *IchimokuBaseline) OnCandle(bar engine.Bar, pos engine.PositionState) (*engine.Intent, error) {
	if s.kijun == nil {
		s.kijun = NewChannel(s.KijunLen)
	}
	kijun, ok := s.kijun.Update(bar)
	s.seen++

	if pos.State.Holding() {
		if s.hold.tick(pos.TradeID, s.MaxHoldingBars) {
			return &engine.Intent{Type: engine.IntentExit, Reason: fmt.Sprintf("held %d bars", s.MaxHoldingBars)}, nil
		}
		return nil, nil
	}
	if !flat(pos) || !ok || s.seen <= s.warmup() {
		return nil, nil
	}
	switch {
	case bar.Open.LessThan(kijun) && bar.Close.GreaterThan(kijun):
		return percentBracket(engine.IntentEnterLong, s.Quantity, bar.Close, s.TpPct, s.SlPct,
			fmt.Sprintf("close crossed above kijun %s", kijun.StringFixed(2))), nil
	case bar.Open.GreaterThan(kijun) && bar.Close.LessThan(kijun):
		return percentBracket(engine.IntentEnterShort, s.Quantity, bar.Close, s.TpPct, s.SlPct,
			fmt.Sprintf("close crossed below kijun %s", kijun.StringFixed(2))), nil
	}
	return nil, nil
}
