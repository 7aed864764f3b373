package strategies

import (
	"fmt"

	"backtest-engine/services/engine"

	"github.com/shopspring/decimal"
)

// DonchianBasis trades candles that cross the Donchian basis in the direction
// of the basis relative to a long EMA, with fixed percentage TP/SL.
type DonchianBasis struct {
	DonchianLen    int
	EmaLen         int
	TpPct          decimal.Decimal
	SlPct          decimal.Decimal
	MaxHoldingBars int
	Quantity       decimal.Decimal

	channel *Channel
	ema     *EMA
	hold    holdingClock
}

func NewDonchianBasis() *DonchianBasis {
	return &DonchianBasis{
		DonchianLen: 20,
		EmaLen:      200,
		TpPct:       decimal.RequireFromString("0.026"),
		SlPct:       decimal.RequireFromString("0.01"),
	}
}

func (s *DonchianBasis) Name() string { return "donchian_basis" }

func (s *DonchianBasis) validate() error {
	if s.DonchianLen < 1 || s.EmaLen < 1 {
		return fmt.Errorf("donchian_basis: periods must be positive (donchian %d, ema %d)", s.DonchianLen, s.EmaLen)
	}
	return validPct("donchian_basis", s.TpPct, s.SlPct)
}

func (s *DonchianBasis) OnCandle(bar engine.Bar, pos engine.PositionState) (*engine.Intent, error) {
	if s.channel == nil {
		s.channel, s.ema = NewChannel(s.DonchianLen), NewEMA(s.EmaLen)
	}
	basis, bok := s.channel.Update(bar)
	ema, eok := s.ema.Update(bar.Close)

	if pos.State.Holding() {
		if s.hold.tick(pos.TradeID, s.MaxHoldingBars) {
			return &engine.Intent{Type: engine.IntentExit, Reason: fmt.Sprintf("held %d bars", s.MaxHoldingBars)}, nil
		}
		return nil, nil
	}
	if !flat(pos) || !bok || !eok {
		return nil, nil
	}
	switch {
	case basis.GreaterThan(ema) && bar.Open.LessThan(basis) && bar.Close.GreaterThan(basis):
		return percentBracket(engine.IntentEnterLong, s.Quantity, bar.Close, s.TpPct, s.SlPct,
			fmt.Sprintf("close crossed above basis %s", basis.StringFixed(2))), nil
	case basis.LessThan(ema) && bar.Open.GreaterThan(basis) && bar.Close.LessThan(basis):
		return percentBracket(engine.IntentEnterShort, s.Quantity, bar.Close, s.TpPct, s.SlPct,
			fmt.Sprintf("close crossed below basis %s", basis.StringFixed(2))), nil
	}
	return nil, nil
}

func validPct(name string, tp, sl decimal.Decimal) error {
	if !tp.IsPositive() || !sl.IsPositive() || sl.GreaterThanOrEqual(one) {
		return fmt.Errorf("%s: tp_pct and sl_pct must be positive and sl_pct below 1", name)
	}
	return nil
}
