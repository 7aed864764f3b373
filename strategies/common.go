package strategies

import (
	"backtest-engine/services/engine"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// flat reports whether a new entry may be signalled.
func flat(pos engine.PositionState) bool {
	return pos.State == engine.StateNoPosition || pos.State.Terminal()
}

// entry builds a market entry intent. Levels that are not positive, as when
// a wide ATR pushes a long stop below zero, drop the signal.
func entry(typ engine.IntentType, qty, stop, target decimal.Decimal, reason string) *engine.Intent {
	if !stop.IsPositive() || !target.IsPositive() {
		return nil
	}
	return &engine.Intent{
		Type:       typ,
		OrderType:  engine.OrderMarket,
		Quantity:   qty,
		StopLoss:   engine.RoundMoney(stop),
		TakeProfit: engine.RoundMoney(target),
		Reason:     reason,
	}
}

// percentBracket places fixed percentage TP/SL levels around ref.
func percentBracket(typ engine.IntentType, qty, ref, tpPct, slPct decimal.Decimal, reason string) *engine.Intent {
	if typ == engine.IntentEnterShort {
		return entry(typ, qty, ref.Mul(one.Add(slPct)), ref.Mul(one.Sub(tpPct)), reason)
	}
	return entry(typ, qty, ref.Mul(one.Sub(slPct)), ref.Mul(one.Add(tpPct)), reason)
}

// holdingClock counts the bars the current trade has been held.
type holdingClock struct {
	trade string
	bars  int
}

// tick advances the clock and reports whether limit bars have been reached.
func (h *holdingClock) tick(tradeID string, limit int) bool {
	if tradeID != h.trade {
		h.trade, h.bars = tradeID, 0
	}
	h.bars++
	return limit > 0 && h.bars >= limit
}
