package engine

// One-trade replay: the event trail of a trade and why it ended the way it did

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeReplay is the audit view of a single trade.
type TradeReplay struct {
	TradeID   string     `json:"trade_id"`
	Symbol    string     `json:"symbol"`
	Side      string     `json:"side"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	Events    []Event    `json:"events"`
	Outcome   ExitReason `json:"outcome"`
	// Path is the price path assumption the exits were resolved under.
	Path      PricePath       `json:"path"`
	NetPnl    decimal.Decimal `json:"net_pnl"`
	Rationale string          `json:"rationale"`
}

// ReplayTrade collects the events of tradeID from res. It returns false when
// the run has no such trade.
func ReplayTrade(res *Result, tradeID string) (*TradeReplay, bool) {
	var trade *BacktestTrade
	for i := range res.Trades {
		if res.Trades[i].ID == tradeID {
			trade = &res.Trades[i]
			break
		}
	}
	if trade == nil {
		return nil, false
	}

	r := &TradeReplay{
		TradeID: trade.ID,
		Symbol:  trade.Symbol,
		Side:    trade.Side.String(),
		EndTime: trade.ExitTime,
		Outcome: trade.ExitReason,
		NetPnl:  trade.NetPnl(),
	}
	if res.Run != nil {
		r.Path = res.Run.Config.PricePathAssumption
	}
	for _, e := range res.Events {
		if e.TradeID != tradeID {
			continue
		}
		if len(r.Events) == 0 {
			r.StartTime = e.Timestamp
		}
		r.Events = append(r.Events, e)
	}
	r.Rationale = r.explain()
	return r, true
}

// explain says why the exit that closed the trade won.
func (r *TradeReplay) explain() string {
	var hit, fill *Event
	for i := range r.Events {
		switch r.Events[i].Type {
		case EventStopLossHit, EventTakeProfitHit, EventTrailingStopHit, EventExitSignal:
			hit = &r.Events[i]
		case EventOrderFilled:
			fill = &r.Events[i]
		}
	}
	conditions := ""
	if fill != nil {
		conditions = fill.Detail["fill_conditions"]
	}

	switch r.Outcome {
	case ExitTakeProfit, ExitStopLoss, ExitTrailingStop:
		if hit == nil {
			return fmt.Sprintf("%s without a recorded trigger", r.Outcome)
		}
		return fmt.Sprintf("%s reached first at %s under the %s path (%s)",
			strings.ToLower(string(hit.Type)), hit.Detail[DetailPrice], r.Path, conditions)
	case ExitLiquidation:
		return fmt.Sprintf("liquidation price breached; stops were not considered (%s)", conditions)
	case ExitSignal:
		return "strategy requested the exit"
	case "":
		return "trade still open"
	}
	return fmt.Sprintf("closed by the engine: %s", r.Outcome)
}
