package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

type TradeState string

const (
	StateNoPosition      TradeState = "NO_POSITION"
	StatePendingSetup    TradeState = "PENDING_SETUP"
	StatePendingTrigger  TradeState = "PENDING_TRIGGER"
	StateOpen            TradeState = "OPEN"
	StateScaled          TradeState = "SCALED"
	StatePartiallyClosed TradeState = "PARTIALLY_CLOSED"
	StateClosed          TradeState = "CLOSED"
	StateLiquidated      TradeState = "LIQUIDATED"
)

func (s TradeState) Terminal() bool { return s == StateClosed || s == StateLiquidated }

// Holding reports whether the state carries an open position.
func (s TradeState) Holding() bool {
	return s == StateOpen || s == StateScaled || s == StatePartiallyClosed
}

type ExitReason string

const (
	ExitTakeProfit    ExitReason = "TAKE_PROFIT"
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
	ExitLiquidation   ExitReason = "LIQUIDATION"
	ExitSignal        ExitReason = "SIGNAL"
	ExitStrategyError ExitReason = "STRATEGY_ERROR"
	ExitEndOfData     ExitReason = "END_OF_DATA"
)

// BacktestTrade is created when its entry fills, mutated by scale-ins and
// partial closes, and frozen once CLOSED or LIQUIDATED.
type BacktestTrade struct {
	ID                    string          `json:"id"`
	ResultID              string          `json:"result_id"`
	Symbol                string          `json:"symbol"`
	Side                  PositionSide    `json:"side"`
	SignalTime            time.Time       `json:"signal_time"`
	EntryTime             time.Time       `json:"entry_time"`
	ExitTime              time.Time       `json:"exit_time"`
	ExecutionDelaySeconds int64           `json:"execution_delay_seconds"`
	Quantity              decimal.Decimal `json:"quantity"`
	EntryPrice            decimal.Decimal `json:"entry_price"`
	ExitPrice             decimal.Decimal `json:"exit_price"`
	MakerFee              decimal.Decimal `json:"maker_fee"`
	TakerFee              decimal.Decimal `json:"taker_fee"`
	FundingFee            decimal.Decimal `json:"funding_fee"`
	Commission            decimal.Decimal `json:"commission"`
	Slippage              decimal.Decimal `json:"slippage"`
	RealizedPnl           decimal.Decimal `json:"realized_pnl"`
	MaxDrawdown           decimal.Decimal `json:"max_drawdown"`
	MaxRunup              decimal.Decimal `json:"max_runup"`
	ExitReason            ExitReason      `json:"exit_reason,omitempty"`
	FillPolicyUsed        FillPolicy      `json:"fill_policy_used"`
	FillConditionsMet     string          `json:"fill_conditions_met"`
	EntryReason           string          `json:"entry_reason"`
	State                 TradeState      `json:"state"`

	exitQty decimal.Decimal
}

// TotalFees is commission plus exchange and funding fees.
func (t *BacktestTrade) TotalFees() decimal.Decimal {
	return t.Commission.Add(t.MakerFee).Add(t.TakerFee).Add(t.FundingFee)
}

// NetPnl is realized PnL after fees and slippage.
func (t *BacktestTrade) NetPnl() decimal.Decimal {
	return t.RealizedPnl.Sub(t.TotalFees()).Sub(t.Slippage)
}

func (t *BacktestTrade) addCosts(c FillCosts) {
	t.Commission = t.Commission.Add(c.Commission)
	t.MakerFee = t.MakerFee.Add(c.MakerFee)
	t.TakerFee = t.TakerFee.Add(c.TakerFee)
	t.Slippage = t.Slippage.Add(c.Slippage)
}

// recordExit folds one exit fill into the volume-weighted exit price.
func (t *BacktestTrade) recordExit(price, qty decimal.Decimal, at time.Time) {
	t.ExitPrice = weightedAvg(t.ExitPrice, t.exitQty, price, qty)
	t.exitQty = t.exitQty.Add(qty)
	t.ExitTime = at
}

// trackExcursion widens the intra-trade drawdown/runup with an unrealized PnL sample.
func (t *BacktestTrade) trackExcursion(unrealized decimal.Decimal) {
	if unrealized.IsNegative() && unrealized.Neg().GreaterThan(t.MaxDrawdown) {
		t.MaxDrawdown = unrealized.Neg()
	}
	if unrealized.GreaterThan(t.MaxRunup) {
		t.MaxRunup = unrealized
	}
}
