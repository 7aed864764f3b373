package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventCandleProcessed EventType = "CANDLE_PROCESSED"

	EventSetupDetected  EventType = "SETUP_DETECTED"
	EventSetupCancelled EventType = "SETUP_CANCELLED"
	EventIntentRejected EventType = "INTENT_REJECTED"

	EventTriggerArmed   EventType = "TRIGGER_ARMED"
	EventTriggerExpired EventType = "TRIGGER_EXPIRED"

	EventTradeOpened          EventType = "TRADE_OPENED"
	EventTradeScaled          EventType = "TRADE_SCALED"
	EventTradePartiallyClosed EventType = "TRADE_PARTIALLY_CLOSED"
	EventTradeClosed          EventType = "TRADE_CLOSED"
	EventStopUpdated          EventType = "STOP_UPDATED"
	EventStrategyError        EventType = "STRATEGY_ERROR"

	EventStopLossHit     EventType = "SL_HIT"
	EventTakeProfitHit   EventType = "TP_HIT"
	EventTrailingStopHit EventType = "TRAILING_STOP_HIT"
	EventExitSignal      EventType = "EXIT_SIGNAL"

	EventOrderFilled EventType = "ORDER_FILLED"
	EventNoLiquidity EventType = "NO_LIQUIDITY"

	EventLiquidation    EventType = "LIQUIDATION"
	EventMarginCall     EventType = "MARGIN_CALL"
	EventFundingApplied EventType = "FUNDING_APPLIED"
)

type EventCategory string

const (
	CategoryCandle    EventCategory = "candle"
	CategorySetup     EventCategory = "setup"
	CategoryTrigger   EventCategory = "trigger"
	CategoryLifecycle EventCategory = "trade_lifecycle"
	CategoryExit      EventCategory = "exit"
	CategoryFill      EventCategory = "fill"
	CategoryRisk      EventCategory = "risk"
)

func (t EventType) Category() EventCategory {
	switch t {
	case EventCandleProcessed:
		return CategoryCandle
	case EventSetupDetected, EventSetupCancelled, EventIntentRejected:
		return CategorySetup
	case EventTriggerArmed, EventTriggerExpired:
		return CategoryTrigger
	case EventStopLossHit, EventTakeProfitHit, EventTrailingStopHit, EventExitSignal:
		return CategoryExit
	case EventOrderFilled, EventNoLiquidity:
		return CategoryFill
	case EventLiquidation, EventMarginCall, EventFundingApplied:
		return CategoryRisk
	default:
		return CategoryLifecycle
	}
}

// Terminal reports whether the event closes a trade for good.
func (t EventType) Terminal() bool {
	return t == EventTradeClosed || t == EventLiquidation
}

// Detail keys carrying ledger amounts. Amounts are decimal strings.
const (
	DetailRealizedPnl      = "realized_pnl"
	DetailFees             = "fees"
	DetailSlippage         = "slippage"
	DetailTradeRealizedPnl = "trade_realized_pnl"
	DetailPrice            = "price"
	DetailQuantity         = "quantity"
	DetailReason           = "reason"
)

type Event struct {
	ID         string            `json:"id"`
	BacktestID string            `json:"backtest_id"`
	TradeID    string            `json:"trade_id,omitempty"`
	Type       EventType         `json:"event_type"`
	Category   EventCategory     `json:"category"`
	Timestamp  time.Time         `json:"timestamp"`
	Detail     map[string]string `json:"detail,omitempty"`
	Sequence   uint64            `json:"sequence"`
}

// Amount parses a decimal detail value; missing keys read as zero.
func (e Event) Amount(key string) decimal.Decimal {
	v, ok := e.Detail[key]
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(fmt.Sprintf("engine: event %s detail %s=%q is not a decimal", e.Type, key, v))
	}
	return d
}

// Recorder is the append-only, ordered event log of one run.
type Recorder struct {
	backtestID string
	ns         uuid.UUID
	seq        uint64
	last       time.Time
	terminal   map[string]EventType
	events     []Event
}

func NewRecorder(backtestID string) *Recorder {
	return &Recorder{
		backtestID: backtestID,
		ns:         runNamespace(backtestID),
		terminal:   make(map[string]EventType),
	}
}

// Record validates ordering, assigns the sequence number and ID, and appends e.
func (r *Recorder) Record(e *Event) error {
	if e.Timestamp.Before(r.last) {
		return newError(ErrOutOfOrder, "%s at %s precedes %s", e.Type,
			e.Timestamp.UTC().Format(time.RFC3339), r.last.UTC().Format(time.RFC3339))
	}
	if e.Type.Terminal() && e.TradeID != "" {
		if prev, ok := r.terminal[e.TradeID]; ok {
			return newError(ErrDuplicateTerminal, "trade %s already %s", e.TradeID, prev)
		}
		r.terminal[e.TradeID] = e.Type
	}
	r.seq++
	e.Sequence = r.seq
	e.BacktestID = r.backtestID
	e.Category = e.Type.Category()
	e.ID = uuid.NewSHA1(r.ns, []byte(fmt.Sprintf("event-%d", r.seq))).String()
	r.last = e.Timestamp
	r.events = append(r.events, *e)
	return nil
}

// Events returns a copy of the log.
func (r *Recorder) Events() []Event {
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Len() int { return len(r.events) }

// runNamespace derives the UUID namespace for IDs generated inside a run, so
// replaying the same run reproduces the same IDs.
func runNamespace(runID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("backtest-run:"+runID))
}
