package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type IntentType string

const (
	IntentHold       IntentType = "HOLD"
	IntentEnterLong  IntentType = "ENTER_LONG"
	IntentEnterShort IntentType = "ENTER_SHORT"
	IntentExit       IntentType = "EXIT"
	IntentScaleIn    IntentType = "SCALE_IN"
	IntentUpdateStop IntentType = "UPDATE_STOP"
)

// Intent is what a strategy wants done after the bar it saw. Zero prices mean
// "not set"; a zero Quantity on an entry sizes the position from the margin
// balance and leverage.
type Intent struct {
	Type      IntentType
	OrderType OrderType
	// Price is the limit or stop level for non-market entries.
	Price            decimal.Decimal
	Quantity         decimal.Decimal
	StopLoss         decimal.Decimal
	TakeProfit       decimal.Decimal
	TrailingDistance decimal.Decimal
	// Fraction of the open quantity to close on EXIT; zero closes everything.
	Fraction decimal.Decimal
	Reason   string

	// SignalTime is stamped by the engine with the close time of the bar the
	// intent was produced on.
	SignalTime time.Time
}

func (i *Intent) isEntry() bool {
	return i != nil && (i.Type == IntentEnterLong || i.Type == IntentEnterShort)
}

func (i *Intent) side() PositionSide {
	if i.Type == IntentEnterShort {
		return SideShort
	}
	return SideLong
}

// PositionState is the read-only view of the engine handed to a strategy.
type PositionState struct {
	State         TradeState
	Side          PositionSide
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
	UnrealizedPnl decimal.Decimal
	Equity        decimal.Decimal
	TradeID       string
}

// Strategy is the pluggable decision capability. Implementations are loaded
// before a run starts and must not retain or mutate the values they receive.
type Strategy interface {
	Name() string
	OnCandle(bar Bar, pos PositionState) (*Intent, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(bar Bar, pos PositionState) (*Intent, error)

func (f StrategyFunc) Name() string { return "func" }

func (f StrategyFunc) OnCandle(bar Bar, pos PositionState) (*Intent, error) { return f(bar, pos) }

// guardedStrategy is the only path from the loop into strategy code. Errors and
// panics both come back as StrategyError with the cause attached.
type guardedStrategy struct {
	s Strategy
}

func (g guardedStrategy) OnCandle(bar Bar, pos PositionState) (in *Intent, err error) {
	defer func() {
		if r := recover(); r != nil {
			in = nil
			err = newError(ErrStrategy, "%s panicked at %s: %v", g.s.Name(), bar.Timestamp.UTC().Format(time.RFC3339), r)
		}
	}()
	in, err = g.s.OnCandle(bar, pos)
	if err != nil {
		return nil, wrapError(ErrStrategy, err, "%s failed at %s", g.s.Name(), bar.Timestamp.UTC().Format(time.RFC3339))
	}
	if in != nil {
		if verr := in.validate(); verr != nil {
			return nil, wrapError(ErrStrategy, verr, "%s returned an invalid intent", g.s.Name())
		}
	}
	return in, nil
}

func (i *Intent) validate() error {
	switch i.Type {
	case IntentHold, IntentExit, IntentUpdateStop:
	case IntentEnterLong, IntentEnterShort, IntentScaleIn:
		if i.OrderType != OrderMarket && !i.Price.IsPositive() {
			return fmt.Errorf("%s %s order needs a positive price", i.Type, i.OrderType)
		}
	default:
		return fmt.Errorf("unknown intent %q", i.Type)
	}
	if i.Quantity.IsNegative() || i.StopLoss.IsNegative() || i.TakeProfit.IsNegative() || i.TrailingDistance.IsNegative() {
		return fmt.Errorf("%s carries a negative level", i.Type)
	}
	if i.Fraction.IsNegative() || i.Fraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("exit fraction %s outside [0, 1]", i.Fraction)
	}
	return nil
}
