package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type PositionSide int

const (
	SideFlat PositionSide = iota
	SideLong
	SideShort
)

func (s PositionSide) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

func (s PositionSide) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PositionSide) UnmarshalText(b []byte) error {
	switch string(b) {
	case "LONG":
		*s = SideLong
	case "SHORT":
		*s = SideShort
	case "FLAT", "":
		*s = SideFlat
	default:
		return fmt.Errorf("engine: unknown position side %q", b)
	}
	return nil
}

// EntrySide is the order side that opens or adds to a position.
func (s PositionSide) EntrySide() TradeSide {
	if s == SideShort {
		return TradeSideSell
	}
	return TradeSideBuy
}

// ExitSide is the order side that reduces a position.
func (s PositionSide) ExitSide() TradeSide {
	if s == SideShort {
		return TradeSideBuy
	}
	return TradeSideSell
}

// AccountPosition is the open quantity of one trade. Quantity is always positive while open.
type AccountPosition struct {
	Side        PositionSide
	Quantity    decimal.Decimal
	AvgPrice    decimal.Decimal
	RealizedPnl decimal.Decimal
}

// Add increases the position, re-averaging the entry price.
func (p *AccountPosition) Add(side PositionSide, price, qty decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	if p.Side == SideFlat {
		p.Side = side
	}
	p.AvgPrice = weightedAvg(p.AvgPrice, p.Quantity, price, qty)
	p.Quantity = p.Quantity.Add(qty)
}

// Reduce closes up to qty at price and returns the realized PnL of the closed part.
func (p *AccountPosition) Reduce(price, qty decimal.Decimal) decimal.Decimal {
	if p.Side == SideFlat || !qty.IsPositive() {
		return decimal.Zero
	}
	closed := decimal.Min(p.Quantity, qty)
	realized := UnrealizedPnl(p.Side, p.AvgPrice, price, closed)
	p.RealizedPnl = p.RealizedPnl.Add(realized)
	p.Quantity = p.Quantity.Sub(closed)
	if p.Quantity.IsZero() {
		p.Side = SideFlat
		p.AvgPrice = decimal.Zero
	}
	return realized
}

func weightedAvg(p1, q1, p2, q2 decimal.Decimal) decimal.Decimal {
	total := q1.Add(q2)
	if total.IsZero() {
		return decimal.Zero
	}
	return RoundMoney(p1.Mul(q1).Add(p2.Mul(q2)).Div(total))
}
