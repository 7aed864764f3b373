package engine

// Futures margin, liquidation and margin-call monitoring

import "github.com/shopspring/decimal"

type FuturesPosition struct {
	Side             PositionSide
	Quantity         decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnl    decimal.Decimal
	MarginUsed       decimal.Decimal
	LiquidationPrice decimal.Decimal
}

// RiskMonitor evaluates margin state for open positions.
type RiskMonitor struct {
	InitialCapital        decimal.Decimal
	Leverage              decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
	MarginCallRate        decimal.Decimal
	Mode                  MarginMode
}

func NewRiskMonitor(cfg BacktestConfig) RiskMonitor {
	return RiskMonitor{
		InitialCapital:        cfg.InitialCapital,
		Leverage:              cfg.Leverage,
		MaintenanceMarginRate: cfg.MaintenanceMarginRate,
		MarginCallRate:        cfg.MarginCallRate,
		Mode:                  cfg.MarginMode,
	}
}

// MarginBalance = initial capital + realized PnL − cumulative fees.
func (r RiskMonitor) MarginBalance(realized, fees decimal.Decimal) decimal.Decimal {
	return r.InitialCapital.Add(realized).Sub(fees)
}

// UnrealizedPnl marks qty at mark against entry.
func UnrealizedPnl(side PositionSide, entry, mark, qty decimal.Decimal) decimal.Decimal {
	switch side {
	case SideLong:
		return RoundMoney(mark.Sub(entry).Mul(qty))
	case SideShort:
		return RoundMoney(entry.Sub(mark).Mul(qty))
	}
	return decimal.Zero
}

// LiquidationPrice for an isolated position:
// long entry × (1 − 1/leverage + mmr), short entry × (1 + 1/leverage − mmr).
func (r RiskMonitor) LiquidationPrice(side PositionSide, entry decimal.Decimal) decimal.Decimal {
	return r.thresholdPrice(side, entry, r.MaintenanceMarginRate)
}

// MarginCallPrice is reached before the liquidation price. Zero when margin calls are disabled.
func (r RiskMonitor) MarginCallPrice(side PositionSide, entry decimal.Decimal) decimal.Decimal {
	if r.MarginCallRate.IsZero() {
		return decimal.Zero
	}
	return r.thresholdPrice(side, entry, r.MarginCallRate)
}

func (r RiskMonitor) thresholdPrice(side PositionSide, entry, rate decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	inv := one.Div(r.Leverage)
	switch side {
	case SideLong:
		return RoundMoney(entry.Mul(one.Sub(inv).Add(rate)))
	case SideShort:
		return RoundMoney(entry.Mul(one.Add(inv).Sub(rate)))
	}
	return decimal.Zero
}

// CrossLiquidationPrice solves for the price of pos at which the shared balance,
// plus the unrealized PnL of the other positions, only covers maintenance margin.
// Zero means the position cannot be liquidated.
func (r RiskMonitor) CrossLiquidationPrice(pos FuturesPosition, balance decimal.Decimal, others []FuturesPosition) decimal.Decimal {
	if pos.Side == SideFlat || !pos.Quantity.IsPositive() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	avail := balance
	for _, o := range others {
		avail = avail.Add(UnrealizedPnl(o.Side, o.EntryPrice, o.MarkPrice, o.Quantity))
		avail = avail.Sub(o.MarkPrice.Mul(o.Quantity).Mul(r.MaintenanceMarginRate))
	}
	q := pos.Quantity
	var p decimal.Decimal
	if pos.Side == SideLong {
		// avail + (p − entry)·q = p·q·mmr
		p = pos.EntryPrice.Mul(q).Sub(avail).Div(q.Mul(one.Sub(r.MaintenanceMarginRate)))
	} else {
		// avail + (entry − p)·q = p·q·mmr
		p = avail.Add(pos.EntryPrice.Mul(q)).Div(q.Mul(one.Add(r.MaintenanceMarginRate)))
	}
	if !p.IsPositive() {
		return decimal.Zero
	}
	return RoundMoney(p)
}

// UpdateMarkPrice recomputes the derived fields of fp at markPrice.
func (r RiskMonitor) UpdateMarkPrice(fp *FuturesPosition, markPrice, balance decimal.Decimal) {
	fp.MarkPrice = markPrice
	fp.UnrealizedPnl = UnrealizedPnl(fp.Side, fp.EntryPrice, markPrice, fp.Quantity)
	fp.MarginUsed = RoundMoney(fp.EntryPrice.Mul(fp.Quantity).Div(r.Leverage))
	if r.Mode == MarginCross {
		fp.LiquidationPrice = r.CrossLiquidationPrice(*fp, balance, nil)
	} else {
		fp.LiquidationPrice = r.LiquidationPrice(fp.Side, fp.EntryPrice)
	}
}

// RiskCheck is the outcome of evaluating one bar against a position.
type RiskCheck struct {
	Liquidated       bool
	LiquidationPrice decimal.Decimal
	MarginCall       bool
	MarginCallPrice  decimal.Decimal
}

// Evaluate checks whether bar breaches the liquidation or margin-call
// threshold of fp. The bar low is used for longs and the bar high for shorts.
func (r RiskMonitor) Evaluate(fp FuturesPosition, bar Bar) RiskCheck {
	chk := RiskCheck{
		LiquidationPrice: fp.LiquidationPrice,
		MarginCallPrice:  r.MarginCallPrice(fp.Side, fp.EntryPrice),
	}
	chk.Liquidated = breached(fp.Side, chk.LiquidationPrice, bar)
	chk.MarginCall = !chk.Liquidated && breached(fp.Side, chk.MarginCallPrice, bar)
	return chk
}

func breached(side PositionSide, level decimal.Decimal, bar Bar) bool {
	if !level.IsPositive() {
		return false
	}
	switch side {
	case SideLong:
		return bar.Low.LessThanOrEqual(level)
	case SideShort:
		return bar.High.GreaterThanOrEqual(level)
	}
	return false
}
