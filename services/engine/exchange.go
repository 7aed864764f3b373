package engine

// Exchange filters and fees/slippage

import "github.com/shopspring/decimal"

// MoneyPlaces is the number of fractional digits kept on every monetary amount.
const MoneyPlaces = 8

// RoundMoney rounds half-to-even to MoneyPlaces.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.RoundBank(MoneyPlaces) }

type FeeTier struct {
	Maker decimal.Decimal // as fraction
	Taker decimal.Decimal
}

// FeeCalculator computes commissions, exchange fees, funding and slippage.
// All results are rounded with RoundMoney.
type FeeCalculator struct {
	CommissionRate decimal.Decimal
	Tier           FeeTier
	SlippageRate   decimal.Decimal
	FundingRate    decimal.Decimal
	Leverage       decimal.Decimal
}

func NewFeeCalculator(cfg BacktestConfig) FeeCalculator {
	return FeeCalculator{
		CommissionRate: cfg.CommissionPercent,
		Tier:           FeeTier{Maker: cfg.MakerFeeRate, Taker: cfg.TakerFeeRate},
		SlippageRate:   cfg.SlippagePercent,
		FundingRate:    cfg.FundingRate,
		Leverage:       cfg.Leverage,
	}
}

// Commission = quantity × fill_price × commission rate.
func (c FeeCalculator) Commission(qty, price decimal.Decimal) decimal.Decimal {
	return RoundMoney(qty.Abs().Mul(price).Mul(c.CommissionRate))
}

// ExchangeFee returns the maker or taker fee for a fill; exactly one of the two is non-zero.
func (c FeeCalculator) ExchangeFee(qty, price decimal.Decimal, maker bool) (makerFee, takerFee decimal.Decimal) {
	notional := qty.Abs().Mul(price)
	if maker {
		return RoundMoney(notional.Mul(c.Tier.Maker)), decimal.Zero
	}
	return decimal.Zero, RoundMoney(notional.Mul(c.Tier.Taker))
}

// Funding is charged once per funding interval on the committed margin:
// margin × funding_rate × leverage. margin × leverage is the position notional
// at the average entry price, so the fee is entry notional × funding_rate and
// does not follow the mark price. Longs pay a positive rate, shorts receive it.
func (c FeeCalculator) Funding(side PositionSide, margin decimal.Decimal) decimal.Decimal {
	fee := RoundMoney(margin.Abs().Mul(c.FundingRate).Mul(c.Leverage))
	if side == SideShort {
		return fee.Neg()
	}
	return fee
}

// ApplySlippage moves a taker fill against the trader by the slippage rate.
// Maker fills rest in the book and are not slipped.
func (c FeeCalculator) ApplySlippage(side TradeSide, price decimal.Decimal, maker bool) decimal.Decimal {
	if maker || c.SlippageRate.IsZero() {
		return price
	}
	adj := price.Mul(c.SlippageRate)
	if side == TradeSideBuy {
		return RoundMoney(price.Add(adj))
	}
	return RoundMoney(price.Sub(adj))
}

// Slippage = |executed − requested| × quantity.
func (c FeeCalculator) Slippage(executed, requested, qty decimal.Decimal) decimal.Decimal {
	return RoundMoney(executed.Sub(requested).Abs().Mul(qty.Abs()))
}

// FillCosts is the full cost breakdown of one fill.
type FillCosts struct {
	ExecutedPrice decimal.Decimal
	Commission    decimal.Decimal
	MakerFee      decimal.Decimal
	TakerFee      decimal.Decimal
	Slippage      decimal.Decimal
}

// Fees is the sum of commission and exchange fees, excluding slippage.
func (fc FillCosts) Fees() decimal.Decimal {
	return fc.Commission.Add(fc.MakerFee).Add(fc.TakerFee)
}

// Costs prices a fill at price for qty.
func (c FeeCalculator) Costs(side TradeSide, price, qty decimal.Decimal, maker bool) FillCosts {
	executed := c.ApplySlippage(side, price, maker)
	makerFee, takerFee := c.ExchangeFee(qty, price, maker)
	return FillCosts{
		ExecutedPrice: executed,
		Commission:    c.Commission(qty, price),
		MakerFee:      makerFee,
		TakerFee:      takerFee,
		Slippage:      c.Slippage(executed, price, qty),
	}
}

// SymbolFilters mirror exchange lot constraints.
type SymbolFilters struct {
	QtyStep     decimal.Decimal
	NotionalMin decimal.Decimal
}

// DefaultFilters allow any quantity with MoneyPlaces precision.
var DefaultFilters = SymbolFilters{QtyStep: decimal.New(1, -MoneyPlaces)}

// FloorQuantity rounds qty down to the lot step and returns zero below the minimum notional.
func (f SymbolFilters) FloorQuantity(qty, price decimal.Decimal) decimal.Decimal {
	if f.QtyStep.IsPositive() {
		qty = qty.Div(f.QtyStep).Floor().Mul(f.QtyStep)
	}
	if f.NotionalMin.IsPositive() && qty.Mul(price).LessThan(f.NotionalMin) {
		return decimal.Zero
	}
	return qty
}
