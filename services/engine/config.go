package engine

// Backtest configuration and reproducibility snapshot

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type FillPolicy string

const (
	FillOptimistic  FillPolicy = "optimistic"
	FillPessimistic FillPolicy = "pessimistic"
	FillRealistic   FillPolicy = "realistic"
)

// PricePath is the assumed order in which a bar visits its prices.
type PricePath string

const (
	PathNeutral   PricePath = "neutral"
	PathAdverse   PricePath = "adverse"
	PathFavorable PricePath = "favorable"
)

type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

var maxLeverage = decimal.NewFromInt(125)

// BacktestConfig is copied by value into a run and never mutated once the run is RUNNING.
type BacktestConfig struct {
	Symbol              string          `json:"symbol" yaml:"symbol"`
	InitialCapital      decimal.Decimal `json:"initial_capital" yaml:"initial_capital"`
	Leverage            decimal.Decimal `json:"leverage" yaml:"leverage"`
	SignalTimeframe     Timeframe       `json:"signal_timeframe" yaml:"signal_timeframe"`
	CommissionPercent   decimal.Decimal `json:"commission_percent" yaml:"commission_percent"`
	SlippagePercent     decimal.Decimal `json:"slippage_percent" yaml:"slippage_percent"`
	FillPolicy          FillPolicy      `json:"fill_policy" yaml:"fill_policy"`
	PricePathAssumption PricePath       `json:"price_path_assumption" yaml:"price_path_assumption"`

	MakerFeeRate          decimal.Decimal `json:"maker_fee_rate" yaml:"maker_fee_rate"`
	TakerFeeRate          decimal.Decimal `json:"taker_fee_rate" yaml:"taker_fee_rate"`
	FundingRate           decimal.Decimal `json:"funding_rate" yaml:"funding_rate"`
	FundingInterval       time.Duration   `json:"funding_interval" yaml:"funding_interval"`
	MaintenanceMarginRate decimal.Decimal `json:"maintenance_margin_rate" yaml:"maintenance_margin_rate"`
	MarginCallRate        decimal.Decimal `json:"margin_call_rate" yaml:"margin_call_rate"`
	MarginMode            MarginMode      `json:"margin_mode" yaml:"margin_mode"`

	// MaxPendingBars bounds how long an unfilled or illiquid order stays pending.
	MaxPendingBars     int  `json:"max_pending_bars" yaml:"max_pending_bars"`
	ProgressEvery      int  `json:"progress_every" yaml:"progress_every"`
	CancelCheckEvery   int  `json:"cancel_check_every" yaml:"cancel_check_every"`
	RecordCandleEvents bool `json:"record_candle_events" yaml:"record_candle_events"`
}

// DefaultConfig returns the configuration used for fields left unset.
func DefaultConfig(symbol string) BacktestConfig {
	return BacktestConfig{
		Symbol:                symbol,
		InitialCapital:        decimal.NewFromInt(10000),
		Leverage:              decimal.NewFromInt(1),
		SignalTimeframe:       TF1h,
		CommissionPercent:     decimal.RequireFromString("0.0004"),
		SlippagePercent:       decimal.Zero,
		FillPolicy:            FillPessimistic,
		PricePathAssumption:   PathAdverse,
		FundingInterval:       8 * time.Hour,
		MaintenanceMarginRate: decimal.RequireFromString("0.005"),
		MarginMode:            MarginIsolated,
		MaxPendingBars:        24,
		ProgressEvery:         500,
		CancelCheckEvery:      1,
	}
}

// WithDefaults fills zero-valued enum and sizing fields from DefaultConfig.
// Rates left at zero stay zero, except MarginCallRate, which defaults to
// halfway between the maintenance rate and the initial margin rate 1/leverage.
func (c BacktestConfig) WithDefaults() BacktestConfig {
	d := DefaultConfig(c.Symbol)
	if c.InitialCapital.IsZero() {
		c.InitialCapital = d.InitialCapital
	}
	if c.Leverage.IsZero() {
		c.Leverage = d.Leverage
	}
	if c.SignalTimeframe == "" {
		c.SignalTimeframe = d.SignalTimeframe
	}
	if c.FillPolicy == "" {
		c.FillPolicy = d.FillPolicy
	}
	if c.PricePathAssumption == "" {
		c.PricePathAssumption = d.PricePathAssumption
	}
	if c.FundingInterval == 0 {
		c.FundingInterval = d.FundingInterval
	}
	if c.MarginMode == "" {
		c.MarginMode = d.MarginMode
	}
	if c.MaxPendingBars == 0 {
		c.MaxPendingBars = d.MaxPendingBars
	}
	if c.ProgressEvery == 0 {
		c.ProgressEvery = d.ProgressEvery
	}
	if c.CancelCheckEvery == 0 {
		c.CancelCheckEvery = d.CancelCheckEvery
	}
	if c.MarginCallRate.IsZero() && c.Leverage.IsPositive() {
		initial := decimal.NewFromInt(1).Div(c.Leverage)
		if initial.GreaterThan(c.MaintenanceMarginRate) {
			c.MarginCallRate = c.MaintenanceMarginRate.Add(initial.Sub(c.MaintenanceMarginRate).Div(decimal.NewFromInt(2)))
		}
	}
	return c
}

// Validate rejects configurations that cannot start a run.
func (c BacktestConfig) Validate() error {
	one := decimal.NewFromInt(1)
	tenth := decimal.RequireFromString("0.1")
	switch {
	case c.Symbol == "":
		return newError(ErrInvalidConfig, "symbol is required")
	case !c.InitialCapital.IsPositive():
		return newError(ErrInvalidConfig, "initial_capital must be positive, got %s", c.InitialCapital)
	case c.Leverage.LessThan(one) || c.Leverage.GreaterThan(maxLeverage):
		return newError(ErrInvalidConfig, "leverage must be within [1, %s], got %s", maxLeverage, c.Leverage)
	case !c.SignalTimeframe.Valid():
		return newError(ErrInvalidConfig, "unsupported signal_timeframe %q", c.SignalTimeframe)
	case c.CommissionPercent.IsNegative() || c.CommissionPercent.GreaterThan(tenth):
		return newError(ErrInvalidConfig, "commission_percent must be within [0, 0.1], got %s", c.CommissionPercent)
	case c.SlippagePercent.IsNegative() || c.SlippagePercent.GreaterThan(tenth):
		return newError(ErrInvalidConfig, "slippage_percent must be within [0, 0.1], got %s", c.SlippagePercent)
	case c.MakerFeeRate.IsNegative() || c.MakerFeeRate.GreaterThan(tenth):
		return newError(ErrInvalidConfig, "maker_fee_rate must be within [0, 0.1], got %s", c.MakerFeeRate)
	case c.TakerFeeRate.IsNegative() || c.TakerFeeRate.GreaterThan(tenth):
		return newError(ErrInvalidConfig, "taker_fee_rate must be within [0, 0.1], got %s", c.TakerFeeRate)
	case c.FundingRate.Abs().GreaterThan(tenth):
		return newError(ErrInvalidConfig, "funding_rate must be within [-0.1, 0.1], got %s", c.FundingRate)
	case c.FundingInterval <= 0:
		return newError(ErrInvalidConfig, "funding_interval must be positive")
	case c.MaxPendingBars < 0 || c.ProgressEvery < 0 || c.CancelCheckEvery < 0:
		return newError(ErrInvalidConfig, "bar counters must not be negative")
	}

	switch c.FillPolicy {
	case FillOptimistic, FillPessimistic, FillRealistic:
	default:
		return newError(ErrInvalidConfig, "unknown fill_policy %q", c.FillPolicy)
	}
	switch c.PricePathAssumption {
	case PathNeutral, PathAdverse, PathFavorable:
	default:
		return newError(ErrInvalidConfig, "unknown price_path_assumption %q", c.PricePathAssumption)
	}
	switch c.MarginMode {
	case MarginIsolated, MarginCross:
	default:
		return newError(ErrInvalidConfig, "unknown margin_mode %q", c.MarginMode)
	}

	initialMargin := one.Div(c.Leverage)
	if c.MaintenanceMarginRate.IsNegative() || !c.MaintenanceMarginRate.LessThan(initialMargin) {
		return newError(ErrInvalidConfig, "maintenance_margin_rate must be within [0, 1/leverage), got %s", c.MaintenanceMarginRate)
	}
	if !c.MarginCallRate.IsZero() &&
		(!c.MarginCallRate.GreaterThan(c.MaintenanceMarginRate) || !c.MarginCallRate.LessThan(initialMargin)) {
		return newError(ErrInvalidConfig, "margin_call_rate must be within (maintenance_margin_rate, 1/leverage), got %s", c.MarginCallRate)
	}
	return nil
}

// Hash is the SHA-256 of the canonical JSON encoding, recorded in the run manifest.
func (c BacktestConfig) Hash() string {
	b, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("engine: marshal config: %v", err))
	}
	return fmt.Sprintf("%x", sha256.Sum256(b))
}

// Run manifest with full reproducibility
type RunManifest struct {
	RunID         string `json:"run_id"`
	ConfigHash    string `json:"config_hash"`
	DataChecksum  string `json:"data_checksum"`
	StrategyName  string `json:"strategy_name"`
	EngineVersion string `json:"engine_version"`
	Candles       int    `json:"candles"`
}

const EngineVersion = "1.4.0"
