package engine

import (
	"errors"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BacktestConfig)
		ok     bool
	}{
		{"defaults", func(*BacktestConfig) {}, true},
		{"no symbol", func(c *BacktestConfig) { c.Symbol = "" }, false},
		{"zero capital", func(c *BacktestConfig) { c.InitialCapital = d("0") }, false},
		{"leverage below one", func(c *BacktestConfig) { c.Leverage = d("0.5") }, false},
		{"leverage cap", func(c *BacktestConfig) { c.Leverage = d("126") }, false},
		{"max leverage", func(c *BacktestConfig) { c.Leverage = d("125"); c.MaintenanceMarginRate = d("0.004") }, true},
		{"bad timeframe", func(c *BacktestConfig) { c.SignalTimeframe = "7m" }, false},
		{"negative slippage", func(c *BacktestConfig) { c.SlippagePercent = d("-0.001") }, false},
		{"huge commission", func(c *BacktestConfig) { c.CommissionPercent = d("0.5") }, false},
		{"unknown policy", func(c *BacktestConfig) { c.FillPolicy = "lucky" }, false},
		{"unknown path", func(c *BacktestConfig) { c.PricePathAssumption = "sideways" }, false},
		{"unknown margin mode", func(c *BacktestConfig) { c.MarginMode = "portfolio" }, false},
		{"mmr above initial margin", func(c *BacktestConfig) { c.Leverage = d("10"); c.MaintenanceMarginRate = d("0.1") }, false},
		{"margin call below mmr", func(c *BacktestConfig) { c.MarginCallRate = d("0.001") }, false},
		{"margin call in range", func(c *BacktestConfig) { c.Leverage = d("10"); c.MarginCallRate = d("0.05") }, true},
		{"negative counters", func(c *BacktestConfig) { c.MaxPendingBars = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("ETHUSDT")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected INVALID_CONFIG, got %v", err)
			}
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := BacktestConfig{Symbol: "BTCUSDT", Leverage: d("5")}.WithDefaults()
	if !cfg.Leverage.Equal(d("5")) || !cfg.InitialCapital.Equal(d("10000")) {
		t.Fatalf("leverage %s capital %s", cfg.Leverage, cfg.InitialCapital)
	}
	if cfg.FillPolicy != FillPessimistic || cfg.PricePathAssumption != PathAdverse || cfg.FundingInterval != 8*time.Hour {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if !cfg.CommissionPercent.IsZero() {
		t.Fatalf("zero commission overwritten with %s", cfg.CommissionPercent)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestMarginCallRateDefault(t *testing.T) {
	cfg := DefaultConfig("BTCUSDT")
	cfg.Leverage = d("10")
	cfg = cfg.WithDefaults()
	// halfway between 0.005 and 0.1
	if !cfg.MarginCallRate.Equal(d("0.0525")) {
		t.Fatalf("margin call rate %s", cfg.MarginCallRate)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if p := NewRiskMonitor(cfg).MarginCallPrice(SideLong, d("100")); !p.Equal(d("95.25")) {
		t.Fatalf("margin call price %s", p)
	}

	cfg.MarginCallRate = d("0.02")
	if got := cfg.WithDefaults().MarginCallRate; !got.Equal(d("0.02")) {
		t.Fatalf("explicit rate overwritten with %s", got)
	}
}

func TestConfigHash(t *testing.T) {
	a := DefaultConfig("BTCUSDT")
	b := DefaultConfig("BTCUSDT")
	if a.Hash() != b.Hash() {
		t.Fatal("equal configs hash differently")
	}
	b.SlippagePercent = d("0.0001")
	if a.Hash() == b.Hash() {
		t.Fatal("hash ignores slippage")
	}
}
