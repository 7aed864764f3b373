package strategies

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"backtest-engine/services/engine"

	"github.com/shopspring/decimal"
)

// Params are strategy settings keyed by snake_case name, as they arrive from
// YAML, JSON requests or command-line flags.
type Params map[string]string

// ParseParams reads "k=v,k=v".
func ParseParams(s string) (Params, error) {
	p := Params{}
	for _, kv := range strings.Split(s, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("strategy param %q is not key=value", kv)
		}
		p[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return p, nil
}

// binder reads typed values out of Params and keeps the first error.
type binder struct {
	p    Params
	used map[string]bool
	err  error
}

func (b *binder) setInt(key string, dst *int) {
	v, ok := b.take(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("strategy param %s: %w", key, err)
	}
	*dst = n
}

func (b *binder) setDecimal(key string, dst *decimal.Decimal) {
	v, ok := b.take(key)
	if !ok {
		return
	}
	d, err := decimal.NewFromString(v)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("strategy param %s: %w", key, err)
	}
	*dst = d
}

func (b *binder) take(key string) (string, bool) {
	b.used[key] = true
	v, ok := b.p[key]
	return v, ok
}

// finish rejects keys no field asked for, which are almost always typos.
func (b *binder) finish(name string) error {
	if b.err != nil {
		return b.err
	}
	var unknown []string
	for k := range b.p {
		if !b.used[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%s: unknown params %s", name, strings.Join(unknown, ", "))
	}
	return nil
}

type factory func(b *binder) (engine.Strategy, func() error)

var registry = map[string]factory{
	"ema_atr": func(b *binder) (engine.Strategy, func() error) {
		s := NewEMAATR()
		b.setInt("fast_len", &s.FastLen)
		b.setInt("slow_len", &s.SlowLen)
		b.setInt("atr_len", &s.ATRLen)
		b.setDecimal("body_pct_min_long", &s.BodyPctMinLong)
		b.setDecimal("body_pct_max_long", &s.BodyPctMaxLong)
		b.setDecimal("body_pct_min_short", &s.BodyPctMinShort)
		b.setDecimal("body_pct_max_short", &s.BodyPctMaxShort)
		b.setDecimal("tp_multiplier", &s.TpMultiplier)
		b.setDecimal("sl_multiplier", &s.SlMultiplier)
		b.setInt("max_holding_bars", &s.MaxHoldingBars)
		b.setDecimal("quantity", &s.Quantity)
		return s, s.validate
	},
	"donchian_basis": func(b *binder) (engine.Strategy, func() error) {
		s := NewDonchianBasis()
		b.setInt("donchian_len", &s.DonchianLen)
		b.setInt("ema_len", &s.EmaLen)
		b.setDecimal("tp_pct", &s.TpPct)
		b.setDecimal("sl_pct", &s.SlPct)
		b.setInt("max_holding_bars", &s.MaxHoldingBars)
		b.setDecimal("quantity", &s.Quantity)
		return s, s.validate
	},
	"ichimoku_baseline": func(b *binder) (engine.Strategy, func() error) {
		s := NewIchimokuBaseline()
		b.setInt("kijun_len", &s.KijunLen)
		b.setInt("warmup_bars", &s.WarmupBars)
		b.setDecimal("tp_pct", &s.TpPct)
		b.setDecimal("sl_pct", &s.SlPct)
		b.setInt("max_holding_bars", &s.MaxHoldingBars)
		b.setDecimal("quantity", &s.Quantity)
		return s, s.validate
	},
}

// New builds a fresh instance of the named strategy. Strategies keep
// indicator state, so every run needs its own instance.
func New(name string, params Params) (engine.Strategy, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (have %s)", name, strings.Join(Names(), ", "))
	}
	b := &binder{p: params, used: map[string]bool{}}
	s, validate := f(b)
	if err := b.finish(name); err != nil {
		return nil, err
	}
	if err := validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
