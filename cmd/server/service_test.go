package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"backtest-engine/services/engine"
	"backtest-engine/services/runner"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func rising(n int) []engine.Bar {
	bars := make([]engine.Bar, n)
	for i := range bars {
		c := decimal.NewFromInt(int64(100 + i))
		o := c.Sub(decimal.RequireFromString("0.5"))
		bars[i] = engine.Bar{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      o,
			High:      c.Add(decimal.RequireFromString("0.5")),
			Low:       o.Sub(decimal.RequireFromString("0.5")),
			Close:     c,
			Volume:    decimal.NewFromInt(10),
		}
	}
	return bars
}

func newTestService(t *testing.T, open feedOpener) (*gin.Engine, *runner.Pool) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	perf := engine.NewPerformanceMonitor(engine.SLOConfig{})
	pool := runner.NewPool(engine.NewBacktester(engine.WithPerformanceMonitor(perf)), 2, nil)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })
	svc := NewBacktestService(pool, perf, engine.DefaultConfig(""), open,
		func(string) engine.ResultsSink { return engine.NewMemorySink() }, zap.NewNop())
	r := gin.New()
	r.Use(requestID())
	svc.setupHTTPRoutes(r)
	return r, pool
}

func sliceFeeds(bars []engine.Bar) feedOpener {
	return func(context.Context, engine.BacktestConfig, time.Time, time.Time) (engine.CandleFeed, error) {
		return engine.NewSliceFeed(bars), nil
	}
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]json.RawMessage
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

const submitBody = `{
	"id": "run-1",
	"strategy": "ema_atr",
	"params": {"fast_len": "2", "slow_len": "3", "atr_len": "2", "quantity": "1", "max_holding_bars": "3"},
	"symbol": "btcusdt",
	"timeframe": "1h",
	"start": "2024-01-01T00:00:00Z",
	"end": "2024-01-01T12:00:00Z",
	"config": {"initial_capital": "5000"}
}`

func TestSubmitRunAndInspect(t *testing.T) {
	r, pool := newTestService(t, sliceFeeds(rising(12)))

	w, body := do(t, r, http.MethodPost, "/api/v1/backtests", submitBody)
	if w.Code != http.StatusAccepted || string(body["run_id"]) != `"run-1"` {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := pool.Wait(ctx, "run-1")
	if err != nil || res.Status != engine.RunCompleted {
		t.Fatalf("run: %+v %v", res, err)
	}
	if !res.Summary.InitialCapital.Equal(decimal.NewFromInt(5000)) || res.Manifest.Candles != 12 {
		t.Fatalf("summary %+v manifest %+v", res.Summary, res.Manifest)
	}
	if res.Trades[0].Symbol != "BTCUSDT" {
		t.Fatalf("symbol %s", res.Trades[0].Symbol)
	}

	w, body = do(t, r, http.MethodGet, "/api/v1/backtests/run-1", "")
	if w.Code != http.StatusOK || body["summary"] == nil || !strings.Contains(string(body["progress"]), `"COMPLETED"`) {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}

	w, body = do(t, r, http.MethodGet, "/api/v1/backtests/run-1/trades", "")
	var trades []engine.BacktestTrade
	if w.Code != http.StatusOK || json.Unmarshal(body["trades"], &trades) != nil || len(trades) != len(res.Trades) {
		t.Fatalf("trades: %d %s", w.Code, w.Body.String())
	}

	w, body = do(t, r, http.MethodGet, "/api/v1/backtests/run-1/trades/"+trades[0].ID+"/replay", "")
	if w.Code != http.StatusOK || string(body["trade_id"]) != `"`+trades[0].ID+`"` {
		t.Fatalf("replay: %d %s", w.Code, w.Body.String())
	}
	w, _ = do(t, r, http.MethodGet, "/api/v1/backtests/run-1/trades/nope/replay", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("replay of unknown trade: %d", w.Code)
	}

	w, body = do(t, r, http.MethodGet, "/api/v1/backtests", "")
	if w.Code != http.StatusOK || !strings.Contains(string(body["runs"]), `"run-1"`) {
		t.Fatalf("list: %s", w.Body.String())
	}
	w, body = do(t, r, http.MethodGet, "/api/v1/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(string(body["runs"]), `"run-1"`) {
		t.Fatalf("metrics: %s", w.Body.String())
	}

	w, _ = do(t, r, http.MethodPost, "/api/v1/backtests", submitBody)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate submit: %d", w.Code)
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	r, _ := newTestService(t, sliceFeeds(rising(3)))
	cases := map[string]string{
		"not json":         `{`,
		"missing strategy": `{"symbol":"BTCUSDT","start":"2024-01-01T00:00:00Z","end":"2024-01-02T00:00:00Z"}`,
		"unknown strategy": `{"strategy":"macd","symbol":"BTCUSDT","start":"2024-01-01T00:00:00Z","end":"2024-01-02T00:00:00Z"}`,
		"bad param":        `{"strategy":"ema_atr","params":{"fast":"1"},"symbol":"BTCUSDT","start":"2024-01-01T00:00:00Z","end":"2024-01-02T00:00:00Z"}`,
		"reversed range":   `{"strategy":"ema_atr","symbol":"BTCUSDT","start":"2024-01-02T00:00:00Z","end":"2024-01-01T00:00:00Z"}`,
		"bad timeframe":    `{"strategy":"ema_atr","symbol":"BTCUSDT","timeframe":"7m","start":"2024-01-01T00:00:00Z","end":"2024-01-02T00:00:00Z"}`,
		"bad leverage":     `{"strategy":"ema_atr","symbol":"BTCUSDT","start":"2024-01-01T00:00:00Z","end":"2024-01-02T00:00:00Z","config":{"leverage":"500"}}`,
	}
	for name, body := range cases {
		if w, _ := do(t, r, http.MethodPost, "/api/v1/backtests", body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d %s", name, w.Code, w.Body.String())
		}
	}
}

func TestUnknownAndUnfinishedRuns(t *testing.T) {
	gate := make(chan struct{})
	r, pool := newTestService(t, func(ctx context.Context, _ engine.BacktestConfig, _, _ time.Time) (engine.CandleFeed, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return engine.NewSliceFeed(rising(3)), nil
	})
	for _, path := range []string{"/api/v1/backtests/nope", "/api/v1/backtests/nope/trades"} {
		if w, _ := do(t, r, http.MethodGet, path, ""); w.Code != http.StatusNotFound {
			t.Fatalf("%s: %d", path, w.Code)
		}
	}
	if w, _ := do(t, r, http.MethodPost, "/api/v1/backtests/nope/cancel", ""); w.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown: %d", w.Code)
	}

	body := strings.Replace(submitBody, `"run-1"`, `"slow"`, 1)
	if w, _ := do(t, r, http.MethodPost, "/api/v1/backtests", body); w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	if w, _ := do(t, r, http.MethodGet, "/api/v1/backtests/slow/trades", ""); w.Code != http.StatusConflict {
		t.Fatalf("trades before finish: %d", w.Code)
	}
	if w, _ := do(t, r, http.MethodPost, "/api/v1/backtests/slow/cancel", ""); w.Code != http.StatusAccepted {
		t.Fatalf("cancel: %d", w.Code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := pool.Wait(ctx, "slow"); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cancelled run: %v", err)
	}
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(newIPLimiter(1, 2).middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	codes := make([]int, 3)
	for i := range codes {
		w, _ := do(t, r, http.MethodGet, "/ping", "")
		codes[i] = w.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes %v", codes)
	}
}

func TestStrategiesAndHealth(t *testing.T) {
	r, _ := newTestService(t, sliceFeeds(nil))
	w, body := do(t, r, http.MethodGet, "/api/v1/strategies", "")
	if w.Code != http.StatusOK || !strings.Contains(string(body["strategies"]), "donchian_basis") {
		t.Fatalf("strategies: %s", w.Body.String())
	}
	w, body = do(t, r, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK || string(body["status"]) != `"healthy"` {
		t.Fatalf("health: %s", w.Body.String())
	}
}
