package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"backtest-engine/services/clickhouse"
	"backtest-engine/services/config"
	"backtest-engine/services/engine"
	"backtest-engine/services/feed"
	"backtest-engine/services/runner"
	"backtest-engine/strategies"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// feedOpener opens the candles of one run.
type feedOpener func(ctx context.Context, cfg engine.BacktestConfig, start, end time.Time) (engine.CandleFeed, error)

// sinkFactory builds the result sink of one run.
type sinkFactory func(runID string) engine.ResultsSink

// BacktestService accepts backtest submissions over HTTP and runs them on a
// bounded worker pool.
type BacktestService struct {
	pool     *runner.Pool
	perf     *engine.PerformanceMonitor
	defaults engine.BacktestConfig
	openFeed feedOpener
	newSink  sinkFactory
	logger   *zap.Logger
}

func NewBacktestService(pool *runner.Pool, perf *engine.PerformanceMonitor, defaults engine.BacktestConfig,
	openFeed feedOpener, newSink sinkFactory, logger *zap.Logger) *BacktestService {
	return &BacktestService{
		pool:     pool,
		perf:     perf,
		defaults: defaults,
		openFeed: openFeed,
		newSink:  newSink,
		logger:   logger,
	}
}

// csvFeeds reads <dir>/<SYMBOL>_<tf>.csv.
func csvFeeds(dir string) feedOpener {
	return func(_ context.Context, cfg engine.BacktestConfig, _, _ time.Time) (engine.CandleFeed, error) {
		name := fmt.Sprintf("%s_%s.csv", strings.ToUpper(cfg.Symbol), cfg.SignalTimeframe)
		return feed.OpenCSV(filepath.Join(dir, name))
	}
}

func clickhouseFeeds(conn driver.Conn, chCfg clickhouse.Config, logger *zap.Logger) feedOpener {
	return func(ctx context.Context, cfg engine.BacktestConfig, start, end time.Time) (engine.CandleFeed, error) {
		return clickhouse.QueryCandles(ctx, conn, chCfg, cfg.Symbol, cfg.SignalTimeframe, start, end, logger)
	}
}

func openerFor(cfg *config.Config, conn driver.Conn, logger *zap.Logger) feedOpener {
	if cfg.Engine.DataSource == "csv" {
		return csvFeeds(cfg.Engine.DataDir)
	}
	return clickhouseFeeds(conn, cfg.ClickHouse, logger)
}

type backtestRequest struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Strategy  string            `json:"strategy" binding:"required"`
	Params    map[string]string `json:"params"`
	Symbol    string            `json:"symbol" binding:"required"`
	Timeframe engine.Timeframe  `json:"timeframe"`
	Start     time.Time         `json:"start" binding:"required"`
	End       time.Time         `json:"end" binding:"required"`
	// Config overrides fields of the service defaults.
	Config json.RawMessage `json:"config"`
}

func (s *BacktestService) buildJob(req backtestRequest) (runner.Job, error) {
	strategy, err := strategies.New(req.Strategy, strategies.Params(req.Params))
	if err != nil {
		return runner.Job{}, err
	}
	if !req.End.After(req.Start) {
		return runner.Job{}, fmt.Errorf("end %s is not after start %s", req.End.Format(time.RFC3339), req.Start.Format(time.RFC3339))
	}
	cfg := s.defaults
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			return runner.Job{}, fmt.Errorf("invalid config: %w", err)
		}
	}
	cfg.Symbol = strings.ToUpper(req.Symbol)
	if req.Timeframe != "" {
		cfg.SignalTimeframe = req.Timeframe
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return runner.Job{}, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	run := engine.NewBacktestRun(id, cfg, req.Start.UTC(), req.End.UTC())
	run.UserID = req.UserID
	run.StrategyRef = strategy.Name()
	start, end := run.Start, run.End
	return runner.Job{
		Run: run,
		Feed: func(ctx context.Context) (engine.CandleFeed, error) {
			return s.openFeed(ctx, cfg, start, end)
		},
		Strategy: strategy,
		Sink:     s.newSink(id),
	}, nil
}

func (s *BacktestService) setupHTTPRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.POST("/backtests", s.handleSubmit)
		api.GET("/backtests", s.handleList)
		api.GET("/backtests/:id", s.handleGet)
		api.POST("/backtests/:id/cancel", s.handleCancel)
		api.GET("/backtests/:id/trades", s.handleTrades)
		api.GET("/backtests/:id/trades/:trade_id/replay", s.handleReplay)
		api.GET("/strategies", s.handleStrategies)
		api.GET("/health", s.handleHealthCheck)
		api.GET("/metrics", s.handleMetrics)
	}
}

func (s *BacktestService) handleSubmit(c *gin.Context) {
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.buildJob(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.pool.Submit(job); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, runner.ErrDuplicateRun):
			status = http.StatusConflict
		case errors.Is(err, runner.ErrPoolClosed):
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("Backtest submission failed", zap.String("run_id", job.Run.ID), zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"run_id":      job.Run.ID,
		"status":      job.Run.Status(),
		"config_hash": job.Run.Config.Hash(),
	})
}

func (s *BacktestService) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.pool.List()})
}

// finished returns the result of run id, writing the error response itself
// when there is none yet.
func (s *BacktestService) finished(c *gin.Context) (*engine.Result, bool) {
	st, ok := s.pool.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown run"})
		return nil, false
	}
	if st.Result == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "run has no result", "status": st.Progress.Status})
		return nil, false
	}
	return st.Result, true
}

func (s *BacktestService) handleGet(c *gin.Context) {
	st, ok := s.pool.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown run"})
		return
	}
	body := gin.H{"progress": st.Progress}
	if st.Result != nil {
		body["summary"] = st.Result.Summary
		body["manifest"] = st.Result.Manifest
	}
	if st.Err != nil {
		body["error"] = st.Err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (s *BacktestService) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if !s.pool.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown run"})
		return
	}
	s.logger.Info("Backtest cancellation requested", zap.String("run_id", id))
	c.JSON(http.StatusAccepted, gin.H{"run_id": id})
}

func (s *BacktestService) handleTrades(c *gin.Context) {
	res, ok := s.finished(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": res.Trades})
}

func (s *BacktestService) handleReplay(c *gin.Context) {
	res, ok := s.finished(c)
	if !ok {
		return
	}
	replay, ok := engine.ReplayTrade(res, c.Param("trade_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown trade"})
		return
	}
	c.JSON(http.StatusOK, replay)
}

func (s *BacktestService) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": strategies.Names()})
}

func (s *BacktestService) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"version":   engine.EngineVersion,
	})
}

func (s *BacktestService) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.perf.Results()})
}
