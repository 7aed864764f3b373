package engine

// Backtest orchestrator: drives one run over its candle feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"backtest-engine/services/stats"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Result is everything a run produced, also when it did not complete.
type Result struct {
	Run      *BacktestRun    `json:"-"`
	Status   RunStatus       `json:"status"`
	Trades   []BacktestTrade `json:"trades"`
	Events   []Event         `json:"events"`
	Summary  Summary         `json:"summary"`
	Manifest RunManifest     `json:"manifest"`
}

type Option func(*Backtester)

func WithLogger(l *zap.Logger) Option { return func(b *Backtester) { b.logger = l } }

// WithSharedStats also applies every trade close to s, e.g. the stats shared
// with live bots.
func WithSharedStats(s *stats.Aggregate) Option { return func(b *Backtester) { b.shared = s } }

// WithPerformanceMonitor records the throughput of every completed run in pm.
func WithPerformanceMonitor(pm *PerformanceMonitor) Option {
	return func(b *Backtester) { b.perf = pm }
}

// WithProgressInterval sets the minimum time between progress reports.
func WithProgressInterval(d time.Duration) Option {
	return func(b *Backtester) { b.progressInterval = d }
}

// Backtester executes runs. It holds no per-run state, so one Backtester may
// execute many runs concurrently.
type Backtester struct {
	logger           *zap.Logger
	shared           *stats.Aggregate
	perf             *PerformanceMonitor
	progressInterval time.Duration
}

func NewBacktester(opts ...Option) *Backtester {
	b := &Backtester{logger: zap.NewNop(), progressInterval: 250 * time.Millisecond}
	for _, o := range opts {
		o(b)
	}
	return b
}

// runState is the mutable state of one Run call.
type runState struct {
	run      *BacktestRun
	cfg      BacktestConfig
	sink     ResultsSink
	sinkCtx  context.Context
	rec      *Recorder
	agg      *Aggregator
	acct     *Account
	loader   *Loader
	reporter *progressReporter
	trades   []BacktestTrade
	candles  int
	logger   *zap.Logger
}

// Run replays feed through strategy for run. The returned Result is non-nil
// whenever the run got past configuration; its Run status tells how it ended.
func (b *Backtester) Run(ctx context.Context, run *BacktestRun, feed CandleFeed, strategy Strategy, sink ResultsSink) (*Result, error) {
	logger := b.logger.With(zap.String("run_id", run.ID), zap.String("symbol", run.Symbol))
	defer feed.Close()

	cfg := run.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		logger.Warn("Rejecting backtest configuration", zap.Error(err))
		_ = run.Transition(RunFailed, err.Error())
		return nil, err
	}
	run.freeze(cfg)
	if err := run.Transition(RunRunning, ""); err != nil {
		return nil, err
	}

	interval := cfg.SignalTimeframe.Duration()
	st := &runState{
		run:      run,
		cfg:      cfg,
		sink:     sink,
		sinkCtx:  context.WithoutCancel(ctx),
		rec:      NewRecorder(run.ID),
		agg:      NewAggregator(cfg.InitialCapital, b.shared),
		acct:     NewAccount(run.ID, cfg),
		loader:   NewLoader(feed, interval),
		reporter: newProgressReporter(sink, b.progressInterval, logger),
		logger:   logger,
	}
	started := time.Now()
	logger.Info("Starting backtest run",
		zap.String("timeframe", string(cfg.SignalTimeframe)),
		zap.String("strategy", strategy.Name()),
		zap.String("fill_policy", string(cfg.FillPolicy)),
		zap.Time("start", run.Start),
		zap.Time("end", run.End),
	)

	err := st.loop(ctx, guardedStrategy{s: strategy}, interval)
	res := st.result(strategy.Name())

	switch {
	case err == nil:
		if ferr := st.finish(RunCompleted, ""); ferr != nil {
			logger.Error("Backtest results could not be flushed", zap.Error(ferr))
			err = ferr
		}
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		logger.Info("Backtest run cancelled", zap.Int("candles", st.candles))
		if ferr := st.finish(RunCancelled, fmt.Sprintf("cancelled after %d candles", st.candles)); ferr != nil {
			logger.Warn("Flushing cancelled run failed", zap.Error(ferr))
		}
	default:
		logger.Error("Backtest run failed", zap.Error(err), zap.Int("candles", st.candles))
		if ferr := st.finish(RunFailed, err.Error()); ferr != nil {
			logger.Warn("Flushing failed run failed", zap.Error(ferr))
		}
	}
	res.Status = run.Status()
	if res.Status == RunCompleted {
		logger.Info("Backtest completed",
			zap.Duration("execution_time", time.Since(started)),
			zap.Int("candles", st.candles),
			zap.Int("trades", len(res.Trades)),
			zap.String("final_equity", res.Summary.FinalEquity.String()),
		)
		if b.perf != nil {
			for _, v := range b.perf.RecordRun(run.ID, time.Since(started), st.candles) {
				logger.Warn("Backtest SLO violated", zap.String("violation", v))
			}
		}
	}
	return res, err
}

func (st *runState) loop(ctx context.Context, strategy guardedStrategy, interval time.Duration) error {
	var (
		m       = st.acct.NewMachine()
		pending *Intent
		last    Bar
		reads   int
	)
	for {
		if every := st.cfg.CancelCheckEvery; every > 0 && reads%every == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		bar, err := st.loader.Next(ctx)
		reads++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if !st.run.Start.IsZero() && bar.Timestamp.Before(st.run.Start) {
			continue
		}
		if !st.run.End.IsZero() && !bar.Timestamp.Before(st.run.End) {
			break
		}

		if m.State().Terminal() {
			m = st.acct.NewMachine()
		}
		evs, err := m.Advance(bar, pending)
		pending = nil
		if err != nil {
			return err
		}
		if err := st.commit(m, evs); err != nil {
			return err
		}
		if st.cfg.RecordCandleEvents {
			ev := Event{Type: EventCandleProcessed, Timestamp: bar.CloseTime(interval),
				Detail: map[string]string{"close": bar.Close.String(), "volume": bar.Volume.String()}}
			if err := st.record(ev); err != nil {
				return err
			}
		}
		st.agg.Mark(m.Excursion())
		st.candles++
		last = bar

		in, serr := strategy.OnCandle(bar, m.View(bar.Close))
		if serr != nil {
			return st.abort(m, bar, interval, serr)
		}
		if in != nil {
			cp := *in
			cp.SignalTime = bar.CloseTime(interval)
			pending = &cp
		}
		if every := st.cfg.ProgressEvery; every > 0 && st.candles%every == 0 {
			st.reporter.offer(st.progress(bar))
		}
	}

	if st.candles == 0 {
		return newError(ErrNoData, "no candles for %s in [%s, %s)", st.cfg.Symbol,
			st.run.Start.UTC().Format(time.RFC3339), st.run.End.UTC().Format(time.RFC3339))
	}
	if m.State().Terminal() || m.State() == StateNoPosition {
		return nil
	}
	evs, err := m.Close(last, ExitEndOfData)
	if err != nil {
		return err
	}
	return st.commit(m, evs)
}

// abort closes whatever the strategy left open and returns the strategy error
// that fails the run.
func (st *runState) abort(m *TradeMachine, bar Bar, interval time.Duration, cause error) error {
	ev := Event{TradeID: m.TradeID(), Type: EventStrategyError, Timestamp: bar.CloseTime(interval),
		Detail: map[string]string{DetailReason: cause.Error()}}
	if err := st.record(ev); err != nil {
		return err
	}
	if !m.State().Terminal() && m.State() != StateNoPosition {
		evs, err := m.Close(bar, ExitStrategyError)
		if err != nil {
			return err
		}
		if err := st.commit(m, evs); err != nil {
			return err
		}
	}
	return cause
}

// commit records the machine's events and, once the trade is final, the trade.
func (st *runState) commit(m *TradeMachine, evs []Event) error {
	for _, ev := range evs {
		if err := st.record(ev); err != nil {
			return err
		}
	}
	if m.State().Terminal() {
		t := m.Trade()
		st.trades = append(st.trades, *t)
		if err := st.sink.RecordTrade(st.sinkCtx, *t); err != nil {
			return fmt.Errorf("record trade %s: %w", t.ID, err)
		}
	}
	return nil
}

func (st *runState) record(ev Event) error {
	if err := st.rec.Record(&ev); err != nil {
		return err
	}
	st.agg.Consume(ev)
	if err := st.sink.RecordEvent(st.sinkCtx, ev); err != nil {
		return fmt.Errorf("record event %d: %w", ev.Sequence, err)
	}
	return nil
}

func (st *runState) progress(bar Bar) RunProgress {
	pct := decimal.Zero
	if span := st.run.End.Sub(st.run.Start); !st.run.Start.IsZero() && span > 0 {
		done := bar.Timestamp.Sub(st.run.Start)
		pct = decimal.NewFromInt(int64(done)).Div(decimal.NewFromInt(int64(span))).Mul(decimal.NewFromInt(100)).Round(2)
		pct = decimal.Min(pct, decimal.NewFromInt(100))
	}
	st.run.setProgress(pct)
	p := st.run.Snapshot()
	p.Candles = st.candles
	p.Trades = len(st.trades)
	p.Equity = st.agg.Equity()
	p.BarTime = bar.Timestamp
	p.Timestamp = time.Now().UTC()
	return p
}

// finish flushes the sink, moves the run to its terminal status and delivers
// the final progress snapshot. A completed run whose results cannot be
// flushed fails instead.
func (st *runState) finish(status RunStatus, message string) error {
	ferr := st.sink.Flush(st.sinkCtx)
	if ferr != nil {
		ferr = fmt.Errorf("flush results: %w", ferr)
		if status == RunCompleted {
			status, message = RunFailed, ferr.Error()
		}
	}
	if status == RunCompleted {
		st.run.setProgress(decimal.NewFromInt(100))
	}
	if err := st.run.Transition(status, message); err != nil {
		return err
	}
	final := st.run.Snapshot()
	final.Candles = st.candles
	final.Trades = len(st.trades)
	final.Equity = st.agg.Equity()
	if st.candles > 0 {
		final.BarTime = st.loader.prev
	}
	if err := st.reporter.close(st.sinkCtx, final); err != nil {
		st.logger.Warn("Final progress report failed", zap.Error(err))
	}
	return ferr
}

func (st *runState) result(strategy string) *Result {
	end := st.run.End
	if st.candles > 0 {
		end = st.loader.prev.Add(st.cfg.SignalTimeframe.Duration())
	}
	return &Result{
		Run:     st.run,
		Trades:  st.trades,
		Events:  st.rec.Events(),
		Summary: st.agg.Summary(end),
		Manifest: RunManifest{
			RunID:         st.run.ID,
			ConfigHash:    st.cfg.Hash(),
			DataChecksum:  st.loader.Checksum(),
			StrategyName:  strategy,
			EngineVersion: EngineVersion,
			Candles:       st.candles,
		},
	}
}
