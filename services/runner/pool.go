// Package runner schedules backtest runs on a bounded number of workers and
// keeps their handles for status queries and cancellation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"backtest-engine/services/engine"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrDuplicateRun = errors.New("run already submitted")
	ErrUnknownRun   = errors.New("unknown run")
	ErrPoolClosed   = errors.New("pool is shut down")
)

// FeedFunc opens the candle feed of a run once a worker picks it up.
type FeedFunc func(ctx context.Context) (engine.CandleFeed, error)

type Job struct {
	Run      *engine.BacktestRun
	Feed     FeedFunc
	Strategy engine.Strategy
	Sink     engine.ResultsSink
}

type handle struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
	result *engine.Result
	err    error
}

// DefaultRetention is the number of finished runs a Pool keeps by default.
const DefaultRetention = 1000

// Pool runs jobs concurrently, at most workers at a time. Jobs waiting for a
// worker stay PENDING and can be cancelled without ever starting. Finished
// runs stay queryable until more than the retention limit have finished after
// them.
type Pool struct {
	bt     *engine.Backtester
	sem    *semaphore.Weighted
	logger *zap.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	runs     map[string]*handle
	finished []string
	retain   int
	closed   bool
}

func NewPool(bt *engine.Backtester, workers int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Pool{
		bt:     bt,
		sem:    semaphore.NewWeighted(int64(workers)),
		logger: logger,
		ctx:    ctx,
		stop:   stop,
		runs:   make(map[string]*handle),
		retain: DefaultRetention,
	}
}

// Retain sets how many finished runs are kept; n < 1 keeps the default.
func (p *Pool) Retain(n int) {
	if n < 1 {
		n = DefaultRetention
	}
	p.mu.Lock()
	p.retain = n
	p.evict()
	p.mu.Unlock()
}

// retire records a finished run and drops the oldest ones over the limit.
func (p *Pool) retire(id string) {
	p.mu.Lock()
	p.finished = append(p.finished, id)
	p.evict()
	p.mu.Unlock()
}

func (p *Pool) evict() {
	for len(p.finished) > p.retain {
		id := p.finished[0]
		p.finished = p.finished[1:]
		delete(p.runs, id)
		p.logger.Debug("Evicted finished backtest run", zap.String("run_id", id))
	}
}

// Submit queues job and returns immediately.
func (p *Pool) Submit(job Job) error {
	if job.Run == nil || job.Feed == nil || job.Strategy == nil || job.Sink == nil {
		return fmt.Errorf("incomplete job")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if _, ok := p.runs[job.Run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, job.Run.ID)
	}
	ctx, cancel := context.WithCancel(p.ctx)
	h := &handle{job: job, cancel: cancel, done: make(chan struct{})}
	p.runs[job.Run.ID] = h
	p.wg.Add(1)
	go p.execute(ctx, h)
	p.logger.Info("Queued backtest run", zap.String("run_id", job.Run.ID), zap.String("strategy", job.Strategy.Name()))
	return nil
}

func (p *Pool) execute(ctx context.Context, h *handle) {
	defer p.wg.Done()
	defer p.retire(h.job.Run.ID)
	defer close(h.done)
	defer h.cancel()
	run := h.job.Run

	if err := p.sem.Acquire(ctx, 1); err != nil {
		h.err = err
		_ = run.Transition(engine.RunCancelled, "cancelled before start")
		p.logger.Info("Backtest run cancelled while queued", zap.String("run_id", run.ID))
		return
	}
	defer p.sem.Release(1)

	feed, err := h.job.Feed(ctx)
	if err != nil {
		h.err = fmt.Errorf("open candle feed: %w", err)
		_ = run.Transition(engine.RunFailed, h.err.Error())
		p.logger.Error("Failed to open candle feed", zap.String("run_id", run.ID), zap.Error(err))
		_ = h.job.Sink.ReportProgress(context.WithoutCancel(ctx), run.Snapshot())
		return
	}
	h.result, h.err = p.bt.Run(ctx, run, feed, h.job.Strategy, h.job.Sink)
}

// Cancel stops a queued or running run. It reports false for unknown IDs.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	h, ok := p.runs[id]
	p.mu.Unlock()
	if ok {
		h.cancel()
	}
	return ok
}

// Status is the current view of a run; Result is set once it has finished.
type Status struct {
	Progress engine.RunProgress
	Result   *engine.Result
	Err      error
}

func (p *Pool) Get(id string) (Status, bool) {
	p.mu.Lock()
	h, ok := p.runs[id]
	p.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	st := Status{Progress: h.job.Run.Snapshot()}
	select {
	case <-h.done:
		st.Result, st.Err = h.result, h.err
	default:
	}
	return st, true
}

// Wait blocks until run id has finished or ctx is done.
func (p *Pool) Wait(ctx context.Context, id string) (*engine.Result, error) {
	p.mu.Lock()
	h, ok := p.runs[id]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// List returns a snapshot of every known run ordered by ID.
func (p *Pool) List() []engine.RunProgress {
	p.mu.Lock()
	out := make([]engine.RunProgress, 0, len(p.runs))
	for _, h := range p.runs {
		out = append(out, h.job.Run.Snapshot())
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

// Shutdown cancels every run and waits for the workers to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.stop()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
