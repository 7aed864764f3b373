package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ResultsSink receives everything a run produces. Durability is the sink's
// concern: it may buffer and write later, and it owns its retry policy.
type ResultsSink interface {
	ReportProgress(ctx context.Context, p RunProgress) error
	RecordTrade(ctx context.Context, t BacktestTrade) error
	RecordEvent(ctx context.Context, e Event) error
	Flush(ctx context.Context) error
}

// MemorySink keeps results in memory. Safe for concurrent readers.
type MemorySink struct {
	mu       sync.Mutex
	progress []RunProgress
	trades   []BacktestTrade
	events   []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) ReportProgress(_ context.Context, p RunProgress) error {
	s.mu.Lock()
	s.progress = append(s.progress, p)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) RecordTrade(_ context.Context, t BacktestTrade) error {
	s.mu.Lock()
	s.trades = append(s.trades, t)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) RecordEvent(_ context.Context, e Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Flush(context.Context) error { return nil }

func (s *MemorySink) Progress() []RunProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RunProgress(nil), s.progress...)
}

func (s *MemorySink) Trades() []BacktestTrade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BacktestTrade(nil), s.trades...)
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// TeeSink fans every call out to all of its sinks. A failing sink does not
// stop the others; their errors are joined.
type TeeSink []ResultsSink

func (t TeeSink) each(fn func(ResultsSink) error) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, fn(s))
	}
	return errors.Join(errs...)
}

func (t TeeSink) ReportProgress(ctx context.Context, p RunProgress) error {
	return t.each(func(s ResultsSink) error { return s.ReportProgress(ctx, p) })
}

func (t TeeSink) RecordTrade(ctx context.Context, tr BacktestTrade) error {
	return t.each(func(s ResultsSink) error { return s.RecordTrade(ctx, tr) })
}

func (t TeeSink) RecordEvent(ctx context.Context, e Event) error {
	return t.each(func(s ResultsSink) error { return s.RecordEvent(ctx, e) })
}

func (t TeeSink) Flush(ctx context.Context) error {
	return t.each(func(s ResultsSink) error { return s.Flush(ctx) })
}

// progressReporter forwards progress snapshots to the sink from its own
// goroutine. Offers are rate limited and only the latest pending snapshot is
// kept, so the run loop never waits on the sink.
type progressReporter struct {
	sink    ResultsSink
	limiter *rate.Limiter
	mailbox chan RunProgress
	done    chan struct{}
	log     *zap.Logger
}

func newProgressReporter(sink ResultsSink, every time.Duration, log *zap.Logger) *progressReporter {
	p := &progressReporter{
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(every), 1),
		mailbox: make(chan RunProgress, 1),
		done:    make(chan struct{}),
		log:     log,
	}
	go p.loop()
	return p
}

func (p *progressReporter) loop() {
	defer close(p.done)
	for snap := range p.mailbox {
		if err := p.sink.ReportProgress(context.Background(), snap); err != nil {
			p.log.Warn("Progress report dropped", zap.String("run_id", snap.RunID), zap.Error(err))
		}
	}
}

// offer never blocks. A snapshot still waiting in the mailbox is replaced.
func (p *progressReporter) offer(snap RunProgress) {
	if !p.limiter.Allow() {
		return
	}
	for {
		select {
		case p.mailbox <- snap:
			return
		default:
		}
		select {
		case <-p.mailbox:
		default:
		}
	}
}

// close drains the reporter and delivers final synchronously.
func (p *progressReporter) close(ctx context.Context, final RunProgress) error {
	close(p.mailbox)
	<-p.done
	return p.sink.ReportProgress(ctx, final)
}
