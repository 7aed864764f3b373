package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

var runTransitions = map[RunStatus][]RunStatus{
	RunPending: {RunRunning, RunFailed, RunCancelled},
	RunRunning: {RunCompleted, RunFailed, RunCancelled},
}

// BacktestRun is the unit of work submitted by a user. Status and progress are
// updated by the run loop and read concurrently by the API.
type BacktestRun struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	StrategyRef   string         `json:"strategy_ref"`
	ConnectionRef string         `json:"connection_ref,omitempty"`
	Symbol        string         `json:"symbol"`
	Timeframe     Timeframe      `json:"timeframe"`
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	Config        BacktestConfig `json:"config"`

	mu            sync.RWMutex
	status        RunStatus
	statusMessage string
	progress      decimal.Decimal
	updatedAt     time.Time
}

// NewBacktestRun creates a PENDING run. An empty id gets a random one.
func NewBacktestRun(id string, cfg BacktestConfig, start, end time.Time) *BacktestRun {
	if id == "" {
		id = uuid.NewString()
	}
	return &BacktestRun{
		ID:        id,
		Symbol:    cfg.Symbol,
		Timeframe: cfg.SignalTimeframe,
		Start:     start,
		End:       end,
		Config:    cfg,
		status:    RunPending,
	}
}

// Transition moves the run to next. Terminal states are absorbing.
func (r *BacktestRun) Transition(next RunStatus, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, allowed := range runTransitions[r.status] {
		if allowed == next {
			r.status = next
			r.statusMessage = message
			r.updatedAt = time.Now().UTC()
			return nil
		}
	}
	return newError(ErrInvalidTransition, "run %s cannot go from %s to %s", r.ID, r.status, next)
}

func (r *BacktestRun) setProgress(pct decimal.Decimal) {
	r.mu.Lock()
	r.progress = pct
	r.mu.Unlock()
}

// freeze stores the configuration the run executes with.
func (r *BacktestRun) freeze(cfg BacktestConfig) {
	r.mu.Lock()
	r.Config = cfg
	r.mu.Unlock()
}

// RunInfo identifies a run: who submitted it, what it replays and with which
// configuration. It does not change once the run is RUNNING.
type RunInfo struct {
	UserID        string         `json:"user_id,omitempty"`
	StrategyRef   string         `json:"strategy_ref,omitempty"`
	ConnectionRef string         `json:"connection_ref,omitempty"`
	Symbol        string         `json:"symbol"`
	Timeframe     Timeframe      `json:"timeframe"`
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	Config        BacktestConfig `json:"config"`
}

// RunProgress is a point-in-time view of a run. Timestamp is wall-clock time;
// BarTime is the open time of the last candle processed, if any.
type RunProgress struct {
	RunID         string          `json:"run_id"`
	Info          RunInfo         `json:"run"`
	Status        RunStatus       `json:"status"`
	StatusMessage string          `json:"status_message,omitempty"`
	Progress      decimal.Decimal `json:"progress"`
	Candles       int             `json:"candles"`
	Trades        int             `json:"trades"`
	Equity        decimal.Decimal `json:"equity"`
	BarTime       time.Time       `json:"bar_time,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (r *BacktestRun) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *BacktestRun) Snapshot() RunProgress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RunProgress{
		RunID: r.ID,
		Info: RunInfo{
			UserID:        r.UserID,
			StrategyRef:   r.StrategyRef,
			ConnectionRef: r.ConnectionRef,
			Symbol:        r.Symbol,
			Timeframe:     r.Timeframe,
			Start:         r.Start,
			End:           r.End,
			Config:        r.Config,
		},
		Status:        r.status,
		StatusMessage: r.statusMessage,
		Progress:      r.progress,
		Timestamp:     r.updatedAt,
	}
}
