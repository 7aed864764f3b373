// Package stats holds the performance counters shared by live bots and
// backtests. Every caller goes through Aggregate.RecordTradeClose.
package stats

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Snapshot is the persisted form of the aggregate performance stats.
type Snapshot struct {
	TotalPnl          decimal.Decimal `json:"total_pnl"`
	TotalTrades       int64           `json:"total_trades"`
	WinningTrades     int64           `json:"winning_trades"`
	LosingTrades      int64           `json:"losing_trades"`
	CurrentWinStreak  int64           `json:"current_win_streak"`
	CurrentLossStreak int64           `json:"current_loss_streak"`
	MaxWinStreak      int64           `json:"max_win_streak"`
	MaxLossStreak     int64           `json:"max_loss_streak"`
}

// WinRate is winning trades over total trades, zero before the first trade.
func (s Snapshot) WinRate() decimal.Decimal {
	if s.TotalTrades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(s.WinningTrades).Div(decimal.NewFromInt(s.TotalTrades))
}

// Aggregate applies trade closes atomically. A trade ID is counted once; a
// repeated close for the same ID is ignored.
type Aggregate struct {
	mu   sync.Mutex
	snap Snapshot
	seen map[string]struct{}
}

func New() *Aggregate {
	return &Aggregate{seen: make(map[string]struct{})}
}

// FromSnapshot resumes counting from persisted stats. Trade IDs closed before
// the snapshot are not known, so callers replaying history must start from New.
func FromSnapshot(s Snapshot) *Aggregate {
	return &Aggregate{snap: s, seen: make(map[string]struct{})}
}

// RecordTradeClose folds one closed trade into the stats and reports whether
// it was applied. A zero PnL counts as a trade but leaves the streaks alone.
func (a *Aggregate) RecordTradeClose(tradeID string, pnl decimal.Decimal) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.seen[tradeID]; dup {
		return false
	}
	a.seen[tradeID] = struct{}{}

	s := &a.snap
	s.TotalTrades++
	s.TotalPnl = s.TotalPnl.Add(pnl)
	switch pnl.Sign() {
	case 1:
		s.WinningTrades++
		s.CurrentWinStreak++
		s.CurrentLossStreak = 0
		if s.CurrentWinStreak > s.MaxWinStreak {
			s.MaxWinStreak = s.CurrentWinStreak
		}
	case -1:
		s.LosingTrades++
		s.CurrentLossStreak++
		s.CurrentWinStreak = 0
		if s.CurrentLossStreak > s.MaxLossStreak {
			s.MaxLossStreak = s.CurrentLossStreak
		}
	}
	return true
}

func (a *Aggregate) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}
