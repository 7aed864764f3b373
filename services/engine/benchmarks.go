package engine

// Run throughput tracking against service-level objectives

import (
	"fmt"
	"sync"
	"time"
)

type BenchmarkResult struct {
	Name       string        `json:"name"`
	Duration   time.Duration `json:"duration"`
	Candles    int           `json:"candles"`
	BarsPerSec float64       `json:"bars_per_sec"`
}

type SLOConfig struct {
	MaxRunDuration time.Duration
	MinBarsPerSec  float64
}

// PerformanceMonitor keeps the throughput of finished runs. It is shared by
// concurrent runs.
type PerformanceMonitor struct {
	config SLOConfig

	mu      sync.Mutex
	results []BenchmarkResult
}

func NewPerformanceMonitor(config SLOConfig) *PerformanceMonitor {
	return &PerformanceMonitor{config: config}
}

// RecordRun stores one run and returns its SLO violations, if any.
func (pm *PerformanceMonitor) RecordRun(name string, duration time.Duration, candles int) []string {
	result := BenchmarkResult{Name: name, Duration: duration, Candles: candles}
	if duration > 0 {
		result.BarsPerSec = float64(candles) / duration.Seconds()
	}

	pm.mu.Lock()
	pm.results = append(pm.results, result)
	pm.mu.Unlock()

	return pm.check(result)
}

func (pm *PerformanceMonitor) check(result BenchmarkResult) []string {
	var violations []string
	if pm.config.MaxRunDuration > 0 && result.Duration > pm.config.MaxRunDuration {
		violations = append(violations, fmt.Sprintf("%s took %s, limit %s", result.Name, result.Duration, pm.config.MaxRunDuration))
	}
	// very short runs say nothing about throughput
	if pm.config.MinBarsPerSec > 0 && result.Duration >= time.Second && result.BarsPerSec < pm.config.MinBarsPerSec {
		violations = append(violations, fmt.Sprintf("%s ran %.0f bars/sec, minimum %.0f", result.Name, result.BarsPerSec, pm.config.MinBarsPerSec))
	}
	return violations
}

func (pm *PerformanceMonitor) Results() []BenchmarkResult {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return append([]BenchmarkResult(nil), pm.results...)
}
