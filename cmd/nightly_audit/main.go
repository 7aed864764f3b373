package main

// Nightly audit: replays every registered strategy over a candle file twice and
// checks that the runs are reproducible and that their ledgers reconcile.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"backtest-engine/services/engine"
	"backtest-engine/services/feed"
	"backtest-engine/strategies"

	"github.com/shopspring/decimal"
)

// AuditResult represents the result of an audit check
type AuditResult struct {
	CheckName string
	Status    string // "PASS", "WARN", "FAIL"
	Message   string
	Details   map[string]interface{}
	CheckedAt time.Time
}

func result(name, status, message string, details map[string]interface{}) *AuditResult {
	if details == nil {
		details = map[string]interface{}{}
	}
	return &AuditResult{CheckName: name, Status: status, Message: message, Details: details, CheckedAt: time.Now()}
}

// NightlyAudit holds the candles and configuration every check runs against.
type NightlyAudit struct {
	bars   []engine.Bar
	config engine.BacktestConfig
}

func loadBars(ctx context.Context, src engine.CandleFeed) ([]engine.Bar, error) {
	defer src.Close()
	var bars []engine.Bar
	for {
		b, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return bars, nil
		}
		if err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
}

// replay runs strategy name once. Runs share an ID so their event and trade
// IDs are comparable.
func (na *NightlyAudit) replay(ctx context.Context, name string) (*engine.Result, error) {
	s, err := strategies.New(name, nil)
	if err != nil {
		return nil, err
	}
	run := engine.NewBacktestRun("audit-"+name, na.config, time.Time{}, time.Time{})
	return engine.NewBacktester().Run(ctx, run, engine.NewSliceFeed(na.bars), s, engine.NewMemorySink())
}

// checkDeterminism compares the complete JSON encoding of two runs.
func checkDeterminism(name string, a, b *engine.Result) *AuditResult {
	check := name + "/determinism"
	ja, err := json.Marshal(a)
	if err != nil {
		return result(check, "FAIL", fmt.Sprintf("Encode failed: %v", err), nil)
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return result(check, "FAIL", fmt.Sprintf("Encode failed: %v", err), nil)
	}
	details := map[string]interface{}{
		"data_checksum": a.Manifest.DataChecksum,
		"config_hash":   a.Manifest.ConfigHash,
		"trades":        len(a.Trades),
		"events":        len(a.Events),
	}
	if !bytes.Equal(ja, jb) {
		return result(check, "FAIL", "Two runs over the same candles differ", details)
	}
	return result(check, "PASS", "Runs are identical", details)
}

// checkLedger reconciles the trades with the summary.
func checkLedger(name string, res *engine.Result) *AuditResult {
	check := name + "/ledger"
	var net decimal.Decimal
	for i := range res.Trades {
		net = net.Add(res.Trades[i].NetPnl())
	}
	s := res.Summary
	details := map[string]interface{}{
		"trades_net_pnl":  net.String(),
		"summary_net_pnl": s.NetPnl.String(),
		"final_equity":    s.FinalEquity.String(),
	}
	if !net.Equal(s.NetPnl) || !s.InitialCapital.Add(s.NetPnl).Equal(s.FinalEquity) {
		return result(check, "FAIL", "Trade PnL does not reconcile with the summary", details)
	}
	return result(check, "PASS", "Ledger reconciles", details)
}

// checkEvents verifies that event sequences are gapless and time ordered.
func checkEvents(name string, res *engine.Result) *AuditResult {
	check := name + "/event_sequence"
	for i, e := range res.Events {
		if e.Sequence != uint64(i+1) {
			return result(check, "FAIL", fmt.Sprintf("Event %d has sequence %d", i, e.Sequence), nil)
		}
		if i > 0 && e.Timestamp.Before(res.Events[i-1].Timestamp) {
			return result(check, "FAIL", fmt.Sprintf("Event %d goes back in time", e.Sequence), nil)
		}
	}
	if len(res.Events) == 0 {
		return result(check, "WARN", "Run recorded no events", nil)
	}
	return result(check, "PASS", fmt.Sprintf("%d events in order", len(res.Events)), nil)
}

func (na *NightlyAudit) auditStrategy(ctx context.Context, name string) []*AuditResult {
	first, err := na.replay(ctx, name)
	if err != nil {
		return []*AuditResult{result(name+"/run", "FAIL", fmt.Sprintf("Run failed: %v", err), nil)}
	}
	second, err := na.replay(ctx, name)
	if err != nil {
		return []*AuditResult{result(name+"/run", "FAIL", fmt.Sprintf("Second run failed: %v", err), nil)}
	}
	return []*AuditResult{
		checkDeterminism(name, first, second),
		checkLedger(name, first),
		checkEvents(name, first),
	}
}

func (na *NightlyAudit) runAllChecks(ctx context.Context, names []string) []*AuditResult {
	var results []*AuditResult
	for _, name := range names {
		results = append(results, na.auditStrategy(ctx, name)...)
	}
	return results
}

func count(results []*AuditResult) (pass, warn, fail int) {
	for _, r := range results {
		switch r.Status {
		case "PASS":
			pass++
		case "WARN":
			warn++
		case "FAIL":
			fail++
		}
	}
	return pass, warn, fail
}

// generateAuditReport writes a plain text report of results.
func generateAuditReport(w io.Writer, source string, results []*AuditResult) {
	pass, warn, fail := count(results)
	fmt.Fprintf(w, "Nightly Backtest Audit Report\n")
	fmt.Fprintf(w, "Generated: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "Candles: %s\n\n", source)

	fmt.Fprintf(w, "Summary:\n")
	fmt.Fprintf(w, "  Total checks: %d\n", len(results))
	fmt.Fprintf(w, "  Passed: %d\n", pass)
	fmt.Fprintf(w, "  Warnings: %d\n", warn)
	fmt.Fprintf(w, "  Failed: %d\n\n", fail)

	fmt.Fprintf(w, "Detailed Results:\n")
	fmt.Fprintf(w, "%s\n", strings.Repeat("=", 80))
	for _, r := range results {
		fmt.Fprintf(w, "\nCheck: %s\n", r.CheckName)
		fmt.Fprintf(w, "Status: %s\n", r.Status)
		fmt.Fprintf(w, "Message: %s\n", r.Message)
		fmt.Fprintf(w, "Checked at: %s\n", r.CheckedAt.Format(time.RFC3339))
		if len(r.Details) > 0 {
			fmt.Fprintf(w, "Details:\n")
			for key, value := range r.Details {
				fmt.Fprintf(w, "  %s: %v\n", key, value)
			}
		}
		fmt.Fprintf(w, "%s\n", strings.Repeat("-", 40))
	}
}

func main() {
	csvFile := flag.String("csv", "", "Candle CSV to audit against")
	symbol := flag.String("symbol", "BTCUSDT", "Symbol")
	timeframe := flag.String("timeframe", "1h", "Timeframe of the candles")
	only := flag.String("strategy", "", "Audit only this strategy")
	reportPath := flag.String("report", "", "Write the report here instead of stdout")
	flag.Parse()

	if *csvFile == "" {
		log.Fatal("Usage: nightly_audit -csv <candles.csv>")
	}
	ctx := context.Background()
	src, err := feed.OpenCSV(*csvFile)
	if err != nil {
		log.Fatalf("Failed to open candles: %v", err)
	}
	bars, err := loadBars(ctx, src)
	if err != nil {
		log.Fatalf("Failed to read candles: %v", err)
	}

	cfg := engine.DefaultConfig(strings.ToUpper(*symbol))
	cfg.SignalTimeframe = engine.Timeframe(*timeframe)
	audit := &NightlyAudit{bars: bars, config: cfg}

	names := strategies.Names()
	if *only != "" {
		names = []string{*only}
	}
	results := audit.runAllChecks(ctx, names)

	out := io.Writer(os.Stdout)
	if *reportPath != "" {
		f, err := os.Create(*reportPath)
		if err != nil {
			log.Fatalf("Failed to create audit report: %v", err)
		}
		defer f.Close()
		out = f
	}
	generateAuditReport(out, *csvFile, results)

	pass, warn, fail := count(results)
	log.Printf("Nightly audit completed: %d passed, %d warnings, %d failed", pass, warn, fail)

	// Exit with error code if any checks failed
	if fail > 0 {
		os.Exit(1)
	}
}
