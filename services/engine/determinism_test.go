package engine

import (
	"context"
	"encoding/json"
	"testing"
)

func replay(t *testing.T, id string) []byte {
	t.Helper()
	run := newTestRun(id, 24)
	run.Config.FillPolicy = FillRealistic
	res, err := NewBacktester().Run(context.Background(), run, NewSliceFeed(ramp(24)), scripted(roundTripPlan()), NewMemorySink())
	if err != nil {
		t.Fatal(err)
	}
	out, err := json.Marshal(struct {
		Trades   []BacktestTrade
		Events   []Event
		Summary  Summary
		Manifest RunManifest
	}{res.Trades, res.Events, res.Summary, res.Manifest})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestReplayIsByteIdentical(t *testing.T) {
	a := replay(t, "run-determinism")
	b := replay(t, "run-determinism")
	if string(a) != string(b) {
		t.Fatalf("replays differ:\n%s\n%s", a, b)
	}
	if string(a) == string(replay(t, "run-other")) {
		t.Fatal("different run IDs produced identical output")
	}
}
