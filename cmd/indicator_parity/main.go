// Indicator Parity - recomputes the strategy EMA and ATR over a candle CSV and
// compares them with a reference export (e.g. from a charting platform).
//
// The reference CSV needs a time column (open_time_ms, time or timestamp, in
// epoch milliseconds) and an ema and/or atr column. Every candle is written to
// the output CSV with the computed value, the reference and the difference.

package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"backtest-engine/services/engine"
	"backtest-engine/services/feed"
	"backtest-engine/strategies"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type reference struct {
	EMA, ATR *decimal.Decimal
}

type parityRow struct {
	Bar      engine.Bar
	EMA, ATR *decimal.Decimal
	Ref      reference
	DiffEMA  *decimal.Decimal
	DiffATR  *decimal.Decimal
}

func (r parityRow) mismatch(tol decimal.Decimal) bool {
	return (r.DiffEMA != nil && r.DiffEMA.GreaterThan(tol)) || (r.DiffATR != nil && r.DiffATR.GreaterThan(tol))
}

func loadReference(r io.Reader) (map[int64]reference, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return map[int64]reference{}, nil
	}
	if err != nil {
		return nil, err
	}
	idxTime, idxEMA, idxATR := -1, -1, -1
	for i, h := range header {
		switch hl := strings.ToLower(strings.TrimSpace(h)); {
		case hl == "open_time_ms" || hl == "time" || hl == "timestamp":
			idxTime = i
		case strings.Contains(hl, "ema"):
			idxEMA = i
		case strings.Contains(hl, "atr"):
			idxATR = i
		}
	}
	if idxTime < 0 || (idxEMA < 0 && idxATR < 0) {
		return nil, fmt.Errorf("reference header %v: need a time column and an ema or atr column", header)
	}

	column := func(rec []string, idx, line int) (*decimal.Decimal, error) {
		if idx < 0 || idx >= len(rec) || strings.TrimSpace(rec[idx]) == "" {
			return nil, nil
		}
		v, err := decimal.NewFromString(strings.TrimSpace(rec[idx]))
		if err != nil {
			return nil, fmt.Errorf("reference line %d: %w", line, err)
		}
		return &v, nil
	}
	ref := make(map[int64]reference)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return ref, nil
		}
		if err != nil {
			return nil, err
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(rec[idxTime]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("reference line %d: invalid time: %w", line, err)
		}
		var row reference
		if row.EMA, err = column(rec, idxEMA, line); err != nil {
			return nil, err
		}
		if row.ATR, err = column(rec, idxATR, line); err != nil {
			return nil, err
		}
		ref[ms] = row
	}
}

// compute runs the indicators over src and attaches the reference values.
func compute(ctx context.Context, src engine.CandleFeed, emaLen, atrLen int, ref map[int64]reference) ([]parityRow, error) {
	ema, atr := strategies.NewEMA(emaLen), strategies.NewATR(atrLen)
	var rows []parityRow
	for {
		b, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		row := parityRow{Bar: b, Ref: ref[b.Timestamp.UnixMilli()]}
		if v, ok := ema.Update(b.Close); ok {
			row.EMA = &v
			if row.Ref.EMA != nil {
				d := v.Sub(*row.Ref.EMA).Abs()
				row.DiffEMA = &d
			}
		}
		if v, ok := atr.Update(b); ok {
			row.ATR = &v
			if row.Ref.ATR != nil {
				d := v.Sub(*row.Ref.ATR).Abs()
				row.DiffATR = &d
			}
		}
		rows = append(rows, row)
	}
}

func writeReport(w io.Writer, rows []parityRow, tol decimal.Decimal) error {
	cw := csv.NewWriter(w)
	header := []string{"open_time_ms", "open", "high", "low", "close", "ema", "atr", "ref_ema", "ref_atr", "diff_ema", "diff_atr", "match"}
	if err := cw.Write(header); err != nil {
		return err
	}
	str := func(d *decimal.Decimal) string {
		if d == nil {
			return ""
		}
		return d.String()
	}
	for _, r := range rows {
		match := ""
		if r.DiffEMA != nil || r.DiffATR != nil {
			match = strconv.FormatBool(!r.mismatch(tol))
		}
		rec := []string{
			strconv.FormatInt(r.Bar.Timestamp.UnixMilli(), 10),
			r.Bar.Open.String(), r.Bar.High.String(), r.Bar.Low.String(), r.Bar.Close.String(),
			str(r.EMA), str(r.ATR), str(r.Ref.EMA), str(r.Ref.ATR), str(r.DiffEMA), str(r.DiffATR), match,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func main() {
	csvFile := flag.String("csv", "", "Candle CSV to compute the indicators over")
	emaLen := flag.Int("ema", 20, "EMA period")
	atrLen := flag.Int("atr", 14, "ATR period")
	refFile := flag.String("reference-csv", "", "Reference CSV with time, ema and atr columns")
	output := flag.String("output", "", "Output CSV path (default indicator_parity_<unix>.csv)")
	tolerance := flag.String("tolerance", "0.00000001", "Largest absolute difference that still matches")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if *csvFile == "" {
		logger.Fatal("-csv is required")
	}
	tol, err := decimal.NewFromString(*tolerance)
	if err != nil {
		logger.Fatal("Invalid tolerance", zap.Error(err))
	}

	ref := map[int64]reference{}
	if *refFile != "" {
		f, err := os.Open(*refFile)
		if err != nil {
			logger.Fatal("Failed to open reference", zap.Error(err))
		}
		ref, err = loadReference(f)
		f.Close()
		if err != nil {
			logger.Fatal("Failed to load reference", zap.Error(err))
		}
	}

	src, err := feed.OpenCSV(*csvFile)
	if err != nil {
		logger.Fatal("Failed to open candles", zap.Error(err))
	}
	defer src.Close()
	rows, err := compute(context.Background(), src, *emaLen, *atrLen, ref)
	if err != nil {
		logger.Fatal("Failed to compute indicators", zap.Error(err))
	}

	path := *output
	if path == "" {
		path = fmt.Sprintf("indicator_parity_%d.csv", time.Now().Unix())
	}
	out, err := os.Create(path)
	if err != nil {
		logger.Fatal("Failed to create output", zap.Error(err))
	}
	if err := writeReport(out, rows, tol); err != nil {
		out.Close()
		logger.Fatal("Failed to write output", zap.Error(err))
	}
	if err := out.Close(); err != nil {
		logger.Fatal("Failed to write output", zap.Error(err))
	}

	mismatches := 0
	for _, r := range rows {
		if r.mismatch(tol) {
			mismatches++
		}
	}
	logger.Info("Indicator parity written",
		zap.String("path", path),
		zap.Int("candles", len(rows)),
		zap.Int("reference_rows", len(ref)),
		zap.Int("mismatches", mismatches),
	)
	if mismatches > 0 {
		logger.Sync()
		os.Exit(1)
	}
}
