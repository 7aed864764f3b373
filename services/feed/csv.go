// Package feed reads candles from local files for the engine.
package feed

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"backtest-engine/services/engine"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// CSVFeed serves bars from "timestamp_ms,open,high,low,close,volume" rows, the
// layout ClickHouse exports with FORMAT CSV. A header row is optional. Files
// saved as UTF-16 with a byte order mark are decoded transparently.
type CSVFeed struct {
	r      *csv.Reader
	closer io.Closer
	line   int
}

// NewCSVFeed reads from r. The caller keeps ownership of r.
func NewCSVFeed(r io.Reader) *CSVFeed {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if bom, _ := br.Peek(2); len(bom) == 2 && ((bom[0] == 0xFF && bom[1] == 0xFE) || (bom[0] == 0xFE && bom[1] == 0xFF)) {
		src = transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
	}
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return &CSVFeed{r: cr}
}

// OpenCSV opens path; Close closes the file.
func OpenCSV(path string) (*CSVFeed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open candles: %w", err)
	}
	fd := NewCSVFeed(f)
	fd.closer = f
	return fd, nil
}

func (f *CSVFeed) Next(ctx context.Context) (engine.Bar, error) {
	if err := ctx.Err(); err != nil {
		return engine.Bar{}, err
	}
	for {
		rec, err := f.r.Read()
		if errors.Is(err, io.EOF) {
			return engine.Bar{}, io.EOF
		}
		f.line++
		if err != nil {
			return engine.Bar{}, fmt.Errorf("csv line %d: %w", f.line, err)
		}
		if len(rec) == 0 {
			continue
		}
		first := strings.TrimSpace(strings.TrimPrefix(rec[0], "\ufeff"))
		if f.line == 1 && isHeader(first) {
			continue
		}
		if first == "" && len(rec) == 1 {
			continue
		}
		rec[0] = first
		return parseRow(rec, f.line)
	}
}

func (f *CSVFeed) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

func isHeader(field string) bool {
	switch strings.ToLower(field) {
	case "timestamp", "timestamp_ms", "open_time_ms", "open_time":
		return true
	}
	return false
}

func parseRow(rec []string, line int) (engine.Bar, error) {
	if len(rec) < 6 {
		return engine.Bar{}, fmt.Errorf("csv line %d: want 6 columns, got %d", line, len(rec))
	}
	ms, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return engine.Bar{}, fmt.Errorf("csv line %d: timestamp %q: %w", line, rec[0], err)
	}
	var vals [5]decimal.Decimal
	for i := range vals {
		s := strings.TrimSpace(rec[i+1])
		if vals[i], err = decimal.NewFromString(s); err != nil {
			return engine.Bar{}, fmt.Errorf("csv line %d: column %d %q: %w", line, i+2, s, err)
		}
	}
	return engine.Bar{
		Timestamp: time.UnixMilli(ms).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

// WriteCSV writes bars in the layout CSVFeed reads, with a header.
func WriteCSV(w io.Writer, bars []engine.Bar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, b := range bars {
		row := []string{strconv.FormatInt(b.Timestamp.UnixMilli(), 10),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String()}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
