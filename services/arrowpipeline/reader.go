package arrowpipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/shopspring/decimal"

	"backtest-engine/services/engine"
)

// CandleReader is a candle feed over an Arrow IPC stream written by
// StreamCandles. Columns are looked up by name.
type CandleReader struct {
	rdr *ipc.Reader
	rec arrow.Record
	row int

	ts            *array.Uint64
	o, h, l, c, v *array.String
}

func (p *Pipeline) NewCandleReader(r io.Reader) (*CandleReader, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(p.memoryPool))
	if err != nil {
		return nil, fmt.Errorf("open Arrow stream: %w", err)
	}
	return &CandleReader{rdr: rdr}, nil
}

func (cr *CandleReader) Next(ctx context.Context) (engine.Bar, error) {
	if err := ctx.Err(); err != nil {
		return engine.Bar{}, err
	}
	for cr.rec == nil || int64(cr.row) >= cr.rec.NumRows() {
		if !cr.rdr.Next() {
			if err := cr.rdr.Err(); err != nil && err != io.EOF {
				return engine.Bar{}, fmt.Errorf("read Arrow record: %w", err)
			}
			return engine.Bar{}, io.EOF
		}
		if err := cr.bind(cr.rdr.Record()); err != nil {
			return engine.Bar{}, err
		}
	}

	i := cr.row
	cr.row++
	b := engine.Bar{Timestamp: time.UnixMilli(int64(cr.ts.Value(i))).UTC()}
	for _, f := range []struct {
		dst *decimal.Decimal
		col *array.String
	}{{&b.Open, cr.o}, {&b.High, cr.h}, {&b.Low, cr.l}, {&b.Close, cr.c}, {&b.Volume, cr.v}} {
		d, err := decimal.NewFromString(f.col.Value(i))
		if err != nil {
			return engine.Bar{}, fmt.Errorf("candle %d: %w", i, err)
		}
		*f.dst = d
	}
	return b, nil
}

// bind points the column accessors at rec. The record stays owned by the
// reader and is valid until the next call to rdr.Next.
func (cr *CandleReader) bind(rec arrow.Record) error {
	col := func(name string) (arrow.Array, error) {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("arrow candle stream has no %q column", name)
		}
		return rec.Column(idx[0]), nil
	}
	ts, err := col("timestamp")
	if err != nil {
		return err
	}
	tsArr, ok := ts.(*array.Uint64)
	if !ok {
		return fmt.Errorf("timestamp column is %s, want uint64", ts.DataType())
	}
	strs := make([]*array.String, 0, 5)
	for _, name := range []string{"open", "high", "low", "close", "volume"} {
		a, err := col(name)
		if err != nil {
			return err
		}
		s, ok := a.(*array.String)
		if !ok {
			return fmt.Errorf("%s column is %s, want utf8", name, a.DataType())
		}
		strs = append(strs, s)
	}
	cr.rec, cr.row, cr.ts = rec, 0, tsArr
	cr.o, cr.h, cr.l, cr.c, cr.v = strs[0], strs[1], strs[2], strs[3], strs[4]
	return nil
}

func (cr *CandleReader) Close() error {
	cr.rdr.Release()
	return nil
}
