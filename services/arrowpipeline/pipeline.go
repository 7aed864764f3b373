// Package arrowpipeline moves candles and trade ledgers in and out of the
// Apache Arrow IPC stream format.
package arrowpipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"go.uber.org/zap"

	"backtest-engine/services/engine"
)

// Config holds Arrow pipeline configuration
type Config struct {
	BatchSize   int    `yaml:"batch_size"`
	Compression string `yaml:"compression"`
}

// Prices and quantities travel as decimal strings so nothing is lost to float rounding.
var candleSchema = arrow.NewSchema([]arrow.Field{
	{Name: "symbol", Type: arrow.BinaryTypes.String},
	{Name: "timestamp", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "open", Type: arrow.BinaryTypes.String},
	{Name: "high", Type: arrow.BinaryTypes.String},
	{Name: "low", Type: arrow.BinaryTypes.String},
	{Name: "close", Type: arrow.BinaryTypes.String},
	{Name: "volume", Type: arrow.BinaryTypes.String},
}, nil)

var tradeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.BinaryTypes.String},
	{Name: "symbol", Type: arrow.BinaryTypes.String},
	{Name: "side", Type: arrow.BinaryTypes.String},
	{Name: "entry_time", Type: arrow.PrimitiveTypes.Int64},
	{Name: "exit_time", Type: arrow.PrimitiveTypes.Int64},
	{Name: "quantity", Type: arrow.BinaryTypes.String},
	{Name: "entry_price", Type: arrow.BinaryTypes.String},
	{Name: "exit_price", Type: arrow.BinaryTypes.String},
	{Name: "realized_pnl", Type: arrow.BinaryTypes.String},
	{Name: "total_fees", Type: arrow.BinaryTypes.String},
	{Name: "slippage", Type: arrow.BinaryTypes.String},
	{Name: "exit_reason", Type: arrow.BinaryTypes.String},
	{Name: "state", Type: arrow.BinaryTypes.String},
}, nil)

// Pipeline handles Arrow IPC streaming
type Pipeline struct {
	config     Config
	memoryPool memory.Allocator
	logger     *zap.Logger
}

// NewPipeline creates a new Arrow pipeline
func NewPipeline(config Config, logger *zap.Logger) (*Pipeline, error) {
	switch config.Compression {
	case "", "none", "zstd", "lz4":
	default:
		return nil, fmt.Errorf("unsupported arrow compression %q", config.Compression)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		config:     config,
		memoryPool: memory.NewGoAllocator(),
		logger:     logger,
	}, nil
}

func (p *Pipeline) newWriter(w io.Writer, schema *arrow.Schema) *ipc.Writer {
	opts := []ipc.Option{ipc.WithSchema(schema), ipc.WithAllocator(p.memoryPool)}
	switch p.config.Compression {
	case "zstd":
		opts = append(opts, ipc.WithZstd())
	case "lz4":
		opts = append(opts, ipc.WithLZ4())
	}
	return ipc.NewWriter(w, opts...)
}

// StreamCandles drains feed into w, one record batch per BatchSize candles.
// It returns the number of candles written.
func (p *Pipeline) StreamCandles(ctx context.Context, feed engine.CandleFeed, symbol string, w io.Writer) (int, error) {
	rb := array.NewRecordBuilder(p.memoryPool, candleSchema)
	defer rb.Release()
	writer := p.newWriter(w, candleSchema)

	flush := func() error {
		rec := rb.NewRecord()
		defer rec.Release()
		if err := writer.Write(rec); err != nil {
			return fmt.Errorf("failed to write Arrow record: %w", err)
		}
		return nil
	}

	n, pending := 0, 0
	for {
		bar, err := feed.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writer.Close()
			return n, err
		}
		rb.Field(0).(*array.StringBuilder).Append(symbol)
		rb.Field(1).(*array.Uint64Builder).Append(uint64(bar.Timestamp.UnixMilli()))
		rb.Field(2).(*array.StringBuilder).Append(bar.Open.String())
		rb.Field(3).(*array.StringBuilder).Append(bar.High.String())
		rb.Field(4).(*array.StringBuilder).Append(bar.Low.String())
		rb.Field(5).(*array.StringBuilder).Append(bar.Close.String())
		rb.Field(6).(*array.StringBuilder).Append(bar.Volume.String())
		n++
		pending++
		if pending >= p.config.BatchSize {
			if err := flush(); err != nil {
				writer.Close()
				return n, err
			}
			pending = 0
		}
	}
	if pending > 0 {
		if err := flush(); err != nil {
			writer.Close()
			return n, err
		}
	}
	p.logger.Debug("Streamed candles to Arrow", zap.String("symbol", symbol), zap.Int("candles", n))
	return n, writer.Close()
}

// WriteCandles writes bars as an Arrow IPC stream.
func (p *Pipeline) WriteCandles(w io.Writer, symbol string, bars []engine.Bar) error {
	_, err := p.StreamCandles(context.Background(), engine.NewSliceFeed(bars), symbol, w)
	return err
}

// WriteTrades exports a trade ledger as a single record batch.
func (p *Pipeline) WriteTrades(w io.Writer, trades []engine.BacktestTrade) error {
	rb := array.NewRecordBuilder(p.memoryPool, tradeSchema)
	defer rb.Release()
	str := func(i int) *array.StringBuilder { return rb.Field(i).(*array.StringBuilder) }
	for i := range trades {
		t := &trades[i]
		str(0).Append(t.ID)
		str(1).Append(t.Symbol)
		str(2).Append(t.Side.String())
		rb.Field(3).(*array.Int64Builder).Append(t.EntryTime.UnixMilli())
		rb.Field(4).(*array.Int64Builder).Append(t.ExitTime.UnixMilli())
		str(5).Append(t.Quantity.String())
		str(6).Append(t.EntryPrice.String())
		str(7).Append(t.ExitPrice.String())
		str(8).Append(t.RealizedPnl.String())
		str(9).Append(t.TotalFees().String())
		str(10).Append(t.Slippage.String())
		str(11).Append(string(t.ExitReason))
		str(12).Append(string(t.State))
	}
	rec := rb.NewRecord()
	defer rec.Release()

	writer := p.newWriter(w, tradeSchema)
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write Arrow trades: %w", err)
	}
	p.logger.Debug("Exported trades to Arrow", zap.Int("trades", len(trades)))
	return writer.Close()
}
