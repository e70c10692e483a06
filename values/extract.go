// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

// Package values converts row ranges of native channels into Arrow arrays
// and streams them as bounded chunks.
package values

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/exdgate/exdgate/cache"
	"github.com/exdgate/exdgate/exd"
	"github.com/exdgate/exdgate/exdrpc"
)

// DefaultChunkRows is the row budget per streamed batch when the server
// configuration does not override it.
const DefaultChunkRows = 65536

// Schema builds the output schema for a set of logical channels, one column
// per channel in request order. Units travel as field metadata.
func Schema(channels []exd.LogicalChannel) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(channels))
	for _, ch := range channels {
		dt, ok := ch.Type.Arrow()
		if !ok {
			return nil, exdrpc.Errorf(exdrpc.CodeUnsupportedType, ch.Name,
				"channel has unsupported data type %q", ch.NativeType)
		}
		f := arrow.Field{Name: ch.Name, Type: dt}
		if ch.Unit != "" {
			f.Metadata = arrow.NewMetadata([]string{"unit"}, []string{ch.Unit})
		}
		fields = append(fields, f)
	}
	return arrow.NewSchema(fields, nil), nil
}

// Read extracts rows [start, start+count) of one logical channel as an
// Arrow array. rows is the channel's logical group row count; the range
// must lie within it.
func Read(ctx context.Context, h *cache.Handle, rows int64, ch exd.LogicalChannel, start, count int64) (arrow.Array, error) {
	if start < 0 || count < 0 || start+count > rows {
		return nil, exdrpc.Errorf(exdrpc.CodeOutOfRange, ch.Name,
			"requested rows [%d, %d) outside channel rows [0, %d)", start, start+count, rows)
	}
	if _, ok := ch.Type.Arrow(); !ok {
		return nil, exdrpc.Errorf(exdrpc.CodeUnsupportedType, ch.Name,
			"channel has unsupported data type %q", ch.NativeType)
	}

	data, err := h.ReadRange(ctx, ch.Raw, start, count)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, exdrpc.Errorf(exdrpc.CodeInternal, ch.Name, "reading channel: %v", err)
	}
	return toArrow(ch, data, count)
}

// toArrow builds an Arrow array from the native slice the reader returned.
func toArrow(ch exd.LogicalChannel, data any, count int64) (arrow.Array, error) {
	mem := memory.NewGoAllocator()
	switch d := data.(type) {
	case []uint8:
		b := array.NewUint8Builder(mem)
		defer b.Release()
		b.AppendValues(d, nil)
		return checkLen(ch, b.NewArray(), count)
	case []int8:
		b := array.NewInt8Builder(mem)
		defer b.Release()
		b.AppendValues(d, nil)
		return checkLen(ch, b.NewArray(), count)
	case []int16:
		b := array.NewInt16Builder(mem)
		defer b.Release()
		b.AppendValues(d, nil)
		return checkLen(ch, b.NewArray(), count)
	case []int32:
		b := array.NewInt32Builder(mem)
		defer b.Release()
		b.AppendValues(d, nil)
		return checkLen(ch, b.NewArray(), count)
	case []int64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		b.AppendValues(d, nil)
		return checkLen(ch, b.NewArray(), count)
	case []float32:
		b := array.NewFloat32Builder(mem)
		defer b.Release()
		b.AppendValues(d, nil)
		return checkLen(ch, b.NewArray(), count)
	case []float64:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		b.AppendValues(d, nil)
		return checkLen(ch, b.NewArray(), count)
	case []string:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		b.AppendValues(d, nil)
		return checkLen(ch, b.NewArray(), count)
	default:
		return nil, exdrpc.Errorf(exdrpc.CodeUnsupportedType, ch.Name,
			"reader returned unsupported slice type %T", data)
	}
}

// checkLen guards against a reader returning fewer rows than requested.
func checkLen(ch exd.LogicalChannel, arr arrow.Array, count int64) (arrow.Array, error) {
	if int64(arr.Len()) != count {
		arr.Release()
		return nil, exdrpc.Errorf(exdrpc.CodeInternal, ch.Name,
			"reader returned %d rows, expected %d", arr.Len(), count)
	}
	return arr, nil
}

// ChunkProducer streams a row range of a logical group as batches of at
// most chunkRows rows, one column per requested channel. It owns a cache
// handle reference and releases it when the stream ends on any path.
type ChunkProducer struct {
	handle    *cache.Handle
	rows      int64
	channels  []exd.LogicalChannel
	schema    *arrow.Schema
	next      int64
	remaining int64
	chunkRows int64
	closeOnce sync.Once
}

// NewChunkProducer prepares a stream over rows [start, start+count) of the
// given channels. The producer takes ownership of the handle reference.
func NewChunkProducer(h *cache.Handle, rows int64, channels []exd.LogicalChannel,
	schema *arrow.Schema, start, count, chunkRows int64) *ChunkProducer {
	if chunkRows <= 0 {
		chunkRows = DefaultChunkRows
	}
	return &ChunkProducer{
		handle:    h,
		rows:      rows,
		channels:  channels,
		schema:    schema,
		next:      start,
		remaining: count,
		chunkRows: chunkRows,
	}
}

// Schema returns the stream's output schema.
func (p *ChunkProducer) Schema() *arrow.Schema { return p.schema }

// Produce emits the next chunk, or finishes the stream when the range is
// exhausted.
func (p *ChunkProducer) Produce(ctx context.Context, out *exdrpc.OutputCollector, callCtx *exdrpc.CallContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.remaining == 0 {
		out.Finish()
		return nil
	}

	n := p.remaining
	if n > p.chunkRows {
		n = p.chunkRows
	}

	cols := make([]arrow.Array, 0, len(p.channels))
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for _, ch := range p.channels {
		arr, err := Read(ctx, p.handle, p.rows, ch, p.next, n)
		if err != nil {
			return err
		}
		cols = append(cols, arr)
	}

	if err := out.EmitArrays(cols, n); err != nil {
		return err
	}
	p.next += n
	p.remaining -= n
	return nil
}

// Close releases the producer's handle reference. Safe to call more than
// once; the server calls it on every stream exit path.
func (p *ChunkProducer) Close() error {
	p.closeOnce.Do(func() { p.handle.Release() })
	return nil
}
