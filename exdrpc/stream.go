// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package exdrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// ProducerState is the interface for producer stream state objects.
// Produce is called once per tick. It must either emit exactly one data
// batch via out.Emit/EmitArrays, or call out.Finish() to signal
// end-of-stream. A state that also implements io.Closer is closed when the
// stream ends on any path, including errors and client disconnects.
type ProducerState interface {
	Produce(ctx context.Context, out *OutputCollector, callCtx *CallContext) error
}

// StreamResult is returned by producer handler functions. The output schema
// is chosen by the handler at call time, so one method can serve streams
// with different column sets.
type StreamResult struct {
	// OutputSchema defines the Arrow schema for batches emitted by the stream.
	OutputSchema *arrow.Schema
	// State holds the stream's mutable state object. It must implement
	// [ProducerState]; the server calls Produce on it in the lockstep
	// streaming loop.
	State any
}

// OutputCollector accumulates output batches during a produce call.
// It enforces that exactly one data batch is emitted per call (plus any number
// of log batches). Batches are stored in order because interleaving order
// matters for the wire protocol (logs must precede the data batch they annotate).
type OutputCollector struct {
	schema       *arrow.Schema
	batches      []annotatedBatch
	dataBatchIdx int // -1 if no data batch yet
	finished     bool
	serverID     string
}

// annotatedBatch is a batch with optional custom metadata.
type annotatedBatch struct {
	batch arrow.RecordBatch
	meta  *arrow.Metadata // nil if no custom metadata
}

// NewOutputCollector creates an OutputCollector for the given output schema.
// Exposed so state implementations can be driven directly in tests.
func NewOutputCollector(schema *arrow.Schema, serverID string) *OutputCollector {
	return &OutputCollector{
		schema:       schema,
		dataBatchIdx: -1,
		serverID:     serverID,
	}
}

// Emit adds a pre-built data batch. Returns an error if a data batch was already emitted.
// If the batch has a different schema object than the output schema, a new
// batch is created with the output schema to ensure IPC writer compatibility.
func (o *OutputCollector) Emit(batch arrow.RecordBatch) error {
	if o.dataBatchIdx >= 0 {
		return fmt.Errorf("OutputCollector: only one data batch may be emitted per call")
	}
	// Re-wrap with the output schema if schemas differ by pointer
	if batch.Schema() != o.schema {
		original := batch
		batch = array.NewRecordBatch(o.schema, batch.Columns(), batch.NumRows())
		original.Release()
	}
	o.dataBatchIdx = len(o.batches)
	o.batches = append(o.batches, annotatedBatch{batch: batch})
	return nil
}

// EmitArrays builds a RecordBatch from arrays using the output schema and emits it.
func (o *OutputCollector) EmitArrays(arrays []arrow.Array, numRows int64) error {
	batch := array.NewRecordBatch(o.schema, arrays, numRows)
	return o.Emit(batch)
}

// Finish signals end-of-stream.
func (o *OutputCollector) Finish() {
	o.finished = true
}

// Finished returns whether Finish() has been called.
func (o *OutputCollector) Finished() bool {
	return o.finished
}

// DataBatch returns the emitted data batch, or nil. Test helper.
func (o *OutputCollector) DataBatch() arrow.RecordBatch {
	if o.dataBatchIdx < 0 {
		return nil
	}
	return o.batches[o.dataBatchIdx].batch
}

// ClientLog emits a zero-row log batch with the given level and message.
func (o *OutputCollector) ClientLog(level LogLevel, message string, extras ...KV) {
	keys := []string{MetaLogLevel, MetaLogMessage}
	vals := []string{string(level), message}

	if len(extras) > 0 {
		extraMap := make(map[string]string, len(extras))
		for _, kv := range extras {
			extraMap[kv.Key] = kv.Value
		}
		extraJSON, _ := json.Marshal(extraMap)
		keys = append(keys, MetaLogExtra)
		vals = append(vals, string(extraJSON))
	}
	if o.serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, o.serverID)
	}

	meta := arrow.NewMetadata(keys, vals)
	batch := emptyBatch(o.schema)
	o.batches = append(o.batches, annotatedBatch{batch: batch, meta: &meta})
}

// validate checks that exactly one data batch was emitted.
func (o *OutputCollector) validate() error {
	if o.dataBatchIdx < 0 {
		return Errorf(CodeInternal, "", "no data batch was emitted")
	}
	return nil
}

// release frees all batches still held by the collector.
func (o *OutputCollector) release() {
	for _, ab := range o.batches {
		ab.batch.Release()
	}
	o.batches = nil
	o.dataBatchIdx = -1
}
