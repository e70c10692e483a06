// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package exdrpc

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Params reads typed parameter values out of a one-row request batch.
// Column lookups are by name; a missing required column or a type mismatch
// yields an INVALID_ARGUMENT error.
type Params struct {
	batch arrow.RecordBatch
}

// NewParams wraps a request batch for parameter access. The batch is not
// retained; the Params must not outlive it.
func NewParams(batch arrow.RecordBatch) *Params {
	return &Params{batch: batch}
}

func (p *Params) column(name string) (arrow.Array, *Error) {
	indices := p.batch.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, Errorf(CodeInvalidArgument, name, "missing required parameter")
	}
	if p.batch.NumRows() != 1 {
		return nil, Errorf(CodeInvalidArgument, name,
			"expected 1 row in request batch, got %d", p.batch.NumRows())
	}
	return p.batch.Column(indices[0]), nil
}

// String returns a required string parameter.
func (p *Params) String(name string) (string, error) {
	col, perr := p.column(name)
	if perr != nil {
		return "", perr
	}
	s, ok := col.(*array.String)
	if !ok {
		return "", Errorf(CodeInvalidArgument, name, "expected string, got %s", col.DataType())
	}
	if s.IsNull(0) {
		return "", Errorf(CodeInvalidArgument, name, "parameter must not be null")
	}
	return s.Value(0), nil
}

// OptString returns an optional string parameter. A missing column or a
// null value reports ok=false.
func (p *Params) OptString(name string) (value string, ok bool) {
	indices := p.batch.Schema().FieldIndices(name)
	if len(indices) == 0 || p.batch.NumRows() != 1 {
		return "", false
	}
	s, isStr := p.batch.Column(indices[0]).(*array.String)
	if !isStr || s.IsNull(0) {
		return "", false
	}
	return s.Value(0), true
}

// Int64 returns a required integer parameter. Int32 columns are widened.
func (p *Params) Int64(name string) (int64, error) {
	col, perr := p.column(name)
	if perr != nil {
		return 0, perr
	}
	if col.IsNull(0) {
		return 0, Errorf(CodeInvalidArgument, name, "parameter must not be null")
	}
	switch c := col.(type) {
	case *array.Int64:
		return c.Value(0), nil
	case *array.Int32:
		return int64(c.Value(0)), nil
	default:
		return 0, Errorf(CodeInvalidArgument, name, "expected int64, got %s", col.DataType())
	}
}

// OptInt64 returns an optional integer parameter. A missing column or a
// null value yields nil.
func (p *Params) OptInt64(name string) (*int64, error) {
	indices := p.batch.Schema().FieldIndices(name)
	if len(indices) == 0 || p.batch.NumRows() != 1 {
		return nil, nil
	}
	col := p.batch.Column(indices[0])
	if col.IsNull(0) {
		return nil, nil
	}
	switch c := col.(type) {
	case *array.Int64:
		v := c.Value(0)
		return &v, nil
	case *array.Int32:
		v := int64(c.Value(0))
		return &v, nil
	default:
		return nil, Errorf(CodeInvalidArgument, name, "expected int64, got %s", col.DataType())
	}
}

// Int64List returns a required list-of-int64 parameter. A null or empty
// list yields an empty slice.
func (p *Params) Int64List(name string) ([]int64, error) {
	col, perr := p.column(name)
	if perr != nil {
		return nil, perr
	}
	list, ok := col.(*array.List)
	if !ok {
		return nil, Errorf(CodeInvalidArgument, name, "expected list<int64>, got %s", col.DataType())
	}
	if list.IsNull(0) {
		return nil, nil
	}
	values, ok := list.ListValues().(*array.Int64)
	if !ok {
		return nil, Errorf(CodeInvalidArgument, name,
			"expected list<int64>, got list<%s>", list.ListValues().DataType())
	}
	start, end := list.ValueOffsets(0)
	out := make([]int64, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, values.Value(int(i)))
	}
	return out, nil
}
