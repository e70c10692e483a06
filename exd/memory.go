// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package exd

import (
	"context"
	"io/fs"
	"sync/atomic"
)

// MemChannel describes one channel of an in-memory file. Data must be a
// slice of a supported element type; its length is the channel length.
// A nil Data with NoLength set models a channel whose length the reader
// cannot report.
type MemChannel struct {
	Group    string
	Name     string
	Unit     string
	Data     any
	NoLength bool
}

// MemReader serves files assembled in memory. It backs tests and the
// synthetic example server; no bytes are parsed.
type MemReader struct {
	files map[string][]MemChannel
	attrs map[string]map[string]string

	// OpenErr, when set for a path, is returned by Open until cleared.
	OpenErr map[string]error
	// OpenGate, when non-nil, is received from at the start of every Open,
	// letting tests hold several openers inside the parse section.
	OpenGate chan struct{}

	opens atomic.Int64
}

// NewMemReader returns an empty in-memory reader.
func NewMemReader() *MemReader {
	return &MemReader{
		files:   map[string][]MemChannel{},
		attrs:   map[string]map[string]string{},
		OpenErr: map[string]error{},
	}
}

// AddFile registers a file under path.
func (r *MemReader) AddFile(path string, channels []MemChannel) {
	r.files[path] = channels
}

// SetAttributes sets file-level attributes for path.
func (r *MemReader) SetAttributes(path string, attrs map[string]string) {
	r.attrs[path] = attrs
}

// Opens reports how many Open calls reached the parse step.
func (r *MemReader) Opens() int64 { return r.opens.Load() }

func (r *MemReader) Open(ctx context.Context, path string) (File, error) {
	if r.OpenGate != nil {
		select {
		case <-r.OpenGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.opens.Add(1)
	if err := r.OpenErr[path]; err != nil {
		return nil, err
	}
	chans, ok := r.files[path]
	if !ok {
		return nil, fs.ErrNotExist
	}

	f := &memFile{data: make([]any, 0, len(chans)), attrs: r.attrs[path]}
	groupIndex := map[string]int{}
	for _, mc := range chans {
		gi, ok := groupIndex[mc.Group]
		if !ok {
			gi = len(groupIndex)
			groupIndex[mc.Group] = gi
		}
		ch := RawChannel{
			Name:       mc.Name,
			GroupName:  mc.Group,
			GroupIndex: gi,
			Index:      len(f.channels),
			Unit:       mc.Unit,
		}
		if !mc.NoLength {
			ch.Length = sliceLen(mc.Data)
			ch.LengthKnown = true
			ch.Type, ch.NativeType = sliceType(mc.Data)
		}
		f.channels = append(f.channels, ch)
		f.data = append(f.data, mc.Data)
	}
	return f, nil
}

type memFile struct {
	channels []RawChannel
	data     []any
	attrs    map[string]string
	closed   atomic.Bool
}

func (f *memFile) Channels() []RawChannel { return f.channels }

func (f *memFile) ReadRange(_ context.Context, channel int, start, count int64) (any, error) {
	switch d := f.data[channel].(type) {
	case []uint8:
		return d[start : start+count], nil
	case []int8:
		return d[start : start+count], nil
	case []int16:
		return d[start : start+count], nil
	case []int32:
		return d[start : start+count], nil
	case []int64:
		return d[start : start+count], nil
	case []float32:
		return d[start : start+count], nil
	case []float64:
		return d[start : start+count], nil
	case []string:
		return d[start : start+count], nil
	case []complex128:
		return d[start : start+count], nil
	default:
		return nil, fs.ErrInvalid
	}
}

func (f *memFile) Attributes() map[string]string {
	if f.attrs == nil {
		return map[string]string{}
	}
	return f.attrs
}

func (f *memFile) Close() error {
	f.closed.Store(true)
	return nil
}

// Closed reports whether Close was called, for eviction tests.
func (f *memFile) Closed() bool { return f.closed.Load() }

func sliceLen(data any) int64 {
	switch d := data.(type) {
	case []uint8:
		return int64(len(d))
	case []int8:
		return int64(len(d))
	case []int16:
		return int64(len(d))
	case []int32:
		return int64(len(d))
	case []int64:
		return int64(len(d))
	case []float32:
		return int64(len(d))
	case []float64:
		return int64(len(d))
	case []string:
		return int64(len(d))
	case []complex128:
		return int64(len(d))
	default:
		return 0
	}
}

func sliceType(data any) (DataType, string) {
	switch data.(type) {
	case []uint8:
		return TypeUint8, "uint8"
	case []int8:
		return TypeInt8, "int8"
	case []int16:
		return TypeInt16, "int16"
	case []int32:
		return TypeInt32, "int32"
	case []int64:
		return TypeInt64, "int64"
	case []float32:
		return TypeFloat32, "float32"
	case []float64:
		return TypeFloat64, "float64"
	case []string:
		return TypeString, "string"
	case []complex128:
		return TypeUnsupported, "complex128"
	default:
		return TypeUnsupported, "unknown"
	}
}
