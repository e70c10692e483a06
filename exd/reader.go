// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

// Package exd defines the data model of the external-data adapter and the
// boundary to the underlying file reader: native channels as the source
// format reports them, and the logical groups/channels the protocol sees.
//
// The adapter never parses file bytes itself. A [Reader] opens a path into
// a [File], which lists [RawChannel] metadata and serves bounded row-range
// reads returning plain Go slices. Everything above this boundary is
// format-agnostic.
package exd

import "context"

// Reader opens source files into parsed, read-only representations.
// Implementations must be safe for concurrent Open calls; a returned File
// need not support concurrent ReadRange calls (callers serialize per file).
type Reader interface {
	Open(ctx context.Context, path string) (File, error)
}

// File is one parsed source file. Channels is stable for the lifetime of
// the File; ReadRange addresses channels by their RawChannel.Index.
type File interface {
	// Channels lists all native channels in file order.
	Channels() []RawChannel

	// ReadRange returns rows [start, start+count) of the channel as a Go
	// slice of the channel's native element type ([]float64, []int32, ...).
	// The range must lie within the channel's length.
	ReadRange(ctx context.Context, channel int, start, count int64) (any, error)

	// Attributes returns file-level metadata as string key/value pairs.
	Attributes() map[string]string

	Close() error
}
