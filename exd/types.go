// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package exd

import "github.com/apache/arrow-go/v18/arrow"

// DataType is the closed set of native sample types the adapter can put on
// the wire. Anything a source file reports outside this set maps to
// TypeUnsupported and is rejected at read time with the native type name.
type DataType int

const (
	TypeUnsupported DataType = iota
	TypeUint8
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeString
)

// String returns the wire name of the data type.
func (t DataType) String() string {
	switch t {
	case TypeUint8:
		return "uint8"
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeString:
		return "string"
	default:
		return "unsupported"
	}
}

// Arrow returns the Arrow type used to encode values of this data type.
// The native width is preserved; there is no widening to a protocol
// supertype. ok is false for TypeUnsupported.
func (t DataType) Arrow() (dt arrow.DataType, ok bool) {
	switch t {
	case TypeUint8:
		return arrow.PrimitiveTypes.Uint8, true
	case TypeInt8:
		return arrow.PrimitiveTypes.Int8, true
	case TypeInt16:
		return arrow.PrimitiveTypes.Int16, true
	case TypeInt32:
		return arrow.PrimitiveTypes.Int32, true
	case TypeInt64:
		return arrow.PrimitiveTypes.Int64, true
	case TypeFloat32:
		return arrow.PrimitiveTypes.Float32, true
	case TypeFloat64:
		return arrow.PrimitiveTypes.Float64, true
	case TypeString:
		return arrow.BinaryTypes.String, true
	default:
		return nil, false
	}
}

// TypeFromGo maps a Go base type name, as reported by the underlying
// reader, to a DataType.
func TypeFromGo(goType string) DataType {
	switch goType {
	case "uint8", "byte":
		return TypeUint8
	case "int8":
		return TypeInt8
	case "int16":
		return TypeInt16
	case "int32", "int":
		return TypeInt32
	case "int64":
		return TypeInt64
	case "float32":
		return TypeFloat32
	case "float64":
		return TypeFloat64
	case "string":
		return TypeString
	default:
		return TypeUnsupported
	}
}

// RawChannel is one native channel as reported by the underlying reader.
// Immutable once listed from the file.
type RawChannel struct {
	Name       string
	GroupName  string // native grouping; may mix channel lengths
	GroupIndex int    // index of the native group in file order
	Index      int    // global channel index, key for File.ReadRange
	Length     int64  // row count; meaningful only if LengthKnown
	LengthKnown bool
	Type       DataType
	NativeType string // source-format type name, for diagnostics
	Unit       string
}

// LogicalChannel is a protocol-visible channel inside exactly one
// LogicalGroup.
type LogicalChannel struct {
	Index      int // position within the logical group
	Name       string
	Type       DataType
	NativeType string
	Unit       string
	Raw        int // index into File.Channels(), non-owning back-reference
}

// LogicalGroup is a protocol-visible group with a single uniform row
// count, derived by splitting a native group by channel length. Derived
// data; recomputed (or memoized per handle) from the parse result.
type LogicalGroup struct {
	ID           int64
	Name         string
	SourceGroup  string // native group name before splitting
	NumberOfRows int64
	Channels     []LogicalChannel
}

// Channel returns the logical channel with the given in-group index.
func (g *LogicalGroup) Channel(index int) (LogicalChannel, bool) {
	if index < 0 || index >= len(g.Channels) {
		return LogicalChannel{}, false
	}
	return g.Channels[index], true
}
