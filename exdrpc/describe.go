// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package exdrpc

import (
	"bytes"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Describe schema: one row per registered method.
var describeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "method_type", Type: arrow.BinaryTypes.String},
	{Name: "doc", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "has_return", Type: &arrow.BooleanType{}},
	{Name: "params_schema_ipc", Type: arrow.BinaryTypes.Binary},
	{Name: "result_schema_ipc", Type: arrow.BinaryTypes.Binary},
}, nil)

// Describe metadata keys.
const (
	MetaProtocolName    = "exd_rpc.protocol_name"
	MetaDescribeVersion = "exd_rpc.describe_version"
	DescribeVersion     = "1"
)

// serializeSchema serializes an Arrow schema to IPC format bytes.
func serializeSchema(schema *arrow.Schema) []byte {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	w.Close()
	return buf.Bytes()
}

// buildDescribeBatch builds the __describe__ response batch and metadata.
func (s *Server) buildDescribeBatch() (arrow.RecordBatch, arrow.Metadata) {
	mem := memory.NewGoAllocator()

	names := s.availableMethods()

	nameBuilder := array.NewStringBuilder(mem)
	defer nameBuilder.Release()

	methodTypeBuilder := array.NewStringBuilder(mem)
	defer methodTypeBuilder.Release()

	docBuilder := array.NewStringBuilder(mem)
	defer docBuilder.Release()

	hasReturnBuilder := array.NewBooleanBuilder(mem)
	defer hasReturnBuilder.Release()

	paramsSchemaBuilder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer paramsSchemaBuilder.Release()

	resultSchemaBuilder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer resultSchemaBuilder.Release()

	for _, name := range names {
		info := s.methods[name]

		nameBuilder.Append(name)
		methodTypeBuilder.Append(methodTypeString(info.Type))

		if info.Doc != "" {
			docBuilder.Append(info.Doc)
		} else {
			docBuilder.AppendNull()
		}

		hasReturnBuilder.Append(info.Type == MethodUnary && info.ResultSchema.NumFields() > 0)

		paramsSchemaBuilder.Append(serializeSchema(info.ParamsSchema))
		resultSchemaBuilder.Append(serializeSchema(info.ResultSchema))
	}

	cols := make([]arrow.Array, 6)
	cols[0] = nameBuilder.NewArray()
	cols[1] = methodTypeBuilder.NewArray()
	cols[2] = docBuilder.NewArray()
	cols[3] = hasReturnBuilder.NewArray()
	cols[4] = paramsSchemaBuilder.NewArray()
	cols[5] = resultSchemaBuilder.NewArray()
	for _, c := range cols {
		defer c.Release()
	}

	batch := array.NewRecordBatch(describeSchema, cols, int64(len(names)))

	keys := []string{MetaProtocolName, MetaRequestVersion, MetaDescribeVersion}
	vals := []string{s.serviceName, ProtocolVersion, DescribeVersion}
	if s.serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, s.serverID)
	}

	meta := arrow.NewMetadata(keys, vals)
	return batch, meta
}

// serveDescribe handles the __describe__ introspection request.
func (s *Server) serveDescribe(w io.Writer) error {
	batch, meta := s.buildDescribeBatch()
	defer batch.Release()

	batchWithMeta := array.NewRecordBatchWithMetadata(
		describeSchema, batch.Columns(), batch.NumRows(), meta)
	defer batchWithMeta.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(describeSchema))
	defer writer.Close()

	return writer.Write(batchWithMeta)
}

// arrowTypeToString returns a human-readable type name for an Arrow type.
func arrowTypeToString(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.STRING:
		return "string"
	case arrow.INT64:
		return "int64"
	case arrow.INT32:
		return "int32"
	case arrow.FLOAT64:
		return "float64"
	case arrow.FLOAT32:
		return "float32"
	case arrow.BOOL:
		return "bool"
	case arrow.BINARY:
		return "bytes"
	case arrow.LIST:
		lt := dt.(*arrow.ListType)
		return "list[" + arrowTypeToString(lt.Elem()) + "]"
	default:
		return dt.String()
	}
}
