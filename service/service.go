// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

// Package service registers the external-data access operations on an
// exd_rpc server: open, close, get_structure, get_attributes, and
// get_values. It ties the handle cache, the structure resolver, and the
// value extractor together behind the wire protocol.
package service

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/exdgate/exdgate/cache"
	"github.com/exdgate/exdgate/exd"
	"github.com/exdgate/exdgate/exdrpc"
	"github.com/exdgate/exdgate/resolve"
	"github.com/exdgate/exdgate/values"
)

// Service exposes measurement files through the exd_rpc protocol. Clients
// either open a file URL once and address structure and value requests to
// the returned connection handle, or pass the file URL directly in each
// call for self-contained access.
type Service struct {
	cache     *cache.Cache
	log       zerolog.Logger
	chunkRows int64

	mu    sync.Mutex
	conns map[string]*conn
}

// conn is one client-visible open file.
type conn struct {
	id     string
	url    string
	path   string
	handle *cache.Handle
}

// Option configures a Service.
type Option func(*Service)

// WithChunkRows bounds the rows per streamed get_values batch.
func WithChunkRows(n int64) Option {
	return func(s *Service) { s.chunkRows = n }
}

// WithLogger sets the diagnostic logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New creates a Service over the given cache.
func New(c *cache.Cache, opts ...Option) *Service {
	s := &Service{
		cache:     c,
		log:       zerolog.Nop(),
		chunkRows: values.DefaultChunkRows,
		conns:     make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	openParamsSchema = arrow.NewSchema([]arrow.Field{
		{Name: "url", Type: arrow.BinaryTypes.String},
	}, nil)
	openResultSchema = arrow.NewSchema([]arrow.Field{
		{Name: "handle", Type: arrow.BinaryTypes.String},
	}, nil)
	handleParamsSchema = arrow.NewSchema([]arrow.Field{
		{Name: "handle", Type: arrow.BinaryTypes.String},
	}, nil)
	structureResultSchema = arrow.NewSchema([]arrow.Field{
		{Name: "file_name", Type: arrow.BinaryTypes.String},
		{Name: "group_id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "group_name", Type: arrow.BinaryTypes.String},
		{Name: "number_of_rows", Type: arrow.PrimitiveTypes.Int64},
		{Name: "channel_id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "channel_name", Type: arrow.BinaryTypes.String},
		{Name: "data_type", Type: arrow.BinaryTypes.String},
		{Name: "unit", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	attributesResultSchema = arrow.NewSchema([]arrow.Field{
		{Name: "key", Type: arrow.BinaryTypes.String},
		{Name: "value", Type: arrow.BinaryTypes.String},
	}, nil)
	valuesParamsSchema = arrow.NewSchema([]arrow.Field{
		{Name: "handle", Type: arrow.BinaryTypes.String},
		{Name: "group_id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "channel_ids", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "row_start", Type: arrow.PrimitiveTypes.Int64},
		{Name: "row_count", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)
)

// Register installs all service methods on the RPC server.
func (s *Service) Register(server *exdrpc.Server) {
	server.Unary("open",
		"Open a measurement file by URL and return a connection handle.",
		openParamsSchema, openResultSchema, s.open)
	server.Unary("close",
		"Release a connection handle.",
		handleParamsSchema, nil, s.close)
	server.Unary("get_structure",
		"List the logical groups and channels of a file URL or open handle.",
		handleParamsSchema, structureResultSchema, s.getStructure)
	server.Unary("get_attributes",
		"List file-level attributes of a file URL or open handle.",
		handleParamsSchema, attributesResultSchema, s.getAttributes)
	server.Producer("get_values",
		"Stream a row range of selected channels as Arrow batches.",
		valuesParamsSchema, s.getValues)
}

// urlToPath resolves a client-supplied URL to a local file path. Bare
// paths are accepted as-is; only the file scheme is supported otherwise.
func urlToPath(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw, nil
	}
	if u.Scheme != "file" {
		return "", exdrpc.Errorf(exdrpc.CodeInvalidArgument, raw,
			"unsupported URL scheme %q", u.Scheme)
	}
	if u.Path == "" {
		return "", exdrpc.Errorf(exdrpc.CodeInvalidArgument, raw, "empty file URL path")
	}
	return u.Path, nil
}

func (s *Service) open(ctx context.Context, call *exdrpc.CallContext, params *exdrpc.Params) (arrow.RecordBatch, error) {
	rawURL, err := params.String("url")
	if err != nil {
		return nil, err
	}
	path, err := urlToPath(rawURL)
	if err != nil {
		return nil, err
	}

	h, err := s.cache.Acquire(ctx, path)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			h.Release()
		}
	}()

	c := &conn{
		id:     uuid.NewString(),
		url:    rawURL,
		path:   path,
		handle: h,
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	s.log.Info().Str("url", rawURL).Str("handle", c.id).Msg("file opened")

	mem := memory.NewGoAllocator()
	b := array.NewStringBuilder(mem)
	defer b.Release()
	b.Append(c.id)
	col := b.NewArray()
	defer col.Release()

	ok = true
	return array.NewRecordBatch(openResultSchema, []arrow.Array{col}, 1), nil
}

func (s *Service) close(ctx context.Context, call *exdrpc.CallContext, params *exdrpc.Params) (arrow.RecordBatch, error) {
	id, err := params.String("handle")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	c, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil, exdrpc.Errorf(exdrpc.CodeNotFound, id, "unknown connection handle")
	}

	c.handle.Release()
	s.log.Info().Str("handle", id).Msg("file closed")
	return nil, nil
}

// target is the file a request addresses: a connection opened earlier, or
// a raw file URL given directly. Either way the target owns one cache
// reference that the call must release.
type target struct {
	name   string
	handle *cache.Handle
}

// resolveTarget maps the handle parameter to a cache reference. Known
// connection ids reuse the connection's file; any other value is treated
// as a self-contained file URL and opened for the duration of the call.
func (s *Service) resolveTarget(ctx context.Context, id string) (*target, error) {
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if ok {
		h, err := s.cache.Acquire(ctx, c.path)
		if err != nil {
			return nil, err
		}
		return &target{name: c.url, handle: h}, nil
	}

	path, err := urlToPath(id)
	if err != nil {
		return nil, err
	}
	h, err := s.cache.Acquire(ctx, path)
	if err != nil {
		return nil, err
	}
	return &target{name: id, handle: h}, nil
}

// structure resolves (or recalls) the logical structure of a cached file.
func (s *Service) structure(h *cache.Handle) ([]exd.LogicalGroup, []string, error) {
	return h.Structure(func(f exd.File) ([]exd.LogicalGroup, []string, error) {
		groups, warnings := resolve.Groups(f)
		return groups, warnings, nil
	})
}

func (s *Service) getStructure(ctx context.Context, call *exdrpc.CallContext, params *exdrpc.Params) (arrow.RecordBatch, error) {
	id, err := params.String("handle")
	if err != nil {
		return nil, err
	}
	tgt, err := s.resolveTarget(ctx, id)
	if err != nil {
		return nil, err
	}
	defer tgt.handle.Release()

	groups, warnings, err := s.structure(tgt.handle)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		call.ClientLog(exdrpc.LogWarn, w)
	}

	mem := memory.NewGoAllocator()
	fileName := array.NewStringBuilder(mem)
	defer fileName.Release()
	groupID := array.NewInt64Builder(mem)
	defer groupID.Release()
	groupName := array.NewStringBuilder(mem)
	defer groupName.Release()
	numberOfRows := array.NewInt64Builder(mem)
	defer numberOfRows.Release()
	channelID := array.NewInt64Builder(mem)
	defer channelID.Release()
	channelName := array.NewStringBuilder(mem)
	defer channelName.Release()
	dataType := array.NewStringBuilder(mem)
	defer dataType.Release()
	unit := array.NewStringBuilder(mem)
	defer unit.Release()

	rows := int64(0)
	for _, g := range groups {
		for _, ch := range g.Channels {
			fileName.Append(tgt.name)
			groupID.Append(g.ID)
			groupName.Append(g.Name)
			numberOfRows.Append(g.NumberOfRows)
			channelID.Append(int64(ch.Index))
			channelName.Append(ch.Name)
			dataType.Append(ch.Type.String())
			if ch.Unit != "" {
				unit.Append(ch.Unit)
			} else {
				unit.AppendNull()
			}
			rows++
		}
	}

	cols := []arrow.Array{
		fileName.NewArray(), groupID.NewArray(), groupName.NewArray(),
		numberOfRows.NewArray(), channelID.NewArray(), channelName.NewArray(),
		dataType.NewArray(), unit.NewArray(),
	}
	for _, col := range cols {
		defer col.Release()
	}
	return array.NewRecordBatch(structureResultSchema, cols, rows), nil
}

func (s *Service) getAttributes(ctx context.Context, call *exdrpc.CallContext, params *exdrpc.Params) (arrow.RecordBatch, error) {
	id, err := params.String("handle")
	if err != nil {
		return nil, err
	}
	tgt, err := s.resolveTarget(ctx, id)
	if err != nil {
		return nil, err
	}
	defer tgt.handle.Release()

	attrs := tgt.handle.File().Attributes()
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	// Stable output order
	sort.Strings(keys)

	mem := memory.NewGoAllocator()
	keyB := array.NewStringBuilder(mem)
	defer keyB.Release()
	valB := array.NewStringBuilder(mem)
	defer valB.Release()
	for _, k := range keys {
		keyB.Append(k)
		valB.Append(attrs[k])
	}
	cols := []arrow.Array{keyB.NewArray(), valB.NewArray()}
	for _, col := range cols {
		defer col.Release()
	}
	return array.NewRecordBatch(attributesResultSchema, cols, int64(len(keys))), nil
}

func (s *Service) getValues(ctx context.Context, call *exdrpc.CallContext, params *exdrpc.Params) (*exdrpc.StreamResult, error) {
	id, err := params.String("handle")
	if err != nil {
		return nil, err
	}
	tgt, err := s.resolveTarget(ctx, id)
	if err != nil {
		return nil, err
	}
	streaming := false
	defer func() {
		if !streaming {
			tgt.handle.Release()
		}
	}()

	groupID, err := params.Int64("group_id")
	if err != nil {
		return nil, err
	}
	channelIDs, err := params.Int64List("channel_ids")
	if err != nil {
		return nil, err
	}
	rowStart, err := params.Int64("row_start")
	if err != nil {
		return nil, err
	}
	rowCount, err := params.OptInt64("row_count")
	if err != nil {
		return nil, err
	}

	groups, _, err := s.structure(tgt.handle)
	if err != nil {
		return nil, err
	}
	group, ok := resolve.GroupByID(groups, groupID)
	if !ok {
		return nil, exdrpc.Errorf(exdrpc.CodeNotFound,
			fmt.Sprintf("group %d", groupID), "unknown group id")
	}

	// An empty channel selection means all channels of the group.
	var selected []exd.LogicalChannel
	if len(channelIDs) == 0 {
		selected = group.Channels
	} else {
		selected = make([]exd.LogicalChannel, 0, len(channelIDs))
		for _, cid := range channelIDs {
			ch, ok := group.Channel(int(cid))
			if !ok {
				return nil, exdrpc.Errorf(exdrpc.CodeNotFound,
					fmt.Sprintf("channel %d", cid), "unknown channel id in group %q", group.Name)
			}
			selected = append(selected, ch)
		}
	}

	if rowStart < 0 || rowStart > group.NumberOfRows {
		return nil, exdrpc.Errorf(exdrpc.CodeOutOfRange,
			group.Name, "row_start %d outside rows [0, %d]", rowStart, group.NumberOfRows)
	}
	count := group.NumberOfRows - rowStart
	if rowCount != nil {
		if *rowCount < 0 || rowStart+*rowCount > group.NumberOfRows {
			return nil, exdrpc.Errorf(exdrpc.CodeOutOfRange, group.Name,
				"requested rows [%d, %d) outside group rows [0, %d)",
				rowStart, rowStart+*rowCount, group.NumberOfRows)
		}
		count = *rowCount
	}

	schema, err := values.Schema(selected)
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("handle", id).Int64("group_id", groupID).
		Int64("row_start", rowStart).Int64("row_count", count).
		Int("channels", len(selected)).Msg("value stream started")

	// The stream takes over the target's cache reference, so a concurrent
	// close of the connection handle cannot pull the file out from under it.
	producer := values.NewChunkProducer(tgt.handle, group.NumberOfRows, selected, schema, rowStart, count, s.chunkRows)
	streaming = true
	return &exdrpc.StreamResult{OutputSchema: schema, State: producer}, nil
}

// Close releases every connection the service still holds. Shutdown only.
func (s *Service) Close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*conn)
	s.mu.Unlock()
	for _, c := range conns {
		c.handle.Release()
	}
}

// OpenConnections reports the number of live connection handles. Test helper.
func (s *Service) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
