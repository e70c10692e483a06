// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package exdrpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/klauspost/compress/zstd"
)

const (
	arrowContentType       = "application/vnd.apache.arrow.stream"
	defaultMaxRequestBytes = 16 << 20
)

// HttpServer serves exd_rpc requests over HTTP.
//
// Routes (default prefix /exd):
//
//	POST {prefix}/{method}       unary call
//	POST {prefix}/{method}/init  producer stream, run to completion
//	GET  {prefix}                HTML API reference
//
// Producer streams have no lockstep over HTTP; the produce loop runs to
// completion and the whole output stream is returned in one response body.
// Responses are zstd-compressed when the client sends Accept-Encoding: zstd.
// SetMaxConcurrent bounds how many calls are dispatched at once.
type HttpServer struct {
	server          *Server
	prefix          string
	maxRequestBytes int64
	sem             chan struct{}
	mux             *http.ServeMux
	zstdEnc         *zstd.Encoder
	indexHTML       []byte
	notFoundHTML    []byte
}

// NewHttpServer creates a new HTTP server wrapping an RPC server.
func NewHttpServer(server *Server) *HttpServer {
	enc, _ := zstd.NewWriter(nil)
	h := &HttpServer{
		server:          server,
		prefix:          "/exd",
		maxRequestBytes: defaultMaxRequestBytes,
		zstdEnc:         enc,
	}
	h.indexHTML = buildIndexHTML(server)
	h.notFoundHTML = buildNotFoundHTML(h.prefix, server.serviceName)

	h.mux = http.NewServeMux()
	h.mux.HandleFunc(fmt.Sprintf("POST %s/{method}/init", h.prefix), h.handleStreamInit)
	h.mux.HandleFunc(fmt.Sprintf("POST %s/{method}", h.prefix), h.handleUnary)
	h.mux.HandleFunc(fmt.Sprintf("GET %s", h.prefix), h.handleIndexPage)
	h.mux.HandleFunc(fmt.Sprintf("GET %s/{$}", h.prefix), h.handleIndexPage)
	h.mux.HandleFunc("/", h.handleNotFound)
	return h
}

// SetMaxRequestBytes bounds the size of accepted request bodies.
func (h *HttpServer) SetMaxRequestBytes(n int64) {
	h.maxRequestBytes = n
}

// SetMaxConcurrent bounds the number of RPC calls serviced at once.
// Excess requests wait for a slot or for their context to end. Zero
// removes the bound.
func (h *HttpServer) SetMaxConcurrent(n int) {
	if n > 0 {
		h.sem = make(chan struct{}, n)
	} else {
		h.sem = nil
	}
}

// acquireSlot blocks until a dispatch slot is free. Reports false when the
// request ended while waiting.
func (h *HttpServer) acquireSlot(r *http.Request) bool {
	if h.sem == nil {
		return true
	}
	select {
	case h.sem <- struct{}{}:
		return true
	case <-r.Context().Done():
		return false
	}
}

func (h *HttpServer) releaseSlot() {
	if h.sem != nil {
		<-h.sem
	}
}

// ServeHTTP implements http.Handler.
func (h *HttpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HttpServer) readRequest(w http.ResponseWriter, r *http.Request) (*Request, bool) {
	if ct := r.Header.Get("Content-Type"); ct != arrowContentType {
		h.writeHttpError(w, r, http.StatusUnsupportedMediaType,
			Errorf(CodeInvalidArgument, "Content-Type", "unsupported content type %q", ct), nil)
		return nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBytes))
	if err != nil {
		h.writeHttpError(w, r, http.StatusBadRequest, err, nil)
		return nil, false
	}

	req, err := ReadRequest(bytes.NewReader(body))
	if err != nil {
		h.writeHttpError(w, r, http.StatusBadRequest, err, nil)
		return nil, false
	}

	// Surface transport metadata to dispatch hooks
	req.Metadata["remote_addr"] = r.RemoteAddr
	req.Metadata["user_agent"] = r.UserAgent()
	if tp := r.Header.Get("traceparent"); tp != "" {
		req.Metadata["traceparent"] = tp
	}
	if ts := r.Header.Get("tracestate"); ts != "" {
		req.Metadata["tracestate"] = ts
	}
	return req, true
}

// dispatchHooks wraps the optional dispatch hook around an HTTP call.
func (h *HttpServer) dispatchHooks(ctx context.Context, req *Request, methodType string) (context.Context, func(*CallStatistics, error)) {
	if h.server.dispatchHook == nil {
		return ctx, func(*CallStatistics, error) {}
	}
	info := DispatchInfo{
		Method:            req.Method,
		MethodType:        methodType,
		ServerID:          h.server.serverID,
		RequestID:         req.RequestID,
		TransportMetadata: req.Metadata,
	}
	hookCtx, token := h.server.dispatchHook.OnDispatchStart(ctx, info)
	if hookCtx != nil {
		ctx = hookCtx
	}
	return ctx, func(stats *CallStatistics, err error) {
		h.server.dispatchHook.OnDispatchEnd(ctx, token, info, stats, err)
	}
}

// handleUnary dispatches a unary RPC call.
func (h *HttpServer) handleUnary(w http.ResponseWriter, r *http.Request) {
	if !h.acquireSlot(r) {
		return
	}
	defer h.releaseSlot()

	method := r.PathValue("method")

	if method == "__describe__" {
		h.handleDescribe(w, r)
		return
	}

	info, ok := h.server.methods[method]
	if !ok {
		h.writeHttpError(w, r, http.StatusNotFound,
			Errorf(CodeNotFound, method, "unknown method"), nil)
		return
	}
	if info.Type != MethodUnary {
		h.writeHttpError(w, r, http.StatusBadRequest,
			Errorf(CodeInvalidArgument, method, "method is a stream; use the /init endpoint"), nil)
		return
	}

	req, ok := h.readRequest(w, r)
	if !ok {
		return
	}
	defer req.Batch.Release()

	ctx, endHook := h.dispatchHooks(r.Context(), req, DispatchMethodUnary)
	stats := &CallStatistics{}
	stats.RecordInput(req.Batch.NumRows(), batchBufferSize(req.Batch))

	callCtx := h.server.newCallContext(ctx, req)

	var resultBatch arrow.RecordBatch
	var callErr error
	func() {
		defer func() {
			if rv := recover(); rv != nil {
				callErr = Errorf(CodeInternal, method, "handler panic: %v", rv)
			}
		}()
		resultBatch, callErr = info.unary(ctx, callCtx, NewParams(req.Batch))
	}()

	logs := callCtx.drainLogs()

	var buf bytes.Buffer
	if callErr != nil {
		if resultBatch != nil {
			resultBatch.Release()
		}
		ipcW := ipc.NewWriter(&buf, ipc.WithSchema(info.ResultSchema))
		for _, logMsg := range logs {
			_ = writeLogBatch(ipcW, info.ResultSchema, logMsg, h.server.serverID, req.RequestID)
		}
		_ = writeErrorBatch(ipcW, info.ResultSchema, callErr, h.server.serverID, req.RequestID, h.server.debugErrors)
		_ = ipcW.Close()
		endHook(stats, callErr)
		h.writeArrow(w, r, httpStatus(callErr), buf.Bytes())
		return
	}

	if resultBatch == nil {
		_ = WriteVoidResponse(&buf, logs, h.server.serverID, req.RequestID)
		endHook(stats, nil)
		h.writeArrow(w, r, http.StatusOK, buf.Bytes())
		return
	}
	defer resultBatch.Release()

	stats.RecordOutput(resultBatch.NumRows(), batchBufferSize(resultBatch))
	_ = WriteUnaryResponse(&buf, info.ResultSchema, logs, resultBatch, h.server.serverID, req.RequestID)
	endHook(stats, nil)
	h.writeArrow(w, r, http.StatusOK, buf.Bytes())
}

// handleStreamInit dispatches a producer stream and runs it to completion.
func (h *HttpServer) handleStreamInit(w http.ResponseWriter, r *http.Request) {
	if !h.acquireSlot(r) {
		return
	}
	defer h.releaseSlot()

	method := r.PathValue("method")

	info, ok := h.server.methods[method]
	if !ok {
		h.writeHttpError(w, r, http.StatusNotFound,
			Errorf(CodeNotFound, method, "unknown method"), nil)
		return
	}
	if info.Type != MethodProducer {
		h.writeHttpError(w, r, http.StatusBadRequest,
			Errorf(CodeInvalidArgument, method, "method is unary; use the base endpoint"), nil)
		return
	}

	req, ok := h.readRequest(w, r)
	if !ok {
		return
	}
	defer req.Batch.Release()

	ctx, endHook := h.dispatchHooks(r.Context(), req, DispatchMethodStream)
	stats := &CallStatistics{}
	stats.RecordInput(req.Batch.NumRows(), batchBufferSize(req.Batch))

	callCtx := h.server.newCallContext(ctx, req)

	var streamResult *StreamResult
	var initErr error
	func() {
		defer func() {
			if rv := recover(); rv != nil {
				initErr = Errorf(CodeInternal, method, "handler panic: %v", rv)
			}
		}()
		streamResult, initErr = info.stream(ctx, callCtx, NewParams(req.Batch))
	}()

	if initErr != nil {
		endHook(stats, initErr)
		h.writeHttpError(w, r, httpStatus(initErr), initErr, nil)
		return
	}

	outputSchema := streamResult.OutputSchema
	state, isProducer := streamResult.State.(ProducerState)
	if !isProducer {
		stateErr := Errorf(CodeInternal, method,
			"stream state %T does not implement ProducerState", streamResult.State)
		endHook(stats, stateErr)
		h.writeHttpError(w, r, http.StatusInternalServerError, stateErr, nil)
		return
	}
	defer func() {
		if closer, ok := streamResult.State.(io.Closer); ok {
			_ = closer.Close()
		}
	}()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(outputSchema))

	for _, logMsg := range callCtx.drainLogs() {
		_ = writeLogBatch(writer, outputSchema, logMsg, h.server.serverID, req.RequestID)
	}

	streamErr := h.runProduceLoop(ctx, writer, outputSchema, state, req, stats)
	_ = writer.Close()

	endHook(stats, streamErr)
	h.writeArrow(w, r, http.StatusOK, buf.Bytes())
}

// runProduceLoop runs the producer state machine to completion, writing data
// and error batches to the IPC writer. The returned error is the stream
// error reported to hooks; it is already on the wire.
func (h *HttpServer) runProduceLoop(ctx context.Context, writer *ipc.Writer, schema *arrow.Schema,
	state ProducerState, req *Request, stats *CallStatistics) error {

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := NewOutputCollector(schema, h.server.serverID)
		callCtx := h.server.newCallContext(ctx, req)

		var produceErr error
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					produceErr = Errorf(CodeInternal, req.Method, "produce panic: %v", rv)
				}
			}()
			if err := state.Produce(ctx, out, callCtx); err != nil {
				produceErr = err
			}
		}()

		if produceErr != nil {
			out.release()
			_ = writeErrorBatch(writer, schema, produceErr, h.server.serverID, req.RequestID, h.server.debugErrors)
			return produceErr
		}

		if !out.Finished() {
			if err := out.validate(); err != nil {
				out.release()
				_ = writeErrorBatch(writer, schema, err, h.server.serverID, req.RequestID, h.server.debugErrors)
				return err
			}
		}

		for _, ab := range out.batches {
			if ab.meta != nil {
				batchWithMeta := array.NewRecordBatchWithMetadata(
					schema, ab.batch.Columns(), ab.batch.NumRows(), *ab.meta)
				_ = writer.Write(batchWithMeta)
				batchWithMeta.Release()
			} else {
				stats.RecordOutput(ab.batch.NumRows(), batchBufferSize(ab.batch))
				_ = writer.Write(ab.batch)
			}
			ab.batch.Release()
		}

		if out.Finished() {
			return nil
		}
	}
}

// handleDescribe handles the __describe__ introspection endpoint.
func (h *HttpServer) handleDescribe(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readRequest(w, r)
	if !ok {
		return
	}
	defer req.Batch.Release()

	var buf bytes.Buffer
	if err := h.server.serveDescribe(&buf); err != nil {
		h.writeHttpError(w, r, http.StatusInternalServerError, err, nil)
		return
	}
	h.writeArrow(w, r, http.StatusOK, buf.Bytes())
}

// httpStatus maps an error's wire code to an HTTP status code.
func httpStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument, CodeOutOfRange, CodeUnsupportedType:
		return http.StatusBadRequest
	case CodeParseError:
		return http.StatusUnprocessableEntity
	case CodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *HttpServer) writeHttpError(w http.ResponseWriter, r *http.Request, statusCode int, err error, schema *arrow.Schema) {
	if schema == nil {
		schema = arrow.NewSchema(nil, nil)
	}
	var buf bytes.Buffer
	_ = WriteErrorResponse(&buf, schema, err, h.server.serverID, "", h.server.debugErrors)
	h.writeArrow(w, r, statusCode, buf.Bytes())
}

func (h *HttpServer) writeArrow(w http.ResponseWriter, r *http.Request, statusCode int, data []byte) {
	w.Header().Set("Content-Type", arrowContentType)
	if acceptsZstd(r) {
		w.Header().Set("Content-Encoding", "zstd")
		data = h.zstdEnc.EncodeAll(data, nil)
	}
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}

func acceptsZstd(r *http.Request) bool {
	for enc := range strings.SplitSeq(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(strings.SplitN(enc, ";", 2)[0]) == "zstd" {
			return true
		}
	}
	return false
}
