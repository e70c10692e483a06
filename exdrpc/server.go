// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package exdrpc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog"
)

// MethodType identifies how a registered method should be dispatched.
type MethodType int

const (
	// MethodUnary identifies a request-response method with a single result.
	MethodUnary MethodType = iota
	// MethodProducer identifies a server-driven streaming method.
	MethodProducer
)

// UnaryHandler processes one unary call. A nil batch is a void response;
// a non-nil batch is released by the server after writing.
type UnaryHandler func(ctx context.Context, call *CallContext, params *Params) (arrow.RecordBatch, error)

// StreamHandler initializes a producer stream. The returned StreamResult
// carries the output schema, which may differ per call.
type StreamHandler func(ctx context.Context, call *CallContext, params *Params) (*StreamResult, error)

// methodInfo stores the registration details for one RPC method.
type methodInfo struct {
	Name         string
	Type         MethodType
	Doc          string
	ParamsSchema *arrow.Schema
	ResultSchema *arrow.Schema // unary only; zero fields means void
	unary        UnaryHandler
	stream       StreamHandler
}

// Server dispatches incoming exd_rpc requests to registered methods.
type Server struct {
	methods      map[string]*methodInfo
	serverID     string
	serviceName  string
	dispatchHook DispatchHook
	debugErrors  bool
	log          zerolog.Logger
}

// NewServer creates a new RPC server. Internal diagnostics go to log;
// client-directed messages travel in the response stream.
func NewServer(log zerolog.Logger) *Server {
	return &Server{
		methods: make(map[string]*methodInfo),
		log:     log,
	}
}

// SetServerID sets a server identifier included in response metadata.
func (s *Server) SetServerID(id string) {
	s.serverID = id
}

// ServerID returns the server identifier.
func (s *Server) ServerID() string {
	return s.serverID
}

// SetServiceName sets a logical service name used by observability hooks.
func (s *Server) SetServiceName(name string) {
	s.serviceName = name
}

// ServiceName returns the logical service name, or empty string if not set.
func (s *Server) ServiceName() string {
	return s.serviceName
}

// SetDispatchHook registers a hook that is called around each RPC dispatch.
func (s *Server) SetDispatchHook(hook DispatchHook) {
	s.dispatchHook = hook
}

// SetDebugErrors controls whether error responses include full stack traces
// with file paths and function names. When false (the default), error
// responses contain only the error code, entity, and message. Enable for
// development; disable for public-facing deployments to avoid leaking
// implementation details.
func (s *Server) SetDebugErrors(enabled bool) {
	s.debugErrors = enabled
}

// Unary registers a unary RPC method. A result schema with zero fields
// declares a void method; its handler must return a nil batch.
func (s *Server) Unary(name, doc string, paramsSchema, resultSchema *arrow.Schema, handler UnaryHandler) {
	if paramsSchema == nil {
		paramsSchema = arrow.NewSchema(nil, nil)
	}
	if resultSchema == nil {
		resultSchema = arrow.NewSchema(nil, nil)
	}
	s.methods[name] = &methodInfo{
		Name:         name,
		Type:         MethodUnary,
		Doc:          doc,
		ParamsSchema: paramsSchema,
		ResultSchema: resultSchema,
		unary:        handler,
	}
}

// Producer registers a producer stream method. The output schema is chosen
// per call by the handler's StreamResult.
func (s *Server) Producer(name, doc string, paramsSchema *arrow.Schema, handler StreamHandler) {
	if paramsSchema == nil {
		paramsSchema = arrow.NewSchema(nil, nil)
	}
	s.methods[name] = &methodInfo{
		Name:         name,
		Type:         MethodProducer,
		Doc:          doc,
		ParamsSchema: paramsSchema,
		ResultSchema: arrow.NewSchema(nil, nil),
		stream:       handler,
	}
}

// RunStdio runs the server loop reading from stdin and writing to stdout.
// If stdin or stdout is connected to a terminal, a warning is printed to
// stderr.
func (s *Server) RunStdio() {
	// Ignore SIGPIPE so writes to closed pipes (stderr logging, stdout IPC)
	// return errors instead of killing the process. Transport errors are
	// already handled by isTransportClosed() in the serve loop.
	signal.Ignore(syscall.SIGPIPE)

	if isTerminal(os.Stdin) || isTerminal(os.Stdout) {
		fmt.Fprintln(os.Stderr,
			"WARNING: This process communicates via Arrow IPC on stdin/stdout "+
				"and is not intended to be run interactively.\n"+
				"It should be launched as a subprocess by an RPC client.")
	}
	s.Serve(os.Stdin, os.Stdout)
}

// isTerminal reports whether f is connected to a terminal.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Serve runs the server loop on the given reader/writer pair.
func (s *Server) Serve(r io.Reader, w io.Writer) {
	s.ServeWithContext(context.Background(), r, w)
}

// ServeWithContext runs the server loop on the given reader/writer pair with a context.
func (s *Server) ServeWithContext(ctx context.Context, r io.Reader, w io.Writer) {
	for {
		err := s.serveOne(ctx, r, w)
		if err != nil {
			if err == io.EOF {
				return
			}
			// Only log unexpected errors (not broken pipe / connection reset)
			if !isTransportClosed(err) {
				s.log.Error().Err(err).Msg("serve loop error")
			}
			return
		}
	}
}

// serveOne handles one complete RPC request-response cycle.
func (s *Server) serveOne(ctx context.Context, r io.Reader, w io.Writer) error {
	req, err := ReadRequest(r)
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		if rpcErr, ok := err.(*Error); ok {
			emptySchema := arrow.NewSchema(nil, nil)
			_ = WriteErrorResponse(w, emptySchema, rpcErr, s.serverID, "", s.debugErrors)
			return nil // continue serving
		}
		return err // transport error, stop serving
	}
	defer req.Batch.Release()

	// Handle __describe__ introspection
	if req.Method == "__describe__" {
		return s.serveDescribe(w)
	}

	info, ok := s.methods[req.Method]
	if !ok {
		errMsg := fmt.Sprintf("unknown method %q, available methods: %v",
			req.Method, s.availableMethods())
		emptySchema := arrow.NewSchema(nil, nil)
		_ = WriteErrorResponse(w, emptySchema,
			Errorf(CodeNotFound, req.Method, "%s", errMsg),
			s.serverID, req.RequestID, s.debugErrors)
		return nil
	}

	dispatchInfo := DispatchInfo{
		Method:            req.Method,
		MethodType:        methodTypeString(info.Type),
		ServerID:          s.serverID,
		RequestID:         req.RequestID,
		TransportMetadata: req.Metadata,
	}

	var hookToken HookToken
	var hookActive bool
	stats := &CallStatistics{}

	if s.dispatchHook != nil {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					s.log.Error().Interface("panic", rv).Msg("dispatch hook start panic")
				}
			}()
			var hookCtx context.Context
			hookCtx, hookToken = s.dispatchHook.OnDispatchStart(ctx, dispatchInfo)
			if hookCtx != nil {
				ctx = hookCtx
			}
			hookActive = true
		}()
	}

	var handlerErr error
	var transportErr error
	switch info.Type {
	case MethodUnary:
		handlerErr, transportErr = s.serveUnary(ctx, w, req, info, stats)
	case MethodProducer:
		handlerErr, transportErr = s.serveStream(ctx, r, w, req, info, stats)
	}

	if hookActive {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					s.log.Error().Interface("panic", rv).Msg("dispatch hook end panic")
				}
			}()
			s.dispatchHook.OnDispatchEnd(ctx, hookToken, dispatchInfo, stats, handlerErr)
		}()
	}

	return transportErr
}

// newCallContext builds the per-request CallContext. An absent client log
// level admits everything; the client filters on its side.
func (s *Server) newCallContext(ctx context.Context, req *Request) *CallContext {
	level := LogLevel(req.LogLevel)
	if level == "" {
		level = LogTrace
	}
	return &CallContext{
		Ctx:       ctx,
		RequestID: req.RequestID,
		ServerID:  s.serverID,
		Method:    req.Method,
		LogLevel:  level,
	}
}

// serveUnary dispatches a unary method call.
// Returns handlerErr (application error reported to hook) and transportErr
// (I/O error for the serve loop).
func (s *Server) serveUnary(ctx context.Context, w io.Writer, req *Request, info *methodInfo, stats *CallStatistics) (handlerErr, transportErr error) {
	stats.RecordInput(req.Batch.NumRows(), batchBufferSize(req.Batch))

	callCtx := s.newCallContext(ctx, req)

	var resultBatch arrow.RecordBatch
	var callErr error
	func() {
		defer func() {
			if rv := recover(); rv != nil {
				callErr = Errorf(CodeInternal, req.Method, "handler panic: %v", rv)
			}
		}()
		resultBatch, callErr = info.unary(ctx, callCtx, NewParams(req.Batch))
	}()

	logs := callCtx.drainLogs()

	if callErr != nil {
		if resultBatch != nil {
			resultBatch.Release()
		}
		ipcW := ipc.NewWriter(w, ipc.WithSchema(info.ResultSchema))
		for _, logMsg := range logs {
			if err := writeLogBatch(ipcW, info.ResultSchema, logMsg, s.serverID, req.RequestID); err != nil {
				s.log.Error().Err(err).Msg("failed to write log batch")
			}
		}
		if err := writeErrorBatch(ipcW, info.ResultSchema, callErr, s.serverID, req.RequestID, s.debugErrors); err != nil {
			s.log.Error().Err(err).Msg("failed to write error batch")
		}
		if err := ipcW.Close(); err != nil {
			s.log.Error().Err(err).Msg("failed to close IPC writer")
		}
		return callErr, nil
	}

	if resultBatch == nil {
		return nil, WriteVoidResponse(w, logs, s.serverID, req.RequestID)
	}
	defer resultBatch.Release()

	stats.RecordOutput(resultBatch.NumRows(), batchBufferSize(resultBatch))

	return nil, WriteUnaryResponse(w, info.ResultSchema, logs, resultBatch, s.serverID, req.RequestID)
}

// serveStream dispatches a producer stream method using the lockstep
// protocol: the client sends one empty tick batch per Produce call and the
// server answers with log batches plus exactly one data batch, until the
// state finishes or fails.
func (s *Server) serveStream(ctx context.Context, r io.Reader, w io.Writer, req *Request, info *methodInfo, stats *CallStatistics) (handlerErr, transportErr error) {
	stats.RecordInput(req.Batch.NumRows(), batchBufferSize(req.Batch))

	callCtx := s.newCallContext(ctx, req)

	var streamResult *StreamResult
	var initErr error
	func() {
		defer func() {
			if rv := recover(); rv != nil {
				initErr = Errorf(CodeInternal, req.Method, "handler panic: %v", rv)
			}
		}()
		streamResult, initErr = info.stream(ctx, callCtx, NewParams(req.Batch))
	}()

	if initErr != nil {
		// Write the error inside the expected output stream format (not a
		// standalone error stream) so the client can read it during the
		// normal streaming protocol. Then drain the client's input stream
		// so the transport is clean for the next request.
		outputSchema := arrow.NewSchema(nil, nil)
		outputWriter := ipc.NewWriter(w, ipc.WithSchema(outputSchema))
		for _, logMsg := range callCtx.drainLogs() {
			_ = writeLogBatch(outputWriter, outputSchema, logMsg, s.serverID, req.RequestID)
		}
		if err := writeErrorBatch(outputWriter, outputSchema, initErr, s.serverID, req.RequestID, s.debugErrors); err != nil {
			s.log.Error().Err(err).Msg("failed to write error batch")
		}
		if err := outputWriter.Close(); err != nil {
			s.log.Error().Err(err).Msg("failed to close output writer")
		}
		drainInput(r)
		return initErr, nil
	}

	outputSchema := streamResult.OutputSchema
	state, ok := streamResult.State.(ProducerState)
	if !ok {
		stateErr := Errorf(CodeInternal, req.Method,
			"stream state %T does not implement ProducerState", streamResult.State)
		outputWriter := ipc.NewWriter(w, ipc.WithSchema(outputSchema))
		_ = writeErrorBatch(outputWriter, outputSchema, stateErr, s.serverID, req.RequestID, s.debugErrors)
		_ = outputWriter.Close()
		drainInput(r)
		return stateErr, nil
	}

	// Close the state on every exit path so resources it holds (file
	// handle references) are released even when the client disconnects.
	defer func() {
		if closer, ok := streamResult.State.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				s.log.Error().Err(err).Str("method", req.Method).Msg("closing stream state")
			}
		}
	}()

	inputReader, err := ipc.NewReader(r)
	if err != nil {
		return nil, nil // transport error
	}
	defer inputReader.Release()

	outputWriter := ipc.NewWriter(w, ipc.WithSchema(outputSchema))

	for _, logMsg := range callCtx.drainLogs() {
		if err := writeLogBatch(outputWriter, outputSchema, logMsg, s.serverID, req.RequestID); err != nil {
			s.log.Error().Err(err).Msg("failed to write init log batch")
		}
	}

	// Lockstep loop
	var streamErr error
	for {
		if !inputReader.Next() {
			// Client closed the stream
			break
		}
		inputBatch := inputReader.RecordBatch()
		stats.RecordInput(inputBatch.NumRows(), batchBufferSize(inputBatch))

		out := NewOutputCollector(outputSchema, s.serverID)
		iterCtx := s.newCallContext(ctx, req)

		func() {
			defer func() {
				if rv := recover(); rv != nil {
					streamErr = Errorf(CodeInternal, req.Method, "produce panic: %v", rv)
				}
			}()
			if err := state.Produce(ctx, out, iterCtx); err != nil {
				streamErr = err
			}
		}()

		if streamErr != nil {
			out.release()
			if err := writeErrorBatch(outputWriter, outputSchema, streamErr, s.serverID, req.RequestID, s.debugErrors); err != nil {
				s.log.Error().Err(err).Msg("failed to write stream error batch")
			}
			break
		}

		if !out.Finished() {
			if err := out.validate(); err != nil {
				streamErr = err
				out.release()
				if writeErr := writeErrorBatch(outputWriter, outputSchema, err, s.serverID, req.RequestID, s.debugErrors); writeErr != nil {
					s.log.Error().Err(writeErr).Msg("failed to write validation error batch")
				}
				break
			}
		}

		// Flush all accumulated batches to the output writer
		for i, ab := range out.batches {
			var writeErr error
			if ab.meta != nil {
				batchWithMeta := array.NewRecordBatchWithMetadata(
					outputSchema, ab.batch.Columns(), ab.batch.NumRows(), *ab.meta)
				writeErr = outputWriter.Write(batchWithMeta)
				batchWithMeta.Release()
			} else {
				stats.RecordOutput(ab.batch.NumRows(), batchBufferSize(ab.batch))
				writeErr = outputWriter.Write(ab.batch)
			}
			ab.batch.Release()
			if writeErr != nil {
				for _, remaining := range out.batches[i+1:] {
					remaining.batch.Release()
				}
				transportErr = fmt.Errorf("writing output batch: %w", writeErr)
				break
			}
		}

		if transportErr != nil {
			break
		}
		if out.Finished() {
			break
		}
	}

	// Close output writer (sends EOS)
	if err := outputWriter.Close(); err != nil {
		s.log.Error().Err(err).Msg("failed to close output writer")
	}

	// Drain remaining input so transport is clean for next request
	for inputReader.Next() {
		// discard
	}

	return streamErr, transportErr
}

// drainInput reads and discards one IPC stream from r, if any.
func drainInput(r io.Reader) {
	if inputReader, err := ipc.NewReader(r); err == nil {
		for inputReader.Next() {
			// discard
		}
		inputReader.Release()
	}
}

// isTransportClosed returns true for errors that indicate the transport was closed normally.
func isTransportClosed(err error) bool {
	if err == io.EOF {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}

func (s *Server) availableMethods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
