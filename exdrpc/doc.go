// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

// Package exdrpc implements the exd_rpc protocol, an Apache Arrow IPC-based
// RPC framework used by the external-data adapter.
//
// The protocol encodes all parameters and results as Arrow RecordBatch
// messages with per-batch custom metadata carrying method names, request
// IDs, log messages, and error information. Data travels as columnar
// batches; the control plane stays human-readable.
//
// # Method types
//
// Two method types are supported:
//
//   - Unary: a single request produces a single response. Register with
//     [Server.Unary]. A handler returning a nil batch produces a void
//     response.
//   - Producer: a single request initiates a server-driven stream of
//     output batches. The server calls [ProducerState.Produce] in a
//     lockstep loop until the state signals completion via
//     [OutputCollector.Finish]. Register with [Server.Producer]. The
//     output schema is chosen per call by the handler, so one method can
//     serve streams with different column sets.
//
// # Errors
//
// Handler errors travel as zero-row EXCEPTION batches. Each carries a
// machine-readable [Code] in the exd_rpc.error_code metadata key and a
// JSON log_extra with the entity the error is about. Stack traces appear
// only when [Server.SetDebugErrors] is enabled.
//
// # Transports
//
// The stdio transport ([Server.RunStdio], [Server.Serve]) reads and writes
// Arrow IPC streams on an io.Reader/io.Writer pair, for subprocess workers.
// [HttpServer] exposes the same methods over HTTP; producer streams run to
// completion per request since HTTP has no lockstep.
package exdrpc
