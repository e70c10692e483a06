// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package exdrpc

// Well-known metadata keys used in the exd_rpc wire protocol.
// These appear as custom_metadata on Arrow IPC RecordBatch messages.
const (
	MetaMethod         = "exd_rpc.method"
	MetaRequestVersion = "exd_rpc.request_version"
	MetaRequestID      = "exd_rpc.request_id"
	MetaLogLevel       = "exd_rpc.log_level"
	MetaLogMessage     = "exd_rpc.log_message"
	MetaLogExtra       = "exd_rpc.log_extra"
	MetaServerID       = "exd_rpc.server_id"
	MetaErrorCode      = "exd_rpc.error_code"

	ProtocolVersion = "1"
)
