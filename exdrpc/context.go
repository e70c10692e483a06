// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package exdrpc

import "context"

// CallContext carries per-request state into method handlers together with
// a buffer of client-directed log messages. Messages recorded through
// ClientLog travel back as zero-row log batches ahead of the result, so a
// handler can surface diagnostics such as resolver warnings without
// disturbing the data stream.
type CallContext struct {
	// Ctx carries cancellation and deadlines for this request.
	Ctx context.Context
	// RequestID is the client-supplied request identifier, echoed in all
	// response metadata.
	RequestID string
	// ServerID identifies the serving process.
	ServerID string
	// Method is the invoked RPC method name.
	Method string
	// LogLevel is the least severe level the client asked to receive.
	LogLevel LogLevel

	logs []LogMessage
}

// ClientLog buffers a message for the client. Messages below the client's
// requested level are dropped.
func (c *CallContext) ClientLog(level LogLevel, msg string, extras ...KV) {
	if logLevelPriority(level) > logLevelPriority(c.LogLevel) {
		return
	}
	m := LogMessage{Level: level, Message: msg}
	for _, kv := range extras {
		if m.Extras == nil {
			m.Extras = make(map[string]string, len(extras))
		}
		m.Extras[kv.Key] = kv.Value
	}
	c.logs = append(c.logs, m)
}

// drainLogs hands over the buffered messages and resets the buffer.
func (c *CallContext) drainLogs() []LogMessage {
	logs := c.logs
	c.logs = nil
	return logs
}
