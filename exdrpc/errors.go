// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package exdrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
)

// Code classifies an error for the wire. It is carried in the
// exd_rpc.error_code metadata of EXCEPTION batches so clients can branch
// without parsing messages.
type Code string

const (
	CodeNotFound        Code = "NOT_FOUND"
	CodeParseError      Code = "PARSE_ERROR"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeOutOfRange      Code = "OUT_OF_RANGE"
	CodeUnsupportedType Code = "UNSUPPORTED_TYPE"
	CodeCancelled       Code = "CANCELLED"
	CodeInternal        Code = "INTERNAL"
)

// ErrRpc is a sentinel for use with errors.Is to check whether any error in
// a chain is an *Error.
var ErrRpc = &Error{}

// Error is a classified error in the exd_rpc protocol. Entity names the
// thing the error is about (a file URL, a group id, a channel name) and is
// included in the wire message.
type Error struct {
	Code    Code
	Message string
	Entity  string
}

func (e *Error) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is supports errors.Is by matching any *Error target.
func (e *Error) Is(target error) bool {
	_, ok := target.(*Error)
	return ok
}

// Errorf builds a classified error with a formatted message.
func Errorf(code Code, entity, format string, args ...any) *Error {
	return &Error{Code: code, Entity: entity, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the wire code for an error. Unclassified errors report
// CodeInternal; context cancellation reports CodeCancelled.
func CodeOf(err error) Code {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}
	return CodeInternal
}

// stackFrame is a single frame in a stack trace, written to the error
// batch log_extra when debug errors are enabled.
type stackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// errorExtra is the JSON structure written to exd_rpc.log_extra
// for EXCEPTION-level log batches.
type errorExtra struct {
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
	Entity       string       `json:"entity,omitempty"`
	Traceback    string       `json:"traceback,omitempty"`
	Frames       []stackFrame `json:"frames,omitempty"`
}

// buildErrorExtra creates the JSON string for exd_rpc.log_extra from an
// error. Stack information is included only when debug is set; public
// deployments should not leak file paths.
func buildErrorExtra(err error, debug bool) string {
	code := CodeOf(err)

	extra := errorExtra{
		ErrorCode:    string(code),
		ErrorMessage: err.Error(),
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		extra.Entity = rpcErr.Entity
	}

	if debug {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		extra.Traceback = string(buf[:n])

		pcs := make([]uintptr, 10)
		n = runtime.Callers(2, pcs)
		if n > 0 {
			callersFrames := runtime.CallersFrames(pcs[:n])
			count := 0
			for {
				frame, more := callersFrames.Next()
				if count >= 5 {
					break
				}
				extra.Frames = append(extra.Frames, stackFrame{
					File:     frame.File,
					Line:     frame.Line,
					Function: frame.Function,
				})
				count++
				if !more {
					break
				}
			}
		}
	}

	data, _ := json.Marshal(extra)
	return string(data)
}
