// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the exdgate server.
package main

func main() {
	Execute()
}
