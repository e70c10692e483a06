// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "exdgate",
	Short: "External-data adapter serving measurement files over exd_rpc",
	Long: `exdgate exposes scientific measurement files through the exd_rpc
protocol. Files whose native groups mix channel lengths are split into
logical groups with one uniform row count each, so clients always see
rectangular data.

Quick start:
  exdgate serve             # Start the HTTP server
  exdgate serve --stdio     # Serve Arrow IPC on stdin/stdout`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "exdgate.yaml", "config file path")
}
