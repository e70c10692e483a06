// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/exdgate/exdgate/config"
)

// writeAndLoad writes a config file with the given content and loads it.
func writeAndLoad(t *testing.T, content string) (*config.Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exdgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return config.Load(path)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := writeAndLoad(t, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.Port != 8081 {
		t.Errorf("Port = %d, want 8081", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout = %v, want 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 120*time.Second {
		t.Errorf("WriteTimeout = %v, want 120s", cfg.Server.WriteTimeout)
	}
	if cfg.Server.MaxRequestBytes != 16<<20 {
		t.Errorf("MaxRequestBytes = %d, want 16 MiB", cfg.Server.MaxRequestBytes)
	}
	// Default scales with the machine; only its presence is portable
	if cfg.Server.MaxConcurrentStreams <= 0 {
		t.Errorf("MaxConcurrentStreams = %d, want a positive default", cfg.Server.MaxConcurrentStreams)
	}
	if cfg.Server.HealthPath != "/healthz" {
		t.Errorf("HealthPath = %q, want /healthz", cfg.Server.HealthPath)
	}
	if cfg.Cache.IdleTTL != 5*time.Minute {
		t.Errorf("IdleTTL = %v, want 5m", cfg.Cache.IdleTTL)
	}
	if cfg.Cache.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %v, want 30s", cfg.Cache.SweepInterval)
	}
	if cfg.Values.ChunkRows != 65536 {
		t.Errorf("ChunkRows = %d, want 65536", cfg.Values.ChunkRows)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %q/%q, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = true, want false")
	}
	if cfg.Telemetry.MetricInterval != time.Minute {
		t.Errorf("MetricInterval = %v, want 1m", cfg.Telemetry.MetricInterval)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := writeAndLoad(t, `
server:
  host: 127.0.0.1
  port: 9090
  read_timeout: 10s
  write_timeout: 1m
  max_request_bytes: 1048576
  max_concurrent_streams: 8
  debug_errors: true
  health_path: /livez
cache:
  idle_ttl: 2m
  sweep_interval: 15s
values:
  chunk_rows: 1024
logging:
  level: debug
  format: console
telemetry:
  enabled: true
  stdout: true
  metric_interval: 5s
`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Errorf("Server = %s:%d, want 127.0.0.1:9090", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 10*time.Second || cfg.Server.WriteTimeout != time.Minute {
		t.Errorf("timeouts = %v/%v", cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	}
	if !cfg.Server.DebugErrors {
		t.Error("DebugErrors = false, want true")
	}
	if cfg.Server.MaxConcurrentStreams != 8 {
		t.Errorf("MaxConcurrentStreams = %d, want 8", cfg.Server.MaxConcurrentStreams)
	}
	if cfg.Server.HealthPath != "/livez" {
		t.Errorf("HealthPath = %q, want /livez", cfg.Server.HealthPath)
	}
	if cfg.Cache.IdleTTL != 2*time.Minute || cfg.Cache.SweepInterval != 15*time.Second {
		t.Errorf("Cache = %v/%v", cfg.Cache.IdleTTL, cfg.Cache.SweepInterval)
	}
	if cfg.Values.ChunkRows != 1024 {
		t.Errorf("ChunkRows = %d, want 1024", cfg.Values.ChunkRows)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("Logging = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
	if !cfg.Telemetry.Enabled || !cfg.Telemetry.Stdout || cfg.Telemetry.MetricInterval != 5*time.Second {
		t.Errorf("Telemetry = %+v", cfg.Telemetry)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EXDGATE_SERVER_PORT", "7070")
	t.Setenv("EXDGATE_SERVER_MAX_CONCURRENT_STREAMS", "3")
	t.Setenv("EXDGATE_CACHE_IDLE_TTL", "90s")
	t.Setenv("EXDGATE_VALUES_CHUNK_ROWS", "4096")
	t.Setenv("EXDGATE_LOG_LEVEL", "warn")

	cfg, err := writeAndLoad(t, `
server:
  port: 9090
logging:
  level: debug
`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Environment always beats the file
	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Server.MaxConcurrentStreams != 3 {
		t.Errorf("MaxConcurrentStreams = %d, want 3", cfg.Server.MaxConcurrentStreams)
	}
	if cfg.Cache.IdleTTL != 90*time.Second {
		t.Errorf("IdleTTL = %v, want 90s", cfg.Cache.IdleTTL)
	}
	if cfg.Values.ChunkRows != 4096 {
		t.Errorf("ChunkRows = %d, want 4096", cfg.Values.ChunkRows)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("EXDGATE_SERVER_HOST", "10.0.0.5")
	t.Setenv("EXDGATE_TELEMETRY_ENABLED", "yes")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Server.Host != "10.0.0.5" {
		t.Errorf("Host = %q, want 10.0.0.5", cfg.Server.Host)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = false, want true")
	}
	// Defaults still apply underneath
	if cfg.Server.Port != 8081 {
		t.Errorf("Port = %d, want 8081", cfg.Server.Port)
	}
}

func TestLoadWithFallback(t *testing.T) {
	// Missing file falls back to the environment
	t.Setenv("EXDGATE_SERVER_PORT", "6060")
	cfg, err := config.LoadWithFallback(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFallback: %v", err)
	}
	if cfg.Server.Port != 6060 {
		t.Errorf("Port = %d, want 6060", cfg.Server.Port)
	}
}

func TestExpandEnvInFile(t *testing.T) {
	t.Setenv("TEST_EXDGATE_HOST", "192.168.1.10")

	cfg, err := writeAndLoad(t, `
server:
  host: ${TEST_EXDGATE_HOST}
`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "192.168.1.10" {
		t.Errorf("Host = %q, want 192.168.1.10", cfg.Server.Host)
	}
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "bad port",
			content: "server:\n  port: 70000\n",
			want:    "server.port",
		},
		{
			name:    "bad log level",
			content: "logging:\n  level: verbose\n",
			want:    "logging.level",
		},
		{
			name:    "bad log format",
			content: "logging:\n  format: xml\n",
			want:    "logging.format",
		},
		{
			name:    "tls without cert",
			content: "server:\n  tls:\n    enabled: true\n",
			want:    "cert_file",
		},
		{
			name:    "client ca without tls",
			content: "server:\n  tls:\n    client_ca_file: /ca.pem\n",
			want:    "client_ca_file",
		},
		{
			name:    "require client cert without ca",
			content: "server:\n  tls:\n    enabled: true\n    cert_file: /c.pem\n    key_file: /k.pem\n    require_client_cert: true\n",
			want:    "require_client_cert",
		},
		{
			name:    "negative concurrency bound",
			content: "server:\n  max_concurrent_streams: -1\n",
			want:    "max_concurrent_streams",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := writeAndLoad(t, tc.content)
			if err == nil {
				t.Fatal("Load succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load succeeded on missing file, want error")
	}
}
