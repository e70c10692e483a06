// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Values    ValuesConfig    `yaml:"values"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// MaxRequestBytes bounds the size of accepted request bodies.
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
	// MaxConcurrentStreams bounds the number of RPC calls serviced at
	// once. Excess requests queue until a slot frees.
	MaxConcurrentStreams int       `yaml:"max_concurrent_streams"`
	TLS                  TLSConfig `yaml:"tls"`
	// DebugErrors includes stack traces in wire error responses.
	DebugErrors bool `yaml:"debug_errors"`
	// HealthPath is the liveness endpoint path.
	HealthPath string `yaml:"health_path"`
}

// TLSConfig configures transport security for the HTTP server.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// ClientCAFile enables mutual TLS: client certificates are verified
	// against this CA when presented.
	ClientCAFile string `yaml:"client_ca_file"`
	// RequireClientCert rejects connections without a verified client
	// certificate. Needs ClientCAFile.
	RequireClientCert bool `yaml:"require_client_cert"`
}

// CacheConfig configures the file handle cache.
type CacheConfig struct {
	// IdleTTL keeps unreferenced files open after their last use.
	// Zero closes files as soon as their refcount drops to zero.
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// SweepInterval is how often idle files are collected.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ValuesConfig configures value streaming.
type ValuesConfig struct {
	// ChunkRows bounds the rows per streamed get_values batch.
	ChunkRows int64 `yaml:"chunk_rows"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// TelemetryConfig configures OpenTelemetry instrumentation.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Stdout writes traces and metrics to stdout for development.
	Stdout bool `yaml:"stdout"`
	// MetricInterval is the metric export period.
	MetricInterval time.Duration `yaml:"metric_interval"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// This is useful for Docker deployments where no config file is needed.
//
// Environment variables:
//
//	EXDGATE_SERVER_HOST         - Server host (default: 0.0.0.0)
//	EXDGATE_SERVER_PORT         - Server port (default: 8081)
//	EXDGATE_TLS_ENABLED         - Enable TLS (default: false)
//	EXDGATE_TLS_CERT_FILE       - TLS certificate file
//	EXDGATE_TLS_KEY_FILE        - TLS key file
//	EXDGATE_TLS_CLIENT_CA_FILE  - CA file for mutual TLS
//	EXDGATE_TLS_REQUIRE_CLIENT_CERT - Reject clients without a verified certificate
//	EXDGATE_SERVER_MAX_CONCURRENT_STREAMS - Bound on simultaneous RPC calls
//	EXDGATE_CACHE_IDLE_TTL      - Idle file TTL (default: 5m)
//	EXDGATE_VALUES_CHUNK_ROWS   - Rows per streamed batch (default: 65536)
//	EXDGATE_LOG_LEVEL           - Log level: debug, info, warn, error (default: info)
//	EXDGATE_LOG_FORMAT          - Log format: json or console (default: json)
//	EXDGATE_TELEMETRY_ENABLED   - Enable OpenTelemetry (default: false)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies EXDGATE_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EXDGATE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("EXDGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("EXDGATE_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("EXDGATE_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}
	if v := os.Getenv("EXDGATE_SERVER_MAX_REQUEST_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxRequestBytes = n
		}
	}
	if v := os.Getenv("EXDGATE_SERVER_MAX_CONCURRENT_STREAMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MaxConcurrentStreams = n
		}
	}
	if v := os.Getenv("EXDGATE_SERVER_DEBUG_ERRORS"); v != "" {
		cfg.Server.DebugErrors = parseBool(v)
	}

	if v := os.Getenv("EXDGATE_TLS_ENABLED"); v != "" {
		cfg.Server.TLS.Enabled = parseBool(v)
	}
	if v := os.Getenv("EXDGATE_TLS_CERT_FILE"); v != "" {
		cfg.Server.TLS.CertFile = v
	}
	if v := os.Getenv("EXDGATE_TLS_KEY_FILE"); v != "" {
		cfg.Server.TLS.KeyFile = v
	}
	if v := os.Getenv("EXDGATE_TLS_CLIENT_CA_FILE"); v != "" {
		cfg.Server.TLS.ClientCAFile = v
	}
	if v := os.Getenv("EXDGATE_TLS_REQUIRE_CLIENT_CERT"); v != "" {
		cfg.Server.TLS.RequireClientCert = parseBool(v)
	}

	if v := os.Getenv("EXDGATE_CACHE_IDLE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.IdleTTL = d
		}
	}
	if v := os.Getenv("EXDGATE_CACHE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.SweepInterval = d
		}
	}

	if v := os.Getenv("EXDGATE_VALUES_CHUNK_ROWS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Values.ChunkRows = n
		}
	}

	if v := os.Getenv("EXDGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EXDGATE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("EXDGATE_TELEMETRY_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("EXDGATE_TELEMETRY_STDOUT"); v != "" {
		cfg.Telemetry.Stdout = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8081
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 120 * time.Second
	}
	if cfg.Server.MaxRequestBytes == 0 {
		cfg.Server.MaxRequestBytes = 16 << 20
	}
	if cfg.Server.MaxConcurrentStreams == 0 {
		cfg.Server.MaxConcurrentStreams = 2 * runtime.GOMAXPROCS(0)
	}
	if cfg.Server.HealthPath == "" {
		cfg.Server.HealthPath = "/healthz"
	}

	if cfg.Cache.IdleTTL == 0 {
		cfg.Cache.IdleTTL = 5 * time.Minute
	}
	if cfg.Cache.SweepInterval == 0 {
		cfg.Cache.SweepInterval = 30 * time.Second
	}

	if cfg.Values.ChunkRows == 0 {
		cfg.Values.ChunkRows = 65536
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.MetricInterval == 0 {
		cfg.Telemetry.MetricInterval = time.Minute
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [0, 65535], got %d", cfg.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got %q", cfg.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.ClientCAFile != "" && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.client_ca_file requires server.tls.enabled")
	}
	if cfg.Server.TLS.RequireClientCert && cfg.Server.TLS.ClientCAFile == "" {
		return fmt.Errorf("server.tls.require_client_cert requires server.tls.client_ca_file")
	}

	if cfg.Server.MaxConcurrentStreams < 0 {
		return fmt.Errorf("server.max_concurrent_streams must not be negative, got %d", cfg.Server.MaxConcurrentStreams)
	}

	if cfg.Values.ChunkRows < 0 {
		return fmt.Errorf("values.chunk_rows must be positive, got %d", cfg.Values.ChunkRows)
	}
	if cfg.Cache.IdleTTL < 0 {
		return fmt.Errorf("cache.idle_ttl must not be negative")
	}

	return nil
}
