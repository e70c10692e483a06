// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/exdgate/exdgate/cache"
	"github.com/exdgate/exdgate/config"
	"github.com/exdgate/exdgate/exd"
	"github.com/exdgate/exdgate/exdrpc"
	exdotel "github.com/exdgate/exdgate/exdrpc/otel"
	"github.com/exdgate/exdgate/service"
)

var stdio bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the exdgate server",
	Long: `Start the exdgate server.

The server will:
  - Load configuration from exdgate.yaml (or --config)
  - Or load configuration from EXDGATE_* environment variables
  - Serve exd_rpc over HTTP, or over stdin/stdout with --stdio

Environment variables (for container deployments):
  EXDGATE_SERVER_PORT        - Server port (default: 8081)
  EXDGATE_CACHE_IDLE_TTL     - Idle file TTL (default: 5m)
  EXDGATE_VALUES_CHUNK_ROWS  - Rows per streamed batch (default: 65536)
  EXDGATE_LOG_LEVEL          - Log level: debug, info, warn, error

Examples:
  exdgate serve
  exdgate serve --config /etc/exdgate/config.yaml
  exdgate serve --stdio`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&stdio, "stdio", false, "serve Arrow IPC on stdin/stdout instead of HTTP")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}

	shutdownTelemetry, err := setupTelemetry(cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("error initializing telemetry: %w", err)
	}
	defer shutdownTelemetry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fileCache := cache.New(exd.NewNetCDFReader(log),
		cache.WithIdleTTL(cfg.Cache.IdleTTL),
		cache.WithLogger(log))
	fileCache.StartSweeper(ctx, cfg.Cache.SweepInterval)
	defer fileCache.Close()

	svc := service.New(fileCache,
		service.WithChunkRows(cfg.Values.ChunkRows),
		service.WithLogger(log))
	defer svc.Close()

	server := exdrpc.NewServer(log)
	server.SetServerID(uuid.NewString())
	server.SetServiceName("exdgate")
	server.SetDebugErrors(cfg.Server.DebugErrors)
	svc.Register(server)

	if cfg.Telemetry.Enabled {
		exdotel.InstrumentServer(server, exdotel.DefaultConfig())
	}

	if stdio {
		log.Info().Msg("serving exd_rpc on stdin/stdout")
		server.RunStdio()
		return nil
	}

	return serveHTTP(ctx, cfg, server, log)
}

func serveHTTP(ctx context.Context, cfg *config.Config, server *exdrpc.Server, log zerolog.Logger) error {
	rpcHandler := exdrpc.NewHttpServer(server)
	rpcHandler.SetMaxRequestBytes(cfg.Server.MaxRequestBytes)
	rpcHandler.SetMaxConcurrent(cfg.Server.MaxConcurrentStreams)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cfg.Server.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/", rpcHandler)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Server.TLS.Enabled {
		tlsCfg, err := buildTLSConfig(cfg.Server.TLS)
		if err != nil {
			return err
		}
		httpServer.TLSConfig = tlsCfg
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Bool("tls", cfg.Server.TLS.Enabled).Msg("exdgate listening")
		var err error
		if cfg.Server.TLS.Enabled {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.ClientCAFile != "" {
		pem, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.ClientCAFile)
		}
		tlsCfg.ClientCAs = pool
		if cfg.RequireClientCert {
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}
	return tlsCfg, nil
}

func buildLogger(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var log zerolog.Logger
	if cfg.Format == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Str("service", "exdgate").Logger(), nil
}

// setupTelemetry installs the global OpenTelemetry providers. The returned
// function flushes and shuts them down.
func setupTelemetry(cfg config.TelemetryConfig, log zerolog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	var opts []sdktrace.TracerProviderOption
	var readers []sdkmetric.Option
	if cfg.Stdout {
		traceExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(traceExp))

		metricExp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		readers = append(readers, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(cfg.MetricInterval))))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	mp := sdkmetric.NewMeterProvider(readers...)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("trace provider shutdown")
		}
		if err := mp.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("meter provider shutdown")
		}
	}, nil
}
