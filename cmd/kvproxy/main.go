// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command kvproxy exposes legacy cache wire protocols on local ports and
// forwards them to a remote cache service over gRPC.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/edgecache/kvproxy/pkg/backend"
	"github.com/edgecache/kvproxy/pkg/backend/rpcwire"
	"github.com/edgecache/kvproxy/pkg/breaker"
	"github.com/edgecache/kvproxy/pkg/cache"
	"github.com/edgecache/kvproxy/pkg/config"
	"github.com/edgecache/kvproxy/pkg/dialect"
	"github.com/edgecache/kvproxy/pkg/dialect/memcache"
	"github.com/edgecache/kvproxy/pkg/dialect/memcachebin"
	"github.com/edgecache/kvproxy/pkg/health"
	"github.com/edgecache/kvproxy/pkg/metrics"
	"github.com/edgecache/kvproxy/pkg/pool"
	"github.com/edgecache/kvproxy/pkg/server/tcp"
	"github.com/edgecache/kvproxy/pkg/session"
	"github.com/edgecache/kvproxy/pkg/translate"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	// .env file is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting kvproxy",
		slog.String("version", version),
		slog.Int("listeners", len(cfg.Listeners)),
		slog.String("backend", cfg.Backend.Target),
		slog.Bool("auth_token_set", cfg.Backend.AuthToken != ""))
	logger.Debug("effective configuration", slog.Any("config", cfg.Redacted()))

	m := metrics.New("kvproxy")

	client := backend.New(
		rpcwire.Dial(rpcwire.Config{
			Target:    cfg.Backend.Target,
			CacheName: cfg.Backend.CacheName,
			AuthToken: cfg.Backend.AuthToken,
			PlainText: cfg.Backend.PlainText,
		}),
		backend.Config{
			Deadline: cfg.Backend.Deadline.Std(),
			Pool: pool.Config{
				MaxIdle:     cfg.Backend.IdleChannels,
				MaxActive:   cfg.Backend.Channels,
				IdleTimeout: cfg.Backend.IdleTimeout.Std(),
				MaxLifetime: 30 * time.Minute,
				DialTimeout: 10 * time.Second,
				WaitTimeout: 5 * time.Second,
			},
			Breaker: breaker.Config{
				MaxFailures:      5,
				ResetTimeout:     30 * time.Second,
				SuccessThreshold: 2,
			},
			Logger:  logger,
			Metrics: m,
		})
	defer client.Close()

	limits := cache.Limits{
		MaxKeySize:   cfg.MaxKeySize,
		MaxValueSize: cfg.MaxValueSize,
	}
	translator := translate.New(limits)

	checker := health.NewChecker(10 * time.Second)
	checker.Register("backend", func(ctx context.Context) error {
		return client.Ping(ctx)
	})
	checker.Register("channel_pool", func(ctx context.Context) error {
		idle, active := client.PoolStats()
		if active >= cfg.Backend.Channels && idle == 0 {
			return fmt.Errorf("channel pool exhausted: %d active, %d idle", active, idle)
		}
		return nil
	})
	checker.Register("circuit_breaker", func(ctx context.Context) error {
		if state := client.BreakerState(); state == breaker.StateOpen {
			return fmt.Errorf("circuit breaker %s", state)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	for _, l := range cfg.Listeners {
		codec, err := newCodec(l.Dialect, limits)
		if err != nil {
			logger.Error("invalid listener", slog.String("error", err.Error()))
			os.Exit(1)
		}

		srv := tcp.New(tcp.Config{
			Address:         l.Address,
			ShutdownTimeout: cfg.ShutdownTimeout.Std(),
			RateLimit:       l.RateLimit,
			Metrics:         m,
			Logger:          logger,
			Session: session.Config{
				Codec:       codec,
				Translator:  translator,
				Backend:     client,
				Logger:      logger,
				Metrics:     m,
				MaxPipeline: cfg.MaxPipeline,
				IdleTimeout: cfg.IdleTimeout.Std(),
				Version:     version,
			},
		})
		g.Go(func() error {
			return srv.Listen(ctx)
		})
	}

	if cfg.AdminAddress != "" {
		g.Go(func() error {
			return serveAdmin(ctx, cfg.AdminAddress, checker, m, logger)
		})
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}
	cancel()

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newCodec(name string, limits cache.Limits) (dialect.Codec, error) {
	switch name {
	case config.DialectMemcache:
		return memcache.New(limits.MaxValueSize), nil
	case config.DialectMemcacheBinary:
		return memcachebin.New(limits.MaxKeySize, limits.MaxValueSize), nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", name)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// serveAdmin exposes metrics, health and latency summaries on a side
// port, away from client traffic.
func serveAdmin(ctx context.Context, addr string, checker *health.Checker, m *metrics.Metrics, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Latency.Summaries())
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("admin server started", slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
