// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/absmach/xmppgate"
	"github.com/absmach/xmppgate/examples/simple"
	"github.com/absmach/xmppgate/pkg/backend"
	perrors "github.com/absmach/xmppgate/pkg/errors"
	"github.com/absmach/xmppgate/pkg/health"
	"github.com/absmach/xmppgate/pkg/metrics"
	"github.com/absmach/xmppgate/pkg/proxy"
	"github.com/absmach/xmppgate/pkg/ratelimit"
	"github.com/absmach/xmppgate/pkg/server/tcp"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const backendProbeTimeout = 2 * time.Second

func main() {
	// .env file is optional
	envErr := godotenv.Load()

	cfg, err := xmppgate.NewConfig(env.Options{Prefix: xmppgate.EnvPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}
	logger.Info("XMPP STARTTLS relay starting",
		slog.String("listen", cfg.Address()),
		slog.String("backend", cfg.TargetAddress()),
		slog.String("min_tls", cfg.MinTLSVersion),
		slog.String("max_tls", cfg.MaxTLSVersion),
		slog.String("cert_file", cfg.CertFile))

	m := metrics.New("xmppgate", nil)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Rate:  cfg.AcceptRate,
		Burst: cfg.AcceptBurst,
	})
	defer limiter.Close()

	var cb *backend.Breaker
	if cfg.BreakerMaxFailures > 0 {
		cb = backend.NewBreaker(backend.BreakerConfig{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
			OnStateChange: func(from, to backend.State) {
				logger.Warn("Circuit breaker state changed",
					slog.String("backend", cfg.TargetAddress()),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
				m.CircuitBreakerState.Set(float64(to))
				if to == backend.StateOpen {
					m.CircuitBreakerTrips.Inc()
				}
			},
		})
	}

	h := metrics.NewHandler(simple.New(logger), m)

	xmppProxy, err := proxy.NewXMPP(proxy.XMPPConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		TargetHost:      cfg.TargetHost,
		TargetPort:      cfg.TargetPort,
		Certificate:     cfg.Certificate,
		MinVersion:      cfg.MinVersion,
		MaxVersion:      cfg.MaxVersion,
		BufferSize:      cfg.BufferSize,
		KeepAlive:       cfg.KeepAlive,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Breaker:         cb,
		Limiter:         limiter,
		OnRateLimited:   func(net.Addr) { m.RateLimitedTotal.Inc() },
		Logger:          logger,
	}, h)
	if err != nil {
		logger.Error("Failed to create XMPP relay", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return xmppProxy.Listen(ctx)
	})

	if cfg.MetricsPort > 0 {
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", cfg.MetricsPort, promhttp.Handler(), logger)
		})
	}

	if cfg.HealthPort > 0 {
		checker := health.NewChecker(10 * time.Second)
		checker.Register("backend", health.BackendCheck(cfg.TargetAddress(), backendProbeTimeout))
		g.Go(func() error {
			return serveHTTP(ctx, "health", cfg.HealthPort, health.NewMux(checker), logger)
		})
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	err = g.Wait()
	switch {
	case err == nil:
		logger.Info("XMPP relay stopped")
	case errors.Is(err, tcp.ErrShutdownTimeout):
		logger.Warn("XMPP relay stopped, some sessions were closed forcefully")
	case errors.Is(err, perrors.ErrListenerBind):
		logger.Error("Failed to bind listener", slog.String("error", err.Error()))
		os.Exit(1)
	default:
		logger.Error(fmt.Sprintf("XMPP relay terminated with error: %s", err))
		os.Exit(1)
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// serveHTTP runs an auxiliary HTTP server until ctx is cancelled.
func serveHTTP(ctx context.Context, name string, port int, h http.Handler, logger *slog.Logger) error {
	addr := net.JoinHostPort("", strconv.Itoa(port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting "+name+" server", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
