// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	perrors "github.com/absmach/xmppgate/pkg/errors"
	"github.com/absmach/xmppgate/pkg/handler"
	"github.com/absmach/xmppgate/pkg/ratelimit"
	"github.com/google/uuid"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// ConnHandler runs one accepted connection to completion.
type ConnHandler interface {
	HandleConn(ctx context.Context, hctx *handler.Context, conn net.Conn) error
}

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// Protocol is reported in every handler.Context
	Protocol string

	// KeepAlive is the TCP keep-alive period of accepted connections
	KeepAlive time.Duration

	// ShutdownTimeout is the maximum time to wait for active sessions to end
	// on their own after the listener closes. Remaining sessions are then
	// cancelled.
	ShutdownTimeout time.Duration

	// Limiter optionally refuses clients that connect too fast
	Limiter *ratelimit.Limiter

	// OnRateLimited is called for each refused connection
	OnRateLimited func(remote net.Addr)

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts client connections and hands each one to a ConnHandler on
// its own goroutine.
type Server struct {
	config  Config
	handler ConnHandler
	wg      sync.WaitGroup
	nextID  atomic.Uint64

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// New creates a new TCP server.
func New(cfg Config, h ConnHandler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "tcp"
	}

	return &Server{
		config:  cfg,
		handler: h,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Listen binds the listener and serves until ctx is cancelled. A bind failure
// is returned as errors.ErrListenerBind.
func (s *Server) Listen(ctx context.Context) error {
	lc := net.ListenConfig{KeepAlive: s.config.KeepAlive}
	listener, err := lc.Listen(context.Background(), "tcp", s.config.Address)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			s.config.Logger.Error("address already in use", slog.String("address", s.config.Address))
		}
		return perrors.Wrap(perrors.ErrListenerBind, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()
	close(s.ready)

	s.config.Logger.Info("TCP server started", slog.String("address", listener.Addr().String()))

	// Sessions outlive ctx by up to ShutdownTimeout.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.accept(connCtx, listener)
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all sessions closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, closing remaining sessions")
		connCancel()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

func (s *Server) accept(ctx context.Context, listener net.Listener) {
	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			delay = backoff(delay)
			s.config.Logger.Error("failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
			time.Sleep(delay)
			continue
		}
		delay = 0

		if !s.config.Limiter.AllowAddr(conn.RemoteAddr()) {
			s.config.Logger.Warn("connection rate limit exceeded",
				slog.String("remote", conn.RemoteAddr().String()))
			if s.config.OnRateLimited != nil {
				s.config.OnRateLimited(conn.RemoteAddr())
			}
			conn.Close()
			continue
		}

		hctx := &handler.Context{
			ID:         s.nextID.Add(1),
			SessionID:  uuid.New().String(),
			RemoteAddr: conn.RemoteAddr().String(),
			Protocol:   s.config.Protocol,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(ctx, hctx, conn)
		}()
	}
}

func (s *Server) serve(ctx context.Context, hctx *handler.Context, conn net.Conn) {
	defer conn.Close()

	s.config.Logger.Info("client connected",
		slog.Uint64("session", hctx.ID),
		slog.String("correlation_id", hctx.SessionID),
		slog.String("remote", hctx.RemoteAddr))

	if err := s.handler.HandleConn(ctx, hctx, conn); err != nil {
		s.config.Logger.Warn("session ended with error",
			slog.Uint64("session", hctx.ID),
			slog.String("error", err.Error()))
	}
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		return time.Second
	}
	return d
}
