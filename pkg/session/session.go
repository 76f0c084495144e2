// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/xmppgate/pkg/backend"
	perrors "github.com/absmach/xmppgate/pkg/errors"
	"github.com/absmach/xmppgate/pkg/handler"
	"github.com/absmach/xmppgate/pkg/parser"
	"github.com/absmach/xmppgate/pkg/relay"
	"github.com/absmach/xmppgate/pkg/stream"
	"github.com/absmach/xmppgate/pkg/tlsupgrade"
	"github.com/jpillora/sizestr"
	"golang.org/x/sync/errgroup"
)

// previewSize bounds the decrypted data logged at debug level.
const previewSize = 100

// Phase is the state of a session.
type Phase int32

const (
	PhasePlaintext Phase = iota
	PhaseUpgrading
	PhaseUpgraded
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhasePlaintext:
		return "plaintext_relay"
	case PhaseUpgrading:
		return "upgrading"
	case PhaseUpgraded:
		return "upgraded_relay"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Installer upgrades a plain client stream to TLS.
type Installer interface {
	Install(ctx context.Context, sessionID uint64, client *stream.Plain) (*stream.Secure, tlsupgrade.State, error)
}

// Config is shared, read-only, by every session of a listener.
type Config struct {
	Parser    parser.Parser
	Installer Installer
	Connector backend.Connector
	Handler   handler.Handler

	// Proceed is written to the client to authorize its handshake.
	Proceed []byte

	// BufferSize is the maximum chunk size read from either leg.
	BufferSize int

	Logger *slog.Logger
}

// Session relays one client connection.
type Session struct {
	cfg    Config
	hctx   *handler.Context
	logger *slog.Logger
	legs   *backend.Manager

	phase atomic.Int32

	// ctx is the context passed to Run, for use by backend callbacks.
	ctx context.Context

	mu      sync.Mutex
	client  stream.Stream
	plain   *stream.Plain
	leg     *backend.Leg
	backErr error

	upstream   atomic.Uint64
	downstream atomic.Uint64
}

// New creates a session for an accepted client connection.
func New(cfg Config, hctx *handler.Context, conn net.Conn) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = relay.DefaultBufferSize
	}

	logger := cfg.Logger.With(slog.Uint64("session", hctx.ID))
	plain := stream.NewPlain(conn)
	return &Session{
		cfg:    cfg,
		hctx:   hctx,
		logger: logger,
		legs:   backend.NewManager(cfg.Connector, cfg.BufferSize, logger),
		client: plain,
		plain:  plain,
		ctx:    context.Background(),
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

// Stats returns the bytes received from the client and from the backend.
func (s *Session) Stats() (upstream, downstream uint64) {
	return s.upstream.Load(), s.downstream.Load()
}

// Run drives the session until both legs are gone. It returns nil when a peer
// closed cleanly.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	stop := context.AfterFunc(ctx, s.destroyClient)

	err := s.run(ctx)

	stop()
	s.teardown()

	up, down := s.Stats()
	s.hctx.BytesUpstream = up
	s.hctx.BytesDownstream = down
	s.logger.Info("client closed",
		slog.String("sent", sizestr.ToString(int64(up))),
		slog.String("received", sizestr.ToString(int64(down))))
	s.notify("disconnect", s.cfg.Handler.OnDisconnect(context.Background(), s.hctx))

	return err
}

func (s *Session) run(ctx context.Context) error {
	leg, err := s.legs.Connect(ctx)
	if err != nil {
		s.logger.Error("backend connect failed", slog.String("error", err.Error()))
		return s.fail("connect", "backend", err)
	}
	s.mu.Lock()
	s.leg = leg
	s.mu.Unlock()

	s.logger.Info("connected to backend", slog.String("remote", s.hctx.RemoteAddr))
	s.notify("connect", s.cfg.Handler.OnConnect(ctx, s.hctx))
	leg.Start(s.onBackendData, s.onBackendClose)

	upgrade, err := s.relayPlaintext(ctx)
	if err != nil || !upgrade {
		return err
	}

	secure, err := s.upgrade(ctx)
	if err != nil {
		return err
	}

	return s.relaySecure(ctx, secure)
}

// relayPlaintext forwards client chunks to the first backend leg until the
// client asks for STARTTLS (true) or either side goes away (false).
func (s *Session) relayPlaintext(ctx context.Context) (bool, error) {
	buf := make([]byte, s.cfg.BufferSize)
	for {
		n, rerr := s.plain.Read(buf)
		if n > 0 {
			if s.Phase() != PhasePlaintext {
				return false, s.backendErr()
			}

			out, verdict, err := s.cfg.Parser.Parse(ctx, buf[:n], parser.Upstream, s.cfg.Handler, s.hctx)
			if err != nil {
				return false, s.fail("parse", "client", err)
			}
			if verdict == parser.VerdictUpgrade {
				return s.transition(PhasePlaintext, PhaseUpgrading), s.backendErr()
			}
			if err := relay.Forward(s.leg, out, &s.upstream, s.logger); err != nil {
				return false, s.fail("write", "backend", err)
			}
		}
		if rerr != nil {
			if isClosed(rerr) {
				return false, s.backendErr()
			}
			return false, s.fail("read", "client", perrors.Wrap(perrors.ErrPeerConnection, rerr))
		}
	}
}

// onBackendData runs on the first leg's read loop.
func (s *Session) onBackendData(chunk []byte) {
	if s.Phase() != PhasePlaintext {
		return
	}

	out, _, err := s.cfg.Parser.Parse(s.ctx, chunk, parser.Downstream, s.cfg.Handler, s.hctx)
	if err != nil {
		s.setBackendErr(s.fail("parse", "backend", err))
		s.destroyClient()
		return
	}
	if err := relay.Forward(s.plain, out, &s.downstream, s.logger); err != nil {
		s.setBackendErr(s.fail("write", "client", err))
		s.destroyClient()
	}
}

// onBackendClose runs when the first leg ends without being retired.
func (s *Session) onBackendClose(err error) {
	if s.Phase() != PhasePlaintext {
		return
	}
	if isClosed(err) {
		s.logger.Info("backend closed")
	} else {
		s.logger.Error("backend error", slog.String("error", err.Error()))
		s.setBackendErr(s.fail("read", "backend", perrors.Wrap(perrors.ErrPeerConnection, err)))
	}
	s.destroyClient()
}

// upgrade retires the first backend leg, authorizes the client handshake and
// installs TLS over the client connection.
func (s *Session) upgrade(ctx context.Context) (*stream.Secure, error) {
	s.legs.Retire()
	s.logger.Info("closed pre-upgrade backend leg")

	s.logger.Info("sending proceed to client")
	if _, err := s.plain.Write(s.cfg.Proceed); err != nil {
		return nil, s.fail("write", "client", perrors.Wrap(perrors.ErrPeerConnection, err))
	}

	secure, state, err := s.cfg.Installer.Install(ctx, s.hctx.ID, s.plain)
	if err != nil {
		s.phase.Store(int32(PhaseClosed))
		return nil, s.fail("handshake", "client", err)
	}

	s.mu.Lock()
	s.client = secure
	s.mu.Unlock()
	if ctx.Err() != nil {
		secure.Close()
		return nil, nil
	}

	s.hctx.TLSVersion = state.Version
	s.hctx.CipherSuite = state.CipherSuite
	s.notify("secure", s.cfg.Handler.OnSecure(ctx, s.hctx))

	if !s.transition(PhaseUpgrading, PhaseUpgraded) {
		return nil, nil
	}
	return secure, nil
}

// relaySecure dials the replacement backend leg and pumps raw bytes both ways
// until either side closes.
func (s *Session) relaySecure(ctx context.Context, secure *stream.Secure) error {
	if secure == nil {
		return nil
	}

	leg, err := s.legs.Connect(ctx)
	if err != nil {
		s.logger.Error("new backend connect failed", slog.String("error", err.Error()))
		return s.fail("connect", "backend", err)
	}
	s.logger.Info("new backend connection established after TLS", slog.Int("leg", leg.Seq))

	down := &relay.Pipe{
		Src:        leg,
		Dst:        secure,
		Counter:    &s.downstream,
		Logger:     s.logger,
		BufferSize: s.cfg.BufferSize,
	}
	up := &relay.Pipe{
		Src:        secure,
		Dst:        leg,
		Counter:    &s.upstream,
		Logger:     s.logger,
		BufferSize: s.cfg.BufferSize,
		OnChunk:    s.preview,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return down.Run(gctx) })
	g.Go(func() error { return up.Run(gctx) })
	if err := g.Wait(); err != nil {
		return s.fail("relay", "", err)
	}
	return nil
}

func (s *Session) preview(chunk []byte) {
	if !s.logger.Enabled(s.ctx, slog.LevelDebug) {
		return
	}
	p := chunk
	if len(p) > previewSize {
		p = p[:previewSize]
	}
	s.logger.Debug("client to backend (decrypted)",
		slog.Int("bytes", len(chunk)),
		slog.String("preview", string(p)))
}

func (s *Session) transition(from, to Phase) bool {
	if !s.phase.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.logger.Debug("phase transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	return true
}

func (s *Session) destroyClient() {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	client.Close()
}

// teardown destroys whatever is left. The client goes first so that a backend
// callback blocked writing to it is released before the leg is joined.
func (s *Session) teardown() {
	s.phase.Store(int32(PhaseClosed))
	s.destroyClient()
	s.legs.Retire()
}

func (s *Session) setBackendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backErr == nil {
		s.backErr = err
	}
}

func (s *Session) backendErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backErr
}

func (s *Session) fail(op, leg string, err error) error {
	return perrors.New(op, leg, s.hctx.ID, s.hctx.RemoteAddr, err)
}

func (s *Session) notify(event string, err error) {
	if err != nil {
		s.logger.Warn("handler error",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, stream.ErrTransportMoved)
}

// Dispatcher starts one Session per accepted connection.
type Dispatcher struct {
	cfg Config
}

// NewDispatcher creates a dispatcher sharing cfg across sessions.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg}
}

// HandleConn runs a session for conn and blocks until it ends.
func (d *Dispatcher) HandleConn(ctx context.Context, hctx *handler.Context, conn net.Conn) error {
	start := time.Now()
	err := New(d.cfg, hctx, conn).Run(ctx)
	d.cfg.Logger.Debug("session ended",
		slog.Uint64("session", hctx.ID),
		slog.Duration("duration", time.Since(start)))
	return err
}
