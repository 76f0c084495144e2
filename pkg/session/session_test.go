// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/absmach/xmppgate/pkg/backend"
	perrors "github.com/absmach/xmppgate/pkg/errors"
	"github.com/absmach/xmppgate/pkg/handler"
	"github.com/absmach/xmppgate/pkg/parser/xmpp"
	"github.com/absmach/xmppgate/pkg/tlsupgrade"
	"github.com/absmach/xmppgate/pkg/tlsupgrade/tlstest"
)

const (
	streamHeader     = "<stream:stream to='example.com' xmlns='jabber:client' version='1.0'>"
	featuresNoTLS    = "<stream:features><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms></stream:features>"
	featuresInjected = "<stream:features><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/></stream:features>"
	starttlsRequest  = "<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

type recordingHandler struct {
	mu          sync.Mutex
	events      []string
	tlsVersion  string
	disconnects int
	last        handler.Context
}

func (h *recordingHandler) record(event string, hctx *handler.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	h.last = *hctx
}

func (h *recordingHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	h.record("connect", hctx)
	return nil
}

func (h *recordingHandler) OnFeatures(ctx context.Context, hctx *handler.Context, injected bool) error {
	if injected {
		h.record("features_injected", hctx)
	} else {
		h.record("features", hctx)
	}
	return nil
}

func (h *recordingHandler) OnStartTLS(ctx context.Context, hctx *handler.Context) error {
	h.record("starttls", hctx)
	return nil
}

func (h *recordingHandler) OnSecure(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	h.tlsVersion = hctx.TLSVersion
	h.mu.Unlock()
	h.record("secure", hctx)
	return errors.New("observer failure is ignored")
}

func (h *recordingHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	h.disconnects++
	h.mu.Unlock()
	h.record("disconnect", hctx)
	return nil
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

type fixture struct {
	t        *testing.T
	client   net.Conn
	backends <-chan net.Conn
	session  *Session
	handler  *recordingHandler
	done     chan error
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := l.Accept()
		accepted <- conn
	}()

	client, err = net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	server = <-accepted
	if server == nil {
		t.Fatal("Failed to accept")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func startBackend(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Failed to create backend listener: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	conns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { conn.Close() })
			conns <- conn
		}
	}()
	return l.Addr().String(), conns
}

func newInstaller(t *testing.T) *tlsupgrade.Installer {
	t.Helper()
	inst, err := tlsupgrade.New(tlsupgrade.Config{Certificate: tlstest.Certificate(t), Logger: logger})
	if err != nil {
		t.Fatalf("Failed to create installer: %v", err)
	}
	return inst
}

func startSession(t *testing.T, backendAddr string, backends <-chan net.Conn) *fixture {
	t.Helper()

	serverConn, clientConn := tcpPair(t)
	h := &recordingHandler{}
	cfg := Config{
		Parser:     &xmpp.Parser{Logger: logger},
		Installer:  newInstaller(t),
		Connector:  &backend.Dialer{Address: backendAddr},
		Handler:    h,
		Proceed:    []byte(xmpp.Proceed),
		BufferSize: 4096,
		Logger:     logger,
	}
	s := New(cfg, &handler.Context{ID: 1, RemoteAddr: clientConn.LocalAddr().String(), Protocol: "xmpp"}, serverConn)

	f := &fixture{
		t:        t,
		client:   clientConn,
		backends: backends,
		session:  s,
		handler:  h,
		done:     make(chan error, 1),
	}
	go func() { f.done <- s.Run(context.Background()) }()
	return f
}

func (f *fixture) acceptBackend() net.Conn {
	f.t.Helper()
	select {
	case c := <-f.backends:
		return c
	case <-time.After(2 * time.Second):
		f.t.Fatal("Backend did not receive a connection")
		return nil
	}
}

func (f *fixture) wait() error {
	f.t.Helper()
	select {
	case err := <-f.done:
		return err
	case <-time.After(5 * time.Second):
		f.t.Fatal("Session did not end")
		return nil
	}
}

func readExactly(t *testing.T, r io.Reader, n int) string {
	t.Helper()
	if c, ok := r.(net.Conn); ok {
		c.SetReadDeadline(time.Now().Add(3 * time.Second))
		defer c.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("Failed to read %d bytes: %v", n, err)
	}
	return string(buf)
}

func expectEOF(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := c.Read(make([]byte, 1))
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF, got n=%d err=%v", n, err)
	}
}

// expectClosed accepts EOF or a reset; the relay may close with unread input.
func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := c.Read(make([]byte, 1))
	var ne net.Error
	if n != 0 || err == nil || (errors.As(err, &ne) && ne.Timeout()) {
		t.Errorf("Expected closed connection, got n=%d err=%v", n, err)
	}
}

func TestSession_PlaintextRelay(t *testing.T) {
	addr, backends := startBackend(t)
	f := startSession(t, addr, backends)
	b := f.acceptBackend()

	if _, err := f.client.Write([]byte(streamHeader)); err != nil {
		t.Fatalf("Client write failed: %v", err)
	}
	if got := readExactly(t, b, len(streamHeader)); got != streamHeader {
		t.Errorf("Expected %q at backend, got %q", streamHeader, got)
	}

	reply := "<stream:stream from='example.com' id='abc' version='1.0'>"
	b.Write([]byte(reply))
	if got := readExactly(t, f.client, len(reply)); got != reply {
		t.Errorf("Expected %q at client, got %q", reply, got)
	}

	up, down := f.session.Stats()
	if up != uint64(len(streamHeader)) {
		t.Errorf("Expected upstream counter %d, got %d", len(streamHeader), up)
	}
	if down != uint64(len(reply)) {
		t.Errorf("Expected downstream counter %d, got %d", len(reply), down)
	}
	if f.session.Phase() != PhasePlaintext {
		t.Errorf("Expected plaintext phase, got %s", f.session.Phase())
	}

	f.client.Close()
	if err := f.wait(); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	expectEOF(t, b)
	if f.session.Phase() != PhaseClosed {
		t.Errorf("Expected closed phase, got %s", f.session.Phase())
	}
}

func TestSession_FeatureInjection(t *testing.T) {
	tests := []struct {
		name   string
		send   string
		want   string
		events []string
	}{
		{
			name:   "missing offer is injected",
			send:   featuresNoTLS,
			want:   featuresInjected,
			events: []string{"connect", "features_injected"},
		},
		{
			name:   "existing offer is untouched",
			send:   featuresInjected,
			want:   featuresInjected,
			events: []string{"connect", "features"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, backends := startBackend(t)
			f := startSession(t, addr, backends)
			b := f.acceptBackend()

			b.Write([]byte(tt.send))
			if got := readExactly(t, f.client, len(tt.want)); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}

			b.Close()
			if err := f.wait(); err != nil {
				t.Errorf("Run() error = %v", err)
			}
			expectEOF(t, f.client)

			events := f.handler.snapshot()
			for i, want := range tt.events {
				if i >= len(events) || events[i] != want {
					t.Fatalf("Expected events to start with %v, got %v", tt.events, events)
				}
			}
		})
	}
}

func TestSession_StartTLSUpgrade(t *testing.T) {
	addr, backends := startBackend(t)
	f := startSession(t, addr, backends)
	first := f.acceptBackend()

	f.client.Write([]byte(streamHeader))
	readExactly(t, first, len(streamHeader))

	first.Write([]byte(featuresNoTLS))
	if got := readExactly(t, f.client, len(featuresInjected)); got != featuresInjected {
		t.Fatalf("Expected injected features, got %q", got)
	}

	f.client.Write([]byte(starttlsRequest))
	if got := readExactly(t, f.client, len(xmpp.Proceed)); got != xmpp.Proceed {
		t.Fatalf("Expected proceed, got %q", got)
	}

	// The first leg was destroyed before proceed was sent, and the
	// STARTTLS request itself never reached it.
	expectEOF(t, first)

	// Anything the old backend still sends is lost.
	first.Write([]byte("<stale/>"))

	tlsClient := tls.Client(f.client, tlstest.ClientConfig())
	tlsClient.SetDeadline(time.Now().Add(5 * time.Second))
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("Client handshake failed: %v", err)
	}

	second := f.acceptBackend()
	if f.session.Phase() != PhaseUpgraded {
		t.Errorf("Expected upgraded phase, got %s", f.session.Phase())
	}

	upBefore, _ := f.session.Stats()

	// Client to backend: decrypted bytes arrive verbatim.
	payload := streamHeader + "<auth mechanism='PLAIN'>AGFsaWNlAHNlY3JldA==</auth>"
	if _, err := tlsClient.Write([]byte(payload)); err != nil {
		t.Fatalf("TLS write failed: %v", err)
	}
	if got := readExactly(t, second, len(payload)); got != payload {
		t.Errorf("Expected %q at new backend, got %q", payload, got)
	}

	// Backend to client: raw relay, no feature repair after the upgrade.
	second.Write([]byte(featuresNoTLS))
	r := bufio.NewReader(tlsClient)
	if got := readExactly(t, r, len(featuresNoTLS)); got != featuresNoTLS {
		t.Errorf("Expected unmodified features after upgrade, got %q", got)
	}

	upAfter, _ := f.session.Stats()
	if upAfter-upBefore != uint64(len(payload)) {
		t.Errorf("Expected upstream counter to grow by %d, grew by %d", len(payload), upAfter-upBefore)
	}

	second.Close()
	if err := f.wait(); err != nil {
		t.Errorf("Run() error = %v", err)
	}

	events := f.handler.snapshot()
	want := []string{"connect", "features_injected", "starttls", "secure", "disconnect"}
	if len(events) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Expected events %v, got %v", want, events)
			break
		}
	}
	if f.handler.tlsVersion == "" {
		t.Error("Expected negotiated TLS version in handler context")
	}
	if f.handler.last.BytesUpstream != upAfter {
		t.Errorf("Expected disconnect context to carry %d upstream bytes, got %d", upAfter, f.handler.last.BytesUpstream)
	}
}

func TestSession_BackendConnectFailure(t *testing.T) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	f := startSession(t, addr, nil)

	err = f.wait()
	if !errors.Is(err, perrors.ErrPeerConnection) {
		t.Errorf("Expected ErrPeerConnection, got %v", err)
	}
	expectEOF(t, f.client)

	up, down := f.session.Stats()
	if up != 0 || down != 0 {
		t.Errorf("Expected no bytes relayed, got up=%d down=%d", up, down)
	}
	if f.handler.disconnects != 1 {
		t.Errorf("Expected one disconnect event, got %d", f.handler.disconnects)
	}
}

func TestSession_HandshakeFailure(t *testing.T) {
	addr, backends := startBackend(t)
	f := startSession(t, addr, backends)
	first := f.acceptBackend()

	f.client.Write([]byte(starttlsRequest))
	readExactly(t, f.client, len(xmpp.Proceed))

	// Not a ClientHello.
	f.client.Write([]byte("<iq type='get'/>\n"))

	err := f.wait()
	if !errors.Is(err, perrors.ErrHandshake) {
		t.Errorf("Expected ErrHandshake, got %v", err)
	}
	expectClosed(t, f.client)
	expectEOF(t, first)

	select {
	case <-backends:
		t.Error("Expected no backend connection after a failed handshake")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSession_BackendCloseDestroysClient(t *testing.T) {
	addr, backends := startBackend(t)
	f := startSession(t, addr, backends)
	b := f.acceptBackend()

	b.Close()

	if err := f.wait(); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	expectEOF(t, f.client)
}

func TestSession_ContextCancel(t *testing.T) {
	addr, backends := startBackend(t)

	serverConn, clientConn := tcpPair(t)
	s := New(Config{
		Parser:    &xmpp.Parser{Logger: logger},
		Installer: newInstaller(t),
		Connector: &backend.Dialer{Address: addr},
		Proceed:   []byte(xmpp.Proceed),
		Logger:    logger,
	}, &handler.Context{ID: 2}, serverConn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var b net.Conn
	select {
	case b = <-backends:
	case <-time.After(2 * time.Second):
		t.Fatal("Backend did not receive a connection")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Session did not stop on cancel")
	}
	expectEOF(t, clientConn)
	expectEOF(t, b)
}

func TestPhase_String(t *testing.T) {
	tests := map[Phase]string{
		PhasePlaintext: "plaintext_relay",
		PhaseUpgrading: "upgrading",
		PhaseUpgraded:  "upgraded_relay",
		PhaseClosed:    "closed",
		Phase(42):      "unknown",
	}
	for p, want := range tests {
		if p.String() != want {
			t.Errorf("Phase(%d).String() = %q, want %q", p, p.String(), want)
		}
	}
}
