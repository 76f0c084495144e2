// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package stream provides the byte-stream endpoints a session owns.
//
// A Stream has two variants. Plain wraps an accepted or dialed net.Conn.
// Secure is built from a live Plain and takes over its connection without
// closing it, which is how a client leg is upgraded in place after STARTTLS.
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	perrors "github.com/absmach/xmppgate/pkg/errors"
)

// ErrTransportMoved is returned by a Plain whose connection was taken over.
var ErrTransportMoved = errors.New("transport taken over by secure stream")

// Kind identifies the stream variant.
type Kind int

const (
	KindPlain Kind = iota
	KindSecure
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindSecure:
		return "secure"
	default:
		return "unknown"
	}
}

// Stream is a byte-stream endpoint.
type Stream interface {
	io.ReadWriteCloser

	Kind() Kind

	// Destroyed reports whether Close was called. A destroyed stream rejects
	// writes with errors.ErrWriteAfterDestroy.
	Destroyed() bool

	RemoteAddr() net.Addr
}

type endpoint struct {
	conn      net.Conn
	destroyed atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (e *endpoint) write(p []byte) (int, error) {
	if e.destroyed.Load() {
		return 0, perrors.ErrWriteAfterDestroy
	}
	n, err := e.conn.Write(p)
	if err != nil && errors.Is(err, net.ErrClosed) {
		return n, perrors.Wrap(perrors.ErrWriteAfterDestroy, err)
	}
	return n, err
}

func (e *endpoint) close() error {
	e.closeOnce.Do(func() {
		e.destroyed.Store(true)
		e.closeErr = e.conn.Close()
	})
	return e.closeErr
}

// Plain is an unencrypted stream over a net.Conn.
type Plain struct {
	endpoint
	moved atomic.Bool
}

var _ Stream = (*Plain)(nil)

// NewPlain wraps conn.
func NewPlain(conn net.Conn) *Plain {
	return &Plain{endpoint: endpoint{conn: conn}}
}

func (p *Plain) Read(b []byte) (int, error) {
	if p.moved.Load() {
		return 0, ErrTransportMoved
	}
	return p.conn.Read(b)
}

func (p *Plain) Write(b []byte) (int, error) {
	if p.moved.Load() {
		return 0, ErrTransportMoved
	}
	return p.write(b)
}

// Close destroys the stream and its connection. After a takeover it is a
// no-op: the connection belongs to the secure stream.
func (p *Plain) Close() error {
	if p.moved.Load() {
		return nil
	}
	return p.close()
}

func (p *Plain) Kind() Kind { return KindPlain }

func (p *Plain) Destroyed() bool { return p.destroyed.Load() || p.moved.Load() }

func (p *Plain) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

// takeover retires p and hands its connection to the caller.
func (p *Plain) takeover() (net.Conn, error) {
	if p.destroyed.Load() {
		return nil, perrors.ErrWriteAfterDestroy
	}
	if !p.moved.CompareAndSwap(false, true) {
		return nil, ErrTransportMoved
	}
	return p.conn, nil
}

// Secure is a server-side TLS stream installed over a former Plain.
type Secure struct {
	endpoint
	tls *tls.Conn
}

var _ Stream = (*Secure)(nil)

// NewSecure takes over the connection of a live plain stream and wraps it as
// a TLS server endpoint. The handshake has not run yet; call Handshake.
func NewSecure(p *Plain, cfg *tls.Config) (*Secure, error) {
	conn, err := p.takeover()
	if err != nil {
		return nil, err
	}
	tc := tls.Server(conn, cfg)
	return &Secure{endpoint: endpoint{conn: tc}, tls: tc}, nil
}

// Handshake runs the server side of the TLS handshake.
func (s *Secure) Handshake(ctx context.Context) error {
	return s.tls.HandshakeContext(ctx)
}

// ConnectionState returns the negotiated TLS parameters.
func (s *Secure) ConnectionState() tls.ConnectionState {
	return s.tls.ConnectionState()
}

func (s *Secure) Read(b []byte) (int, error) { return s.tls.Read(b) }

func (s *Secure) Write(b []byte) (int, error) { return s.write(b) }

func (s *Secure) Close() error { return s.close() }

func (s *Secure) Kind() Kind { return KindSecure }

func (s *Secure) Destroyed() bool { return s.destroyed.Load() }

func (s *Secure) RemoteAddr() net.Addr { return s.tls.RemoteAddr() }
