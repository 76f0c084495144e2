// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import "context"

// Context contains session metadata shared by all Handler calls.
type Context struct {
	// ID is the monotonically increasing session number assigned at accept time
	ID uint64

	// SessionID is a unique correlation identifier for this session
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Protocol is the relayed protocol
	Protocol string

	// TLSVersion is the negotiated TLS version, set once the upgrade completes
	TLSVersion string

	// CipherSuite is the negotiated cipher suite, set once the upgrade completes
	CipherSuite string

	// BytesUpstream counts bytes received from the client for the backend
	BytesUpstream uint64

	// BytesDownstream counts bytes received from the backend for the client
	BytesDownstream uint64
}

// Handler defines notification callbacks for session lifecycle events.
// All methods are notifications: errors are logged by the caller but do not
// alter the session.
type Handler interface {
	// OnConnect is called once the first backend leg is connected.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnFeatures is called for each backend capability block relayed before the
	// upgrade. injected reports whether the STARTTLS offer had to be added.
	OnFeatures(ctx context.Context, hctx *Context, injected bool) error

	// OnStartTLS is called when the client requests the upgrade.
	OnStartTLS(ctx context.Context, hctx *Context) error

	// OnSecure is called after a successful handshake, before the new backend
	// leg is dialed.
	OnSecure(ctx context.Context, hctx *Context) error

	// OnDisconnect is called when the session ends in any phase.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that ignores all events.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnFeatures(ctx context.Context, hctx *Context, injected bool) error {
	return nil
}

func (h *NoopHandler) OnStartTLS(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnSecure(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
