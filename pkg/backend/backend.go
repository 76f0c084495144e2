// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backend owns the backend-facing connections of a session.
//
// A Manager holds at most one live Leg. The pre-upgrade leg is read through
// callbacks installed with Leg.Start so the session can rewrite backend
// traffic; Retire detaches those callbacks before destroying the socket, which
// guarantees that nothing read from a retired leg is delivered afterwards.
package backend

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	perrors "github.com/absmach/xmppgate/pkg/errors"
	"github.com/absmach/xmppgate/pkg/stream"
)

// ErrLegActive is returned by Connect while a previous leg is still live.
var ErrLegActive = errors.New("backend leg still active")

// Connector opens backend connections.
type Connector interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// Dialer connects to a fixed backend address. No timeout is applied.
type Dialer struct {
	Address   string
	KeepAlive time.Duration

	// Breaker, when set, fails dials fast while the backend is down.
	Breaker *Breaker
}

var _ Connector = (*Dialer)(nil)

// Dial opens one TCP connection to the backend.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	if d.Breaker != nil {
		if err := d.Breaker.Allow(); err != nil {
			return nil, err
		}
	}

	nd := net.Dialer{KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, "tcp", d.Address)

	if d.Breaker != nil {
		d.Breaker.Record(err)
	}
	return conn, err
}

// Manager connects, replaces and tears down the backend legs of one session.
type Manager struct {
	connector Connector
	bufSize   int
	logger    *slog.Logger

	mu   sync.Mutex
	leg  *Leg
	legs int
}

// NewManager creates a manager. bufSize is the read size for started legs.
func NewManager(c Connector, bufSize int, logger *slog.Logger) *Manager {
	if bufSize <= 0 {
		bufSize = 16 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		connector: c,
		bufSize:   bufSize,
		logger:    logger,
	}
}

// Connect opens a new leg. It fails with ErrLegActive if the current leg has
// not been retired and is not destroyed.
func (m *Manager) Connect(ctx context.Context) (*Leg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leg != nil && !m.leg.Destroyed() {
		return nil, ErrLegActive
	}

	conn, err := m.connector.Dial(ctx)
	if err != nil {
		return nil, perrors.Wrap(perrors.ErrPeerConnection, err)
	}

	m.legs++
	m.leg = &Leg{
		Plain:   stream.NewPlain(conn),
		Seq:     m.legs,
		bufSize: m.bufSize,
		logger:  m.logger,
	}
	return m.leg, nil
}

// Current returns the live leg, or nil.
func (m *Manager) Current() *Leg {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leg
}

// Retire detaches the current leg's callbacks, destroys it and waits for its
// read loop to exit. It is a no-op without a current leg. Retire must not be
// called from inside the leg's own callbacks.
func (m *Manager) Retire() {
	m.mu.Lock()
	leg := m.leg
	m.leg = nil
	m.mu.Unlock()

	if leg != nil {
		leg.retire()
	}
}
