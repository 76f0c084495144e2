// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/xmppgate/pkg/backend"
	"github.com/absmach/xmppgate/pkg/handler"
	"github.com/absmach/xmppgate/pkg/parser/xmpp"
	"github.com/absmach/xmppgate/pkg/ratelimit"
	"github.com/absmach/xmppgate/pkg/server/tcp"
	"github.com/absmach/xmppgate/pkg/session"
	"github.com/absmach/xmppgate/pkg/tlsupgrade"
)

// XMPPConfig holds configuration for the XMPP STARTTLS relay.
type XMPPConfig struct {
	Host       string
	Port       string
	TargetHost string
	TargetPort string

	// Certificate is presented to clients during the upgrade.
	Certificate tls.Certificate
	MinVersion  uint16
	MaxVersion  uint16

	BufferSize      int
	KeepAlive       time.Duration
	ShutdownTimeout time.Duration

	// Breaker optionally guards backend dials.
	Breaker *backend.Breaker

	// Limiter optionally limits accepted connections per client host.
	Limiter       *ratelimit.Limiter
	OnRateLimited func(remote net.Addr)

	Logger *slog.Logger
}

// XMPPProxy coordinates the TCP listener, the STARTTLS parser, the TLS
// installer and the backend dialer.
type XMPPProxy struct {
	server *tcp.Server
}

// NewXMPP creates a new XMPP relay.
func NewXMPP(cfg XMPPConfig, h handler.Handler) (*XMPPProxy, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	installer, err := tlsupgrade.New(tlsupgrade.Config{
		Certificate: cfg.Certificate,
		MinVersion:  cfg.MinVersion,
		MaxVersion:  cfg.MaxVersion,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	dispatcher := session.NewDispatcher(session.Config{
		Parser:    &xmpp.Parser{Logger: cfg.Logger},
		Installer: installer,
		Connector: &backend.Dialer{
			Address:   net.JoinHostPort(cfg.TargetHost, cfg.TargetPort),
			KeepAlive: cfg.KeepAlive,
			Breaker:   cfg.Breaker,
		},
		Handler:    h,
		Proceed:    []byte(xmpp.Proceed),
		BufferSize: cfg.BufferSize,
		Logger:     cfg.Logger,
	})

	server := tcp.New(tcp.Config{
		Address:         net.JoinHostPort(cfg.Host, cfg.Port),
		Protocol:        "xmpp",
		KeepAlive:       cfg.KeepAlive,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Limiter:         cfg.Limiter,
		OnRateLimited:   cfg.OnRateLimited,
		Logger:          cfg.Logger,
	}, dispatcher)

	return &XMPPProxy{
		server: server,
	}, nil
}

// Listen starts the relay and blocks until ctx is cancelled.
func (p *XMPPProxy) Listen(ctx context.Context) error {
	return p.server.Listen(ctx)
}

// Ready is closed once the relay is accepting connections.
func (p *XMPPProxy) Ready() <-chan struct{} {
	return p.server.Ready()
}

// Addr returns the bound listen address, or nil before Ready.
func (p *XMPPProxy) Addr() net.Addr {
	return p.server.Addr()
}
