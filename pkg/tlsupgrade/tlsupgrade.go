// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlsupgrade installs a server-side TLS layer over a live client
// connection after a STARTTLS request.
//
// The installer deliberately accepts TLS 1.0 and the CBC and RSA key exchange
// cipher suites that Go no longer enables by default, because the clients this
// relay serves cannot negotiate anything newer. It performs no client
// certificate verification. Run it only behind a trusted ingress; it is not a
// template for general TLS termination.
package tlsupgrade

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	perrors "github.com/absmach/xmppgate/pkg/errors"
	"github.com/absmach/xmppgate/pkg/stream"
)

// Config holds the installer configuration.
type Config struct {
	// Certificate is the server certificate chain and private key
	Certificate tls.Certificate

	// MinVersion and MaxVersion bound the negotiated protocol version.
	// Zero values default to TLS 1.0 and TLS 1.3.
	MinVersion uint16
	MaxVersion uint16

	// Logger for handshake events
	Logger *slog.Logger
}

// State describes a completed handshake.
type State struct {
	Version     string
	CipherSuite string
}

// Installer upgrades plain client streams. It is safe for concurrent use; the
// underlying tls.Config is built once and never mutated.
type Installer struct {
	tlsConfig *tls.Config
	logger    *slog.Logger
}

// New creates an Installer.
func New(cfg Config) (*Installer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS10
	}
	if cfg.MaxVersion == 0 {
		cfg.MaxVersion = tls.VersionTLS13
	}
	if cfg.MinVersion > cfg.MaxVersion {
		return nil, fmt.Errorf("min TLS version %s is above max %s",
			tls.VersionName(cfg.MinVersion), tls.VersionName(cfg.MaxVersion))
	}
	if len(cfg.Certificate.Certificate) == 0 {
		return nil, fmt.Errorf("%w: empty certificate", perrors.ErrCredentialLoad)
	}

	return &Installer{
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cfg.Certificate},
			MinVersion:   cfg.MinVersion,
			MaxVersion:   cfg.MaxVersion,
			CipherSuites: LegacyCipherSuites(),
			ClientAuth:   tls.NoClientCert,
		},
		logger: cfg.Logger,
	}, nil
}

// TLSConfig returns a copy of the server configuration.
func (i *Installer) TLSConfig() *tls.Config {
	return i.tlsConfig.Clone()
}

// Install takes over the client's plain stream, runs the handshake and
// returns the secured stream. On failure the client connection is destroyed;
// a failed handshake cannot be retried on the same connection.
func (i *Installer) Install(ctx context.Context, sessionID uint64, client *stream.Plain) (*stream.Secure, State, error) {
	secure, err := stream.NewSecure(client, i.tlsConfig)
	if err != nil {
		client.Close()
		return nil, State{}, perrors.Wrap(perrors.ErrHandshake, err)
	}

	if err := secure.Handshake(ctx); err != nil {
		secure.Close()
		i.logger.Info("TLS upgrade error",
			slog.Uint64("session", sessionID),
			slog.String("error", err.Error()))
		return nil, State{}, perrors.Wrap(perrors.ErrHandshake, err)
	}

	cs := secure.ConnectionState()
	state := State{
		Version:     tls.VersionName(cs.Version),
		CipherSuite: tls.CipherSuiteName(cs.CipherSuite),
	}
	i.logger.Info("TLS established",
		slog.Uint64("session", sessionID),
		slog.String("version", state.Version),
		slog.String("cipher", state.CipherSuite))

	return secure, state, nil
}

// LegacyCipherSuites returns every cipher suite Go implements except RC4.
// TLS 1.3 suites are not configurable and are always enabled.
func LegacyCipherSuites() []uint16 {
	var ids []uint16
	for _, cs := range tls.CipherSuites() {
		ids = append(ids, cs.ID)
	}
	for _, cs := range tls.InsecureCipherSuites() {
		if strings.Contains(cs.Name, "RC4") {
			continue
		}
		ids = append(ids, cs.ID)
	}
	return ids
}

// ParseVersion maps a configuration string such as "TLSv1.2" to its
// crypto/tls constant. "TLSv1" means TLS 1.0.
func ParseVersion(s string) (uint16, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TLSV1", "TLSV1.0", "TLS1.0":
		return tls.VersionTLS10, nil
	case "TLSV1.1", "TLS1.1":
		return tls.VersionTLS11, nil
	case "TLSV1.2", "TLS1.2":
		return tls.VersionTLS12, nil
	case "TLSV1.3", "TLS1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unknown TLS version %q", s)
	}
}
