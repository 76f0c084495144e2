// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package xmppgate

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	perrors "github.com/absmach/xmppgate/pkg/errors"
	"github.com/absmach/xmppgate/pkg/tlsupgrade"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the prefix of every configuration variable.
const EnvPrefix = "XMPPGATE_"

var errMissingCredentials = errors.New("certificate and key files are required")

// Config is the relay configuration, read once at startup.
type Config struct {
	Host       string `env:"HOST"        envDefault:"0.0.0.0"`
	Port       string `env:"PORT"        envDefault:"5222"`
	TargetHost string `env:"TARGET_HOST" envDefault:"127.0.0.1"`
	TargetPort string `env:"TARGET_PORT" envDefault:"5200"`

	CertFile      string `env:"CERT_FILE"`
	KeyFile       string `env:"KEY_FILE"`
	MinTLSVersion string `env:"MIN_TLS_VERSION" envDefault:"TLSv1"`
	MaxTLSVersion string `env:"MAX_TLS_VERSION" envDefault:"TLSv1.3"`

	BufferSize      int           `env:"BUFFER_SIZE"      envDefault:"16384"`
	KeepAlive       time.Duration `env:"KEEP_ALIVE"       envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsPort int `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int `env:"HEALTH_PORT"  envDefault:"8080"`

	AcceptRate  float64 `env:"ACCEPT_RATE"  envDefault:"0"`
	AcceptBurst int     `env:"ACCEPT_BURST" envDefault:"0"`

	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"0"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	Certificate tls.Certificate `env:"-"`
	MinVersion  uint16          `env:"-"`
	MaxVersion  uint16          `env:"-"`
}

// NewConfig parses the environment and loads the TLS credentials. Credential
// problems are reported as errors.ErrCredentialLoad.
func NewConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}

	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return Config{}, perrors.Wrap(perrors.ErrCredentialLoad, errMissingCredentials)
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return Config{}, perrors.Wrap(perrors.ErrCredentialLoad, err)
	}
	cfg.Certificate = cert

	if cfg.MinVersion, err = tlsupgrade.ParseVersion(cfg.MinTLSVersion); err != nil {
		return Config{}, fmt.Errorf("invalid MIN_TLS_VERSION: %w", err)
	}
	if cfg.MaxVersion, err = tlsupgrade.ParseVersion(cfg.MaxTLSVersion); err != nil {
		return Config{}, fmt.Errorf("invalid MAX_TLS_VERSION: %w", err)
	}
	if cfg.MinVersion > cfg.MaxVersion {
		return Config{}, fmt.Errorf("MIN_TLS_VERSION %s is above MAX_TLS_VERSION %s", cfg.MinTLSVersion, cfg.MaxTLSVersion)
	}

	return cfg, nil
}

// Address is the client-facing listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// TargetAddress is the backend address.
func (c Config) TargetAddress() string {
	return net.JoinHostPort(c.TargetHost, c.TargetPort)
}
