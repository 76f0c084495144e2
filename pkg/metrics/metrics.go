// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors of the relay.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	SessionDuration prometheus.Histogram
	BytesTotal      *prometheus.CounterVec

	// Upgrade metrics
	FeaturesTotal *prometheus.CounterVec
	UpgradesTotal *prometheus.CounterVec
	TLSSessions   *prometheus.CounterVec

	// Backend circuit breaker metrics
	CircuitBreakerState prometheus.Gauge
	CircuitBreakerTrips prometheus.Counter

	// Rate limiter metrics
	RateLimitedTotal prometheus.Counter
}

// New creates all collectors and registers them with reg. A nil reg uses the
// default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "xmppgate"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions with a connected backend",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions that reached the backend",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session lifetime from backend connect to close",
			Buckets:   []float64{0.1, 1, 10, 60, 300, 1800, 3600, 14400},
		}),
		BytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes relayed, by direction",
		}, []string{"direction"}),
		FeaturesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "features_total",
			Help:      "Capability blocks relayed to clients, by how STARTTLS was offered",
		}, []string{"offer"}),
		UpgradesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrades_total",
			Help:      "STARTTLS upgrades, by result",
		}, []string{"result"}),
		TLSSessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_sessions_total",
			Help:      "Completed TLS handshakes, by negotiated version and cipher suite",
		}, []string{"version", "cipher"}),
		CircuitBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_breaker_state",
			Help:      "Backend circuit breaker state (0=closed, 1=half_open, 2=open)",
		}),
		CircuitBreakerTrips: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_breaker_trips_total",
			Help:      "Times the backend circuit breaker opened",
		}),
		RateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Connections refused by the accept rate limiter",
		}),
	}
}
