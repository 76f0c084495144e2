// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/xmppgate/pkg/handler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type failingHandler struct {
	handler.NoopHandler
}

var errFailing = errors.New("handler failed")

func (h *failingHandler) OnSecure(ctx context.Context, hctx *handler.Context) error {
	return errFailing
}

func TestNew_Registers(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := New("", reg)

	m.ActiveSessions.Set(1)
	m.BytesTotal.WithLabelValues("upstream").Add(1)
	m.FeaturesTotal.WithLabelValues("injected").Inc()
	m.UpgradesTotal.WithLabelValues("success").Inc()
	m.TLSSessions.WithLabelValues("TLS 1.2", "TLS_RSA_WITH_AES_128_CBC_SHA").Inc()

	count, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	// Vectors only appear once a label set exists.
	if count != 10 {
		t.Errorf("Expected 10 series, got %d", count)
	}
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New("xmppgate", reg)

	defer func() {
		if recover() == nil {
			t.Error("Expected duplicate registration to panic")
		}
	}()
	New("xmppgate", reg)
}

func TestInstrumentedHandler_Upgrade(t *testing.T) {
	m := New("test", prometheus.NewRegistry())
	h := NewHandler(nil, m)

	base := time.Now()
	h.now = func() time.Time { return base }

	ctx := context.Background()
	hctx := &handler.Context{ID: 1, Protocol: "xmpp"}

	h.OnConnect(ctx, hctx)
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("Expected 1 active session, got %v", got)
	}

	h.OnFeatures(ctx, hctx, true)
	h.OnFeatures(ctx, hctx, false)
	h.OnStartTLS(ctx, hctx)

	hctx.TLSVersion = "TLS 1.0"
	hctx.CipherSuite = "TLS_RSA_WITH_AES_128_CBC_SHA"
	h.OnSecure(ctx, hctx)

	h.now = func() time.Time { return base.Add(2 * time.Second) }
	hctx.BytesUpstream = 100
	hctx.BytesDownstream = 250
	h.OnDisconnect(ctx, hctx)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"active", m.ActiveSessions, 0},
		{"total", m.SessionsTotal, 1},
		{"injected", m.FeaturesTotal.WithLabelValues("injected"), 1},
		{"native", m.FeaturesTotal.WithLabelValues("native"), 1},
		{"success", m.UpgradesTotal.WithLabelValues("success"), 1},
		{"failure", m.UpgradesTotal.WithLabelValues("failure"), 0},
		{"tls", m.TLSSessions.WithLabelValues("TLS 1.0", "TLS_RSA_WITH_AES_128_CBC_SHA"), 1},
		{"upstream", m.BytesTotal.WithLabelValues("upstream"), 100},
		{"downstream", m.BytesTotal.WithLabelValues("downstream"), 250},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}

	if n := testutil.CollectAndCount(m.SessionDuration); n != 1 {
		t.Errorf("Expected duration histogram to be collected, got %d", n)
	}
}

func TestInstrumentedHandler_FailedUpgrade(t *testing.T) {
	m := New("test", prometheus.NewRegistry())
	h := NewHandler(&handler.NoopHandler{}, m)

	ctx := context.Background()
	hctx := &handler.Context{ID: 7}

	h.OnConnect(ctx, hctx)
	h.OnStartTLS(ctx, hctx)
	h.OnDisconnect(ctx, hctx)

	if got := testutil.ToFloat64(m.UpgradesTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("Expected 1 failed upgrade, got %v", got)
	}
}

func TestInstrumentedHandler_NeverConnected(t *testing.T) {
	m := New("test", prometheus.NewRegistry())
	h := NewHandler(nil, m)

	h.OnDisconnect(context.Background(), &handler.Context{ID: 3})

	if got := testutil.ToFloat64(m.ActiveSessions); got != 0 {
		t.Errorf("Expected active sessions to stay at 0, got %v", got)
	}
}

func TestInstrumentedHandler_PropagatesErrors(t *testing.T) {
	m := New("test", prometheus.NewRegistry())
	h := NewHandler(&failingHandler{}, m)

	err := h.OnSecure(context.Background(), &handler.Context{ID: 1})
	if !errors.Is(err, errFailing) {
		t.Errorf("Expected wrapped handler error, got %v", err)
	}
}
