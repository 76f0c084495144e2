// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/xmppgate/pkg/handler"
)

var _ handler.Handler = (*InstrumentedHandler)(nil)

type sessionState struct {
	start    time.Time
	starttls bool
}

// InstrumentedHandler wraps a handler with metrics instrumentation.
type InstrumentedHandler struct {
	handler handler.Handler
	metrics *Metrics

	mu       sync.Mutex
	sessions map[uint64]*sessionState
	now      func() time.Time
}

// NewHandler decorates h. A nil h is replaced with a NoopHandler.
func NewHandler(h handler.Handler, m *Metrics) *InstrumentedHandler {
	if h == nil {
		h = &handler.NoopHandler{}
	}
	return &InstrumentedHandler{
		handler:  h,
		metrics:  m,
		sessions: make(map[uint64]*sessionState),
		now:      time.Now,
	}
}

// OnConnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	h.sessions[hctx.ID] = &sessionState{start: h.now()}
	h.mu.Unlock()

	h.metrics.ActiveSessions.Inc()
	h.metrics.SessionsTotal.Inc()

	return h.handler.OnConnect(ctx, hctx)
}

// OnFeatures implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnFeatures(ctx context.Context, hctx *handler.Context, injected bool) error {
	offer := "native"
	if injected {
		offer = "injected"
	}
	h.metrics.FeaturesTotal.WithLabelValues(offer).Inc()

	return h.handler.OnFeatures(ctx, hctx, injected)
}

// OnStartTLS implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnStartTLS(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	if s, ok := h.sessions[hctx.ID]; ok {
		s.starttls = true
	}
	h.mu.Unlock()

	return h.handler.OnStartTLS(ctx, hctx)
}

// OnSecure implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnSecure(ctx context.Context, hctx *handler.Context) error {
	h.metrics.UpgradesTotal.WithLabelValues("success").Inc()
	h.metrics.TLSSessions.WithLabelValues(hctx.TLSVersion, hctx.CipherSuite).Inc()

	return h.handler.OnSecure(ctx, hctx)
}

// OnDisconnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	s, ok := h.sessions[hctx.ID]
	delete(h.sessions, hctx.ID)
	h.mu.Unlock()

	// Sessions whose first backend leg never connected were not counted.
	if ok {
		h.metrics.ActiveSessions.Dec()
		h.metrics.SessionDuration.Observe(h.now().Sub(s.start).Seconds())
		if s.starttls && hctx.TLSVersion == "" {
			h.metrics.UpgradesTotal.WithLabelValues("failure").Inc()
		}
	}
	h.metrics.BytesTotal.WithLabelValues("upstream").Add(float64(hctx.BytesUpstream))
	h.metrics.BytesTotal.WithLabelValues("downstream").Add(float64(hctx.BytesDownstream))

	return h.handler.OnDisconnect(ctx, hctx)
}
