// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how fast a single client address may open new
// connections.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxClients = 10000
	defaultIdleTTL    = 5 * time.Minute
)

// Config holds limiter configuration.
type Config struct {
	// Rate is the sustained number of connections per second per client.
	Rate float64

	// Burst is the number of connections a client may open at once.
	Burst int

	// MaxClients bounds the number of tracked addresses. New addresses are
	// refused while the table is full.
	MaxClients int

	// IdleTTL is how long an address is remembered after its last connection.
	IdleTTL time.Duration
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages per-client token buckets.
type Limiter struct {
	cfg Config

	mu           sync.Mutex
	clients      map[string]*client
	cleanupTimer *time.Timer
	now          func() time.Time
}

// NewLimiter creates a limiter. A non-positive rate returns nil, and a nil
// Limiter allows everything.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Rate <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}

	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*client),
		now:     time.Now,
	}
	l.cleanupTimer = time.AfterFunc(cfg.IdleTTL, l.cleanup)

	return l
}

// Allow reports whether a new connection from clientID may proceed.
func (l *Limiter) Allow(clientID string) bool {
	if l == nil {
		return true
	}

	now := l.now()

	l.mu.Lock()
	c, ok := l.clients[clientID]
	if !ok {
		if len(l.clients) >= l.cfg.MaxClients {
			l.mu.Unlock()
			return false
		}
		c = &client{limiter: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		l.clients[clientID] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// AllowAddr applies Allow to the host part of addr.
func (l *Limiter) AllowAddr(addr net.Addr) bool {
	if l == nil || addr == nil {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return l.Allow(host)
}

// Remove forgets a client.
func (l *Limiter) Remove(clientID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, clientID)
}

// cleanup forgets clients idle for longer than IdleTTL.
func (l *Limiter) cleanup() {
	l.evict()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cleanupTimer != nil {
		l.cleanupTimer = time.AfterFunc(l.cfg.IdleTTL, l.cleanup)
	}
}

func (l *Limiter) evict() {
	cutoff := l.now().Add(-l.cfg.IdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, id)
		}
	}
}

// Stats returns the number of tracked clients.
func (l *Limiter) Stats() (clients int) {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Close stops the cleanup timer.
func (l *Limiter) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cleanupTimer != nil {
		l.cleanupTimer.Stop()
		l.cleanupTimer = nil
	}
}
