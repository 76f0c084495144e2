// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session implements the per-connection STARTTLS relay.
//
// # Phases
//
//	PLAINTEXT ──<starttls>──▶ UPGRADING ──handshake ok──▶ UPGRADED
//	    │                         │                          │
//	    └──────── error/close ────┴──────────────────────────┴──▶ CLOSED
//
// The phase is a single atomic field. Every data path loads it before acting
// and transitions use compare-and-swap, so a callback racing a transition
// observes the new phase and drops its chunk.
//
// # Plaintext
//
// The session goroutine reads the client and the first backend leg's read loop
// reads the backend. Client chunks go through the parser's upgrade detection
// and are forwarded verbatim; backend chunks go through feature repair.
//
// # Upgrade
//
// On a STARTTLS request the session moves to UPGRADING, retires the backend
// leg (callbacks detached, socket destroyed, read loop joined), and only then
// writes <proceed/> to the client. The client's plain stream is handed to the
// installer, which takes over the socket in place and runs the handshake.
//
// The backend leg is replaced because the backend cannot continue a stream
// after STARTTLS on the same TCP connection. After a successful handshake the
// session dials a fresh backend leg and relays raw bytes in both directions,
// the client side now carrying decrypted application data.
//
// # Teardown
//
// Close or error on either endpoint destroys the other. Cancelling the context
// passed to Run destroys both. No timeouts are applied: a stalled peer keeps
// its session open.
package session
