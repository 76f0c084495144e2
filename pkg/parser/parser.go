// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"context"

	"github.com/absmach/xmppgate/pkg/handler"
)

// Direction indicates the direction of chunk flow.
type Direction int

const (
	// Upstream represents bytes flowing from client to backend server.
	Upstream Direction = iota

	// Downstream represents bytes flowing from backend server to client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Verdict tells the session what to do with a parsed chunk.
type Verdict int

const (
	// VerdictForward relays the returned bytes to the opposite leg.
	VerdictForward Verdict = iota

	// VerdictUpgrade consumes the chunk and starts the security upgrade.
	VerdictUpgrade
)

// String returns a string representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictForward:
		return "forward"
	case VerdictUpgrade:
		return "upgrade"
	default:
		return "unknown"
	}
}

// Parser handles protocol-specific chunk processing.
//
// Parse is called once per chunk read from either leg while the session is in
// its plaintext phase. It must:
//   - Return the bytes to forward (the input slice itself when unchanged)
//   - Return VerdictUpgrade, and no bytes, to consume an upgrade request
//   - Never retain chunk after returning
//
// The handler h receives notifications for recognized control messages. A
// non-nil error terminates the session.
type Parser interface {
	Parse(ctx context.Context, chunk []byte, dir Direction, h handler.Handler, hctx *handler.Context) ([]byte, Verdict, error)
}
