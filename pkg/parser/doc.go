// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package parser defines the interface for protocol-specific chunk inspection and rewriting.
//
// # Architecture Overview
//
// Parsers sit between the session state machine and the raw byte streams of
// the two legs. The session reads one chunk at a time from a leg and hands it
// to the parser together with its direction; the parser returns the bytes to
// forward and a verdict telling the session whether to keep relaying or to
// start the security upgrade.
//
// # Parser Interface
//
//	Parse(ctx context.Context, chunk []byte, dir Direction, h handler.Handler, hctx *handler.Context) ([]byte, Verdict, error)
//
//   - Upstream (Client → Backend): detects the upgrade request
//   - Downstream (Backend → Client): may rewrite control messages
//
// # Chunks, Not Messages
//
// Parsers see whatever a single Read returned. They do not reassemble
// messages, so a marker split across two reads is not recognized. This keeps
// parsing stateless at the cost of relying on peers that send each control
// element in one write, which XMPP servers and clients do in practice.
//
// # Phase Independence
//
// Parsers are only consulted while the session is relaying plaintext. Once the
// upgrade starts the session bypasses the parser entirely, so implementations
// need no knowledge of session phases.
//
// # Protocol-Specific Parsers
//
//   - parser/xmpp: STARTTLS detection and stream feature repair
package parser
