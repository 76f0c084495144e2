// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the session event hooks of the relay.
//
// # Architecture Overview
//
// The Handler interface is the bridge between the session state machine and
// application-level observers (logging, metrics, auditing). The session calls
// the hooks as it moves through its phases; hooks never change the relay's
// behavior and their errors are only logged.
//
// # Event Flow
//
//	accept → OnConnect → OnFeatures* → OnStartTLS → OnSecure → OnDisconnect
//
// OnFeatures fires for every backend capability block seen before the upgrade,
// with injected set when the relay had to add the STARTTLS offer. OnDisconnect
// always fires exactly once, whichever phase the session ended in.
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - ID: Monotonic session number used for log correlation
//   - SessionID: Correlation UUID
//   - RemoteAddr: Client's network address
//   - Protocol: Always "xmpp"
//   - TLSVersion, CipherSuite: Set before OnSecure
//   - BytesUpstream, BytesDownstream: Set before OnDisconnect
//
// # Example
//
//	type AuditHandler struct {
//		handler.NoopHandler
//		log *slog.Logger
//	}
//
//	func (h *AuditHandler) OnSecure(ctx context.Context, hctx *handler.Context) error {
//		h.log.Info("secured", slog.String("version", hctx.TLSVersion))
//		return nil
//	}
package handler
