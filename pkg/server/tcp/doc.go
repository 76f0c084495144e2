// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the client-facing TCP listener.
//
// # Overview
//
// The server binds one address, accepts connections and runs each one on its
// own goroutine through a ConnHandler. It knows nothing about the relayed
// protocol; the session package plugs in as the handler.
//
// # Session identity
//
// Every accepted connection gets a handler.Context with a numeric ID taken
// from a per-server counter (1, 2, 3, ...) and a random correlation UUID.
// The numeric ID appears as the "session" attribute on every log line.
//
// # Rate limiting
//
// When Config.Limiter is set, connections from a host that exceeds its
// token bucket are closed right after accept and never reach the handler.
//
// # Graceful Shutdown
//
// When the context passed to Listen is cancelled:
//
//  1. The listener is closed and the accept loop stops
//  2. Live sessions get up to ShutdownTimeout to finish on their own
//  3. The remaining sessions are cancelled, which destroys both of their legs
//  4. Listen returns ErrShutdownTimeout if step 3 was needed
//
// # Errors
//
//   - Bind failures: returned wrapped in errors.ErrListenerBind
//   - Accept failures: logged, the loop continues
//   - Session errors: logged with the session ID, never fatal to the server
//
// # Example
//
//	srv := tcp.New(tcp.Config{
//		Address:  ":5222",
//		Protocol: "xmpp",
//	}, session.NewDispatcher(sessionCfg))
//
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
