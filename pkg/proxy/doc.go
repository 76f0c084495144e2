// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy provides the high-level coordinator that wires together the
// listener, the session state machine, the STARTTLS parser, the TLS installer
// and the backend dialer.
//
// # Architecture
//
//	Application
//	     ↓
//	┌─────────────┐
//	│  XMPPProxy  │  (Coordinator)
//	└─────────────┘
//	     ↓
//	┌─────────────┐
//	│ tcp.Server  │  (Listener, session IDs, rate limiting)
//	└─────────────┘
//	     ↓
//	┌─────────────┐
//	│   Session   │  (plaintext relay → upgrade → encrypted relay)
//	└─────────────┘
//	   ↓       ↓
//	┌──────┐ ┌───────────┐ ┌─────────┐
//	│Parser│ │ Installer │ │ Backend │
//	└──────┘ └───────────┘ └─────────┘
//	     ↓
//	┌─────────────┐
//	│   Handler   │  (Event hooks)
//	└─────────────┘
//
// # Usage
//
//	cert, _ := tls.LoadX509KeyPair("cert.pem", "key.pem")
//
//	cfg := proxy.XMPPConfig{
//		Host:        "0.0.0.0",
//		Port:        "5222",
//		TargetHost:  "127.0.0.1",
//		TargetPort:  "5200",
//		Certificate: cert,
//	}
//
//	p, err := proxy.NewXMPP(cfg, handler)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := p.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Clients connect in plaintext. The relay forwards their stream to the
// backend, makes sure the backend's capability block offers STARTTLS, and on
// request terminates TLS itself. The backend only ever sees plaintext: its
// pre-upgrade connection is dropped and a fresh one carries the decrypted
// stream.
package proxy
