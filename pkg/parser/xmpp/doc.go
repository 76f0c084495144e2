// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package xmpp implements STARTTLS detection and stream feature repair for XMPP.
//
// # Upstream
//
// A chunk containing the opening of a <starttls/> element is an upgrade
// request. It is consumed (never forwarded to the backend) and Parse returns
// parser.VerdictUpgrade. Every other chunk is forwarded verbatim.
//
// # Downstream
//
// Some servers do not list STARTTLS in their <stream:features/> block because
// they expect TLS to be terminated in front of them. Older clients refuse to
// request the upgrade unless it is offered, so when a chunk closes a features
// block without a <starttls/> child the parser inserts
//
//	<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>
//
// immediately before </stream:features>. Nothing else in the chunk changes.
//
// # Limitations
//
// Matching is plain substring search on each chunk. There is no XML parsing,
// and markers split across reads are missed.
package xmpp
