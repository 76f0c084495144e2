// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy of the relay.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialLoad indicates the TLS certificate or key could not be loaded.
	// It is fatal at startup.
	ErrCredentialLoad = errors.New("failed to load credentials")

	// ErrListenerBind indicates the listen address could not be bound, usually
	// because it is already in use.
	// It is fatal at startup.
	ErrListenerBind = errors.New("failed to bind listen address")

	// ErrPeerConnection indicates a connect, read or write failure on either leg.
	ErrPeerConnection = errors.New("peer connection error")

	// ErrHandshake indicates the STARTTLS handshake with the client failed.
	ErrHandshake = errors.New("tls handshake failed")

	// ErrWriteAfterDestroy indicates a write to an endpoint that was already destroyed.
	// It is logged and never escalated.
	ErrWriteAfterDestroy = errors.New("write after destroy")
)

// SessionError wraps an error with the session it occurred in.
type SessionError struct {
	Op         string // Operation that failed
	Leg        string // client or backend
	SessionID  uint64
	RemoteAddr string
	Err        error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.Leg != "" {
		return fmt.Sprintf("session %d %s: %s leg %s: %v", e.SessionID, e.RemoteAddr, e.Leg, e.Op, e.Err)
	}
	return fmt.Sprintf("session %d %s: %s: %v", e.SessionID, e.RemoteAddr, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// New creates a new SessionError. It returns nil if err is nil.
func New(op, leg string, sessionID uint64, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		Op:         op,
		Leg:        leg,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap joins a taxonomy sentinel with the cause so that both match errors.Is.
func Wrap(kind, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, cause)
}
