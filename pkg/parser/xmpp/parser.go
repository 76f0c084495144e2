// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package xmpp

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/absmach/xmppgate/pkg/handler"
	"github.com/absmach/xmppgate/pkg/parser"
)

// Wire markers recognized in the plaintext stream.
const (
	StartTLSMarker  = "<starttls"
	FeaturesClose   = "</stream:features>"
	StartTLSFeature = "<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>"
	Proceed         = "<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>"
)

var (
	startTLSMarker  = []byte(StartTLSMarker)
	featuresClose   = []byte(FeaturesClose)
	injectedFeature = []byte(StartTLSFeature + FeaturesClose)
)

// Parser implements the parser.Parser interface for XMPP.
type Parser struct {
	Logger *slog.Logger
}

var _ parser.Parser = (*Parser)(nil)

// Parse inspects one chunk. Upstream chunks carrying a STARTTLS request are
// consumed; downstream feature blocks missing the STARTTLS offer are repaired.
func (p *Parser) Parse(ctx context.Context, chunk []byte, dir parser.Direction, h handler.Handler, hctx *handler.Context) ([]byte, parser.Verdict, error) {
	if dir == parser.Upstream {
		if !IsStartTLSRequest(chunk) {
			return chunk, parser.VerdictForward, nil
		}
		p.logger().Info("STARTTLS requested by client", slog.Uint64("session", hctx.ID))
		if err := h.OnStartTLS(ctx, hctx); err != nil {
			p.logger().Warn("STARTTLS handler error",
				slog.Uint64("session", hctx.ID),
				slog.String("error", err.Error()))
		}
		return nil, parser.VerdictUpgrade, nil
	}

	out, injected, ok := InjectStartTLS(chunk)
	if !ok {
		return chunk, parser.VerdictForward, nil
	}
	if injected {
		p.logger().Info("injecting STARTTLS into backend features", slog.Uint64("session", hctx.ID))
	} else {
		p.logger().Info("backend offered STARTTLS", slog.Uint64("session", hctx.ID))
	}
	if err := h.OnFeatures(ctx, hctx, injected); err != nil {
		p.logger().Warn("features handler error",
			slog.Uint64("session", hctx.ID),
			slog.String("error", err.Error()))
	}
	return out, parser.VerdictForward, nil
}

func (p *Parser) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// IsStartTLSRequest reports whether a client chunk asks for the upgrade.
func IsStartTLSRequest(chunk []byte) bool {
	return bytes.Contains(chunk, startTLSMarker)
}

// InjectStartTLS inserts the STARTTLS offer before the first closing features
// marker when the chunk does not already carry one. ok reports whether the
// chunk is part of a features advertisement (it closes a features block or
// already offers STARTTLS); injected reports whether it was rewritten. The
// input is never modified.
func InjectStartTLS(chunk []byte) (out []byte, injected, ok bool) {
	if bytes.Contains(chunk, startTLSMarker) {
		return chunk, false, true
	}
	if !bytes.Contains(chunk, featuresClose) {
		return chunk, false, false
	}
	return bytes.Replace(chunk, featuresClose, injectedFeature, 1), true, true
}
