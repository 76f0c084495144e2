// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay pumps bytes between two streams without modifying them.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	perrors "github.com/absmach/xmppgate/pkg/errors"
	"github.com/absmach/xmppgate/pkg/stream"
)

// DefaultBufferSize is the read size used when none is configured.
const DefaultBufferSize = 16 * 1024

// Forward writes one chunk to dst and adds its length to counter. A destroyed
// or closed destination is not an error: the chunk is dropped and logged.
func Forward(dst stream.Stream, chunk []byte, counter *atomic.Uint64, logger *slog.Logger) error {
	counter.Add(uint64(len(chunk)))
	if dst.Destroyed() {
		logger.Debug("dropping chunk for destroyed endpoint", slog.Int("bytes", len(chunk)))
		return nil
	}
	if _, err := dst.Write(chunk); err != nil {
		if isClosed(err) {
			logger.Debug("dropping chunk for closed endpoint",
				slog.Int("bytes", len(chunk)),
				slog.String("error", err.Error()))
			return nil
		}
		return perrors.Wrap(perrors.ErrPeerConnection, err)
	}
	return nil
}

// Pipe is one direction of a relay.
type Pipe struct {
	Src     stream.Stream
	Dst     stream.Stream
	Counter *atomic.Uint64
	Logger  *slog.Logger

	// BufferSize is the maximum chunk size read from Src.
	BufferSize int

	// OnChunk, when set, observes every chunk before it is forwarded.
	OnChunk func(chunk []byte)
}

// Run copies chunks from Src to Dst until Src ends, an error occurs or ctx is
// cancelled. It always destroys both streams before returning, so the peer
// pipe of a pair unblocks as well. A clean close of either side returns nil.
func (p *Pipe) Run(ctx context.Context) error {
	defer p.Dst.Close()
	defer p.Src.Close()

	stop := context.AfterFunc(ctx, func() {
		p.Src.Close()
	})
	defer stop()

	size := p.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	buf := make([]byte, size)

	for {
		n, err := p.Src.Read(buf)
		if n > 0 {
			if p.OnChunk != nil {
				p.OnChunk(buf[:n])
			}
			if ferr := Forward(p.Dst, buf[:n], p.Counter, p.Logger); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || isClosed(err) {
				return nil
			}
			return perrors.Wrap(perrors.ErrPeerConnection, err)
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, perrors.ErrWriteAfterDestroy) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, stream.ErrTransportMoved)
}
