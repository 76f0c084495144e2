// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"log/slog"
	"sync"

	"github.com/absmach/xmppgate/pkg/stream"
)

// DataHandler receives one chunk read from a leg. The slice is only valid for
// the duration of the call.
type DataHandler func(chunk []byte)

// CloseHandler is called once when a leg's read loop ends, unless the leg was
// retired first.
type CloseHandler func(err error)

// Leg is one backend connection.
type Leg struct {
	*stream.Plain

	// Seq is 1 for the first leg of a session, 2 for its replacement.
	Seq int

	bufSize int
	logger  *slog.Logger

	mu      sync.Mutex
	onData  DataHandler
	onClose CloseHandler
	done    chan struct{}
}

// Start installs the callbacks and starts the read loop. It may be called
// once; legs relayed by a pipe are read directly and never started.
func (l *Leg) Start(onData DataHandler, onClose CloseHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}
	l.onData = onData
	l.onClose = onClose
	l.done = make(chan struct{})
	go l.readLoop(l.done)
}

func (l *Leg) readLoop(done chan struct{}) {
	defer close(done)

	buf := make([]byte, l.bufSize)
	for {
		n, err := l.Read(buf)
		if n > 0 {
			if onData, _ := l.handlers(); onData != nil {
				onData(buf[:n])
			}
		}
		if err != nil {
			if _, onClose := l.handlers(); onClose != nil {
				onClose(err)
			}
			return
		}
	}
}

func (l *Leg) handlers() (DataHandler, CloseHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.onData, l.onClose
}

// retire detaches the callbacks, destroys the connection and waits for the
// read loop to exit. A chunk already being delivered when retire starts is
// allowed to finish; no later chunk reaches the old handler.
func (l *Leg) retire() {
	l.mu.Lock()
	l.onData = nil
	l.onClose = nil
	done := l.done
	l.mu.Unlock()

	l.Close()
	if done != nil {
		<-done
	}
	l.logger.Debug("backend leg retired", slog.Int("leg", l.Seq))
}
