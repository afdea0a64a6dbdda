// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/marionette-sh/marionette/protocol"
)

// Compile-time interface checks.
var (
	_ Conn   = (*MemoryConn)(nil)
	_ Dialer = (*MemoryDialer)(nil)
)

// MemoryPipe creates a connected in-process Conn pair. Envelopes
// written to one end are read from the other. Closing either end
// unblocks both. Used by tests to exercise the Client and the relay
// broker without a network.
func MemoryPipe() (*MemoryConn, *MemoryConn) {
	closed := make(chan struct{})
	a := &MemoryConn{inbox: make(chan protocol.Envelope, 64), closed: closed}
	b := &MemoryConn{inbox: make(chan protocol.Envelope, 64), closed: closed}
	a.peer, b.peer = b, a
	return a, b
}

// MemoryConn is one end of an in-process envelope pipe.
type MemoryConn struct {
	peer   *MemoryConn
	inbox  chan protocol.Envelope
	closed chan struct{}

	closeOnce sync.Once
}

func (c *MemoryConn) ReadEnvelope() (protocol.Envelope, error) {
	select {
	case envelope := <-c.inbox:
		return envelope, nil
	case <-c.closed:
		// Drain envelopes that raced with the close.
		select {
		case envelope := <-c.inbox:
			return envelope, nil
		default:
		}
		return protocol.Envelope{}, &TransportError{Op: "read"}
	}
}

func (c *MemoryConn) WriteEnvelope(envelope protocol.Envelope) error {
	select {
	case <-c.closed:
		return &TransportError{Op: "write"}
	case c.peer.inbox <- envelope:
		return nil
	}
}

func (c *MemoryConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// MemoryDialer hands out pre-connected MemoryConn ends, one per dial.
// Tests queue the client-side ends and hold the matching server-side
// ends themselves.
type MemoryDialer struct {
	mu    sync.Mutex
	conns []Conn
}

// Queue adds a connection to hand out on the next dial.
func (d *MemoryDialer) Queue(conn Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, conn)
}

// DialContext returns the next queued connection.
func (d *MemoryDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, &TransportError{Op: "dial"}
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}
