// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the client side of the relay protocol:
// a WebSocket connection carrying JSON envelopes, with fire-and-forget
// Send and correlated Request/reply on top of the same socket.
//
// The package is organized around the connection surface:
//
//   - transport.go: Conn and Dialer abstractions, the WebSocket implementation
//   - client.go: the correlated Client (join handshake, pending-request table)
//   - errors.go: the typed failure taxonomy (transport, timeout, remote)
//   - memory.go: in-process Conn pair for tests
package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/marionette-sh/marionette/protocol"
)

// Compile-time interface checks.
var (
	_ Conn   = (*websocketConn)(nil)
	_ Dialer = (*WebSocketDialer)(nil)
)

// Conn is one bidirectional envelope stream. Implementations must allow
// one concurrent reader and any number of writers; Close must unblock a
// pending ReadEnvelope.
type Conn interface {
	// ReadEnvelope blocks until the next envelope arrives or the
	// connection fails.
	ReadEnvelope() (protocol.Envelope, error)

	// WriteEnvelope sends one envelope. Safe for concurrent use.
	WriteEnvelope(envelope protocol.Envelope) error

	// Close shuts the connection down. Subsequent reads and writes fail.
	Close() error
}

// Dialer opens connections to a relay.
type Dialer interface {
	// DialContext connects to the relay at the given WebSocket URL
	// (e.g., "ws://localhost:7420/session").
	DialContext(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials relays over WebSocket text frames.
type WebSocketDialer struct{}

// DialContext opens a WebSocket connection to the relay.
func (WebSocketDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return &websocketConn{conn: conn}, nil
}

// websocketConn adapts a gorilla WebSocket connection to Conn. gorilla
// permits one concurrent reader and one concurrent writer; the write
// mutex serializes writers.
type websocketConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *websocketConn) ReadEnvelope() (protocol.Envelope, error) {
	var envelope protocol.Envelope
	if err := c.conn.ReadJSON(&envelope); err != nil {
		return protocol.Envelope{}, &TransportError{Op: "read", Err: err}
	}
	return envelope, nil
}

func (c *websocketConn) WriteEnvelope(envelope protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(envelope); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *websocketConn) Close() error {
	return c.conn.Close()
}
