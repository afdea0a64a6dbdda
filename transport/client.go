// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marionette-sh/marionette/lib/clock"
	"github.com/marionette-sh/marionette/protocol"
)

// DefaultRequestTimeout bounds a request when the caller passes no
// explicit timeout.
const DefaultRequestTimeout = 10 * time.Second

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// URL is the relay's WebSocket endpoint.
	URL string

	// Role is the role to claim in the join handshake.
	Role protocol.Role

	// SessionID is the session to join. May be empty for roles where
	// the relay assigns one.
	SessionID string

	// ClientName is the display name sent in the join handshake.
	ClientName string

	// Dialer opens the connection. If nil, WebSocketDialer is used.
	Dialer Dialer

	// Clock drives request timeouts. If nil, clock.Real() is used.
	Clock clock.Clock

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// JoinInfo is the relay's answer to the join handshake.
type JoinInfo struct {
	Role       protocol.Role
	SessionID  string
	ClientName string
}

// Client is a correlated transport client. Connect performs the join
// handshake; afterwards Request awaits replies matched by envelope ID,
// Send fires and forgets, and Messages delivers unsolicited envelopes.
//
// A Client is single-shot: after the connection drops or Close is
// called it cannot be reconnected. The owner builds a fresh Client for
// each connection attempt.
type Client struct {
	config ClientConfig
	clock  clock.Clock
	logger *slog.Logger

	conn     Conn
	messages chan protocol.Envelope

	mu      sync.Mutex
	pending map[string]chan requestResult
	closed  bool
}

// requestResult is one settled request: a reply envelope or an error.
type requestResult struct {
	envelope protocol.Envelope
	err      error
}

// NewClient creates an unconnected Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("transport: URL is required")
	}
	if _, err := protocol.ParseRole(string(config.Role)); err != nil {
		return nil, fmt.Errorf("transport: invalid role: %w", err)
	}
	if config.Dialer == nil {
		config.Dialer = WebSocketDialer{}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		config:   config,
		clock:    config.Clock,
		logger:   config.Logger,
		messages: make(chan protocol.Envelope, 64),
		pending:  make(map[string]chan requestResult),
	}, nil
}

// Connect dials the relay and performs the join handshake as the first
// request. Callers must not assume connectivity before Connect returns.
func (c *Client) Connect(ctx context.Context) (*JoinInfo, error) {
	conn, err := c.config.Dialer.DialContext(ctx, c.config.URL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, &TransportError{Op: "closed"}
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	payload := map[string]any{"role": string(c.config.Role)}
	if c.config.SessionID != "" {
		payload["sessionId"] = c.config.SessionID
	}
	if c.config.ClientName != "" {
		payload["agentName"] = c.config.ClientName
	}

	reply, err := c.Request(ctx, protocol.TypeJoin, payload, DefaultRequestTimeout)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("transport: join handshake: %w", err)
	}
	if reply.Type != protocol.TypeJoined {
		c.Close()
		return nil, fmt.Errorf("transport: join answered with %q, want %q", reply.Type, protocol.TypeJoined)
	}

	info := &JoinInfo{
		Role:       protocol.Role(reply.PayloadString("role")),
		SessionID:  reply.PayloadString("sessionId"),
		ClientName: reply.PayloadString("clientName"),
	}
	c.logger.Debug("joined session", "session", info.SessionID, "role", info.Role)
	return info, nil
}

// Request sends an envelope carrying a fresh ID and blocks until the
// matching reply arrives, the timeout fires, or ctx is cancelled.
// A matching error envelope surfaces as *RemoteError; socket failure as
// *TransportError; an elapsed deadline as *TimeoutError.
func (c *Client) Request(ctx context.Context, messageType string, payload map[string]any, timeout time.Duration) (protocol.Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	envelope := protocol.NewRequest(messageType, payload)
	result := make(chan requestResult, 1)

	// Register before writing so a racing reply always finds the entry.
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return protocol.Envelope{}, &TransportError{Op: "closed"}
	}
	conn := c.conn
	c.pending[envelope.ID] = result
	c.mu.Unlock()

	if err := conn.WriteEnvelope(envelope); err != nil {
		c.removePending(envelope.ID)
		return protocol.Envelope{}, err
	}

	select {
	case settled := <-result:
		return settled.envelope, settled.err
	case <-c.clock.After(timeout):
		c.removePending(envelope.ID)
		return protocol.Envelope{}, &TimeoutError{MessageType: messageType, Timeout: timeout}
	case <-ctx.Done():
		c.removePending(envelope.ID)
		return protocol.Envelope{}, &TransportError{Op: "request", Err: ctx.Err()}
	}
}

// Send fires an envelope with no reply expected.
func (c *Client) Send(messageType string, payload map[string]any) error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return &TransportError{Op: "closed"}
	}
	conn := c.conn
	c.mu.Unlock()
	return conn.WriteEnvelope(protocol.NewMessage(messageType, payload))
}

// Reply answers a previously received request, echoing its ID in
// ReplyTo. Used by hosts answering agent-originated requests.
func (c *Client) Reply(request protocol.Envelope, messageType string, payload map[string]any) error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return &TransportError{Op: "closed"}
	}
	conn := c.conn
	c.mu.Unlock()
	return conn.WriteEnvelope(protocol.NewReply(request, messageType, payload))
}

// Messages delivers unsolicited envelopes: everything that is not a
// reply to a pending request. The channel closes when the connection
// ends.
func (c *Client) Messages() <-chan protocol.Envelope {
	return c.messages
}

// Close shuts the connection down. Every pending request fails
// immediately with *TransportError — no request is left hanging.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	// Never connected: the read loop won't run, so the failure path
	// that normally closes the channel is ours.
	c.failAllPending(&TransportError{Op: "closed"})
	close(c.messages)
	return nil
}

// readLoop dispatches inbound envelopes: replies settle their pending
// request, everything else flows to the Messages channel. On read
// failure every pending request fails and the Messages channel closes.
func (c *Client) readLoop(conn Conn) {
	for {
		envelope, err := conn.ReadEnvelope()
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			c.failAllPending(&TransportError{Op: "closed", Err: err})
			close(c.messages)
			return
		}

		if envelope.ReplyTo != "" {
			if result := c.removePending(envelope.ReplyTo); result != nil {
				if envelope.IsError() {
					code, message := envelope.ErrorInfo()
					result <- requestResult{err: &RemoteError{Code: code, Message: message}}
				} else {
					result <- requestResult{envelope: envelope}
				}
				continue
			}
			// Reply to a request that already timed out. Drop it —
			// the caller has moved on.
			c.logger.Debug("late reply dropped", "type", envelope.Type, "replyTo", envelope.ReplyTo)
			continue
		}

		c.messages <- envelope
	}
}

// removePending removes and returns the pending entry for id, or nil.
func (c *Client) removePending(id string) chan requestResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return result
}

// failAllPending settles every outstanding request with err.
func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan requestResult)
	c.mu.Unlock()

	for _, result := range pending {
		result <- requestResult{err: err}
	}
}
