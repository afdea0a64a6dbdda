// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"github.com/google/uuid"

	"github.com/marionette-sh/marionette/protocol"
)

// Socket is the write side of a relay connection. The read side lives
// in the server's per-connection pump, which feeds envelopes into the
// broker; the broker only ever writes and closes.
type Socket interface {
	// WriteEnvelope sends one envelope. Safe for concurrent use.
	WriteEnvelope(envelope protocol.Envelope) error

	// Close shuts the connection down, unblocking its read pump.
	Close() error
}

// Connection is the broker's record of one client. Role and session are
// set by the join handshake and replaced only by an explicit re-join.
type Connection struct {
	// ID identifies the connection for presence and audit records.
	ID string

	// Role is empty until the connection joins.
	Role protocol.Role

	// SessionID is empty until the connection joins.
	SessionID string

	// DisplayName is the optional name from the join payload.
	DisplayName string

	socket Socket
}

// newConnection wraps a socket in an unjoined connection record.
func newConnection(socket Socket) *Connection {
	return &Connection{
		ID:     uuid.NewString(),
		socket: socket,
	}
}

// joined reports whether the connection has completed the handshake.
func (c *Connection) joined() bool { return c.Role != "" }

// session holds one session's connections and its audit event counter.
// Created lazily on first join, discarded when both the host and all
// agents are gone.
type session struct {
	id     string
	host   *Connection
	agents map[string]*Connection

	// eventIndex increases monotonically across every audited event in
	// the session, giving the audit trail a total order.
	eventIndex uint64
}

func newSession(id string) *session {
	return &session{
		id:     id,
		agents: make(map[string]*Connection),
	}
}

// empty reports whether the session has neither host nor agents.
func (s *session) empty() bool {
	return s.host == nil && len(s.agents) == 0
}

// nextIndex returns the next audit event index.
func (s *session) nextIndex() uint64 {
	s.eventIndex++
	return s.eventIndex
}

// agentRoster builds the presence payload entries for the session's
// connected agents.
func (s *session) agentRoster() []map[string]any {
	roster := make([]map[string]any, 0, len(s.agents))
	for _, agent := range s.agents {
		roster = append(roster, map[string]any{
			"id":   agent.ID,
			"name": agent.DisplayName,
		})
	}
	return roster
}
