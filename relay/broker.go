// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marionette-sh/marionette/protocol"
)

// BrokerConfig holds configuration for creating a Broker.
type BrokerConfig struct {
	// Audit receives every routed envelope plus join/leave events.
	// If nil, auditing is disabled.
	Audit AuditSink

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Broker is the routing authority. All state mutation happens under one
// mutex, giving the registry a single event-processing path: join,
// route, and disconnect for any connection are totally ordered. No
// cross-session locking exists because each session's connection set is
// disjoint state under the same lock.
type Broker struct {
	audit  AuditSink
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewBroker creates an empty broker.
func NewBroker(config BrokerConfig) *Broker {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	audit := config.Audit
	if audit == nil {
		audit = NopAuditSink{}
	}
	return &Broker{
		audit:    audit,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// NewConnection registers a socket as an unjoined connection. The
// caller owns the read pump and must call Dispatch for every inbound
// envelope and Disconnect exactly once when the pump ends.
func (b *Broker) NewConnection(socket Socket) *Connection {
	return newConnection(socket)
}

// Dispatch processes one inbound envelope from a connection. It never
// returns an error: every failure is answered on the wire and swallowed
// here, because a single bad message must not take down the pump.
func (b *Broker) Dispatch(connection *Connection, envelope protocol.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if envelope.Type == protocol.TypeJoin {
		b.join(connection, envelope)
		return
	}
	if !connection.joined() {
		// Traffic before join has no session to route within.
		b.sendError(connection, envelope.ID, protocol.CodeSessionNotActive,
			"connection has not joined a session")
		return
	}
	b.route(connection, envelope)
}

// join binds a connection to a session and role. A re-join first evicts
// the connection from its previous session; a host join evicts any
// pre-existing host for the target session.
func (b *Broker) join(connection *Connection, envelope protocol.Envelope) {
	role, err := protocol.ParseRole(envelope.PayloadString("role"))
	if err != nil {
		b.sendError(connection, envelope.ID, protocol.CodeInvalidMessage,
			"join role must be \"host\" or \"agent\"")
		return
	}

	sessionID := envelope.PayloadString("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Re-join: leave the previous session first, with the usual
	// presence side effects.
	if connection.joined() {
		b.leave(connection)
	}

	current := b.sessions[sessionID]
	if current == nil {
		current = newSession(sessionID)
		b.sessions[sessionID] = current
	}

	connection.Role = role
	connection.SessionID = sessionID
	connection.DisplayName = envelope.PayloadString("agentName")

	switch role {
	case protocol.RoleHost:
		// Single writer per role: a new host displaces the old one.
		if previous := current.host; previous != nil {
			b.logger.Info("evicting previous host",
				"session", sessionID, "connection", previous.ID)
			previous.Role = ""
			previous.SessionID = ""
			_ = previous.socket.Close()
		}
		current.host = connection
	case protocol.RoleAgent:
		current.agents[connection.ID] = connection
	}

	b.appendAudit(current, auditEventJoin, connection, nil)

	b.send(connection, protocol.NewReply(envelope, protocol.TypeJoined, map[string]any{
		"role":       string(role),
		"sessionId":  sessionID,
		"clientName": connection.DisplayName,
	}))

	if role == protocol.RoleAgent {
		b.pushPresence(current)
	}

	b.logger.Info("connection joined",
		"session", sessionID, "role", role, "connection", connection.ID)
}

// route forwards a session envelope according to the sender's role.
func (b *Broker) route(connection *Connection, envelope protocol.Envelope) {
	current := b.sessions[connection.SessionID]
	if current == nil {
		// The connection's session was discarded out from under it,
		// which only happens across an eviction race. Treat as not
		// joined.
		b.sendError(connection, envelope.ID, protocol.CodeSessionNotActive,
			"connection is not part of an active session")
		return
	}

	switch connection.Role {
	case protocol.RoleAgent:
		if _, err := protocol.ParseAgentType(envelope.Type); err != nil {
			b.sendError(connection, envelope.ID, protocol.CodeInvalidMessage,
				"type "+envelope.Type+" is not agent-originated")
			return
		}
		if current.host == nil {
			b.sendError(connection, envelope.ID, protocol.CodeSessionNotActive,
				"no host connected to session "+current.id)
			return
		}
		b.appendAudit(current, auditEventRoute, connection, &envelope)
		b.send(current.host, envelope)

	case protocol.RoleHost:
		if _, err := protocol.ParseHostType(envelope.Type); err != nil {
			b.sendError(connection, envelope.ID, protocol.CodeInvalidMessage,
				"type "+envelope.Type+" is not host-originated")
			return
		}
		b.appendAudit(current, auditEventRoute, connection, &envelope)
		// Best-effort broadcast: a dead agent socket must not block
		// delivery to the others.
		for _, agent := range current.agents {
			b.send(agent, envelope)
		}
	}
}

// Disconnect removes a connection from its session. Safe to call for
// connections that never joined.
func (b *Broker) Disconnect(connection *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leave(connection)
	_ = connection.socket.Close()
}

// leave removes the connection from its session and pushes presence if
// an agent left. Must be called with b.mu held.
func (b *Broker) leave(connection *Connection) {
	if !connection.joined() {
		return
	}
	current := b.sessions[connection.SessionID]
	role := connection.Role
	connection.Role = ""
	connection.SessionID = ""

	if current == nil {
		return
	}

	switch role {
	case protocol.RoleHost:
		if current.host == connection {
			current.host = nil
		}
	case protocol.RoleAgent:
		delete(current.agents, connection.ID)
	}

	b.appendAudit(current, auditEventLeave, connection, nil)

	if role == protocol.RoleAgent {
		b.pushPresence(current)
	}

	if current.empty() {
		delete(b.sessions, current.id)
		b.logger.Info("session discarded", "session", current.id)
	}
}

// pushPresence sends the current agent roster to the session's host.
// Hosts that are absent simply miss the update; the next join/leave
// sends a fresh one.
func (b *Broker) pushPresence(current *session) {
	if current.host == nil {
		return
	}
	b.send(current.host, protocol.NewMessage(protocol.TypePresence, map[string]any{
		"sessionId":  current.id,
		"agentCount": len(current.agents),
		"agents":     current.agentRoster(),
	}))
}

// send writes an envelope to a connection. Write failures are logged
// and swallowed: delivery is best-effort and the read pump will notice
// a dead socket on its own.
func (b *Broker) send(connection *Connection, envelope protocol.Envelope) {
	if err := connection.socket.WriteEnvelope(envelope); err != nil {
		b.logger.Warn("envelope delivery failed",
			"connection", connection.ID, "type", envelope.Type, "error", err)
	}
}

// sendError answers a connection with an error envelope.
func (b *Broker) sendError(connection *Connection, replyTo, code, message string) {
	b.send(connection, protocol.NewError(replyTo, code, message))
}

// appendAudit writes one audit record. Audit failures must never throw
// back into the routing path — they are logged and swallowed.
func (b *Broker) appendAudit(current *session, event string, connection *Connection, envelope *protocol.Envelope) {
	record := AuditRecord{
		SessionID:    current.id,
		Index:        current.nextIndex(),
		Timestamp:    time.Now().UTC(),
		Event:        event,
		ConnectionID: connection.ID,
		Role:         string(connection.Role),
	}
	if envelope != nil {
		record.MessageType = envelope.Type
		record.Envelope = envelope.Payload
	}
	if err := b.audit.Append(record); err != nil {
		b.logger.Error("audit append failed",
			"session", current.id, "event", event, "error", err)
	}
}
