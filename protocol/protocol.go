// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the wire contract between agents, hosts, and
// the relay: the envelope shape, the join handshake, and the closed
// per-direction message type sets.
//
// The type vocabulary is intentionally disjoint per direction. Agents
// send request-shaped types (session-start, snapshot-pull, tool-call,
// free-text-message, session-end); hosts send response- and push-shaped
// types (session-started, snapshot-state, tool-result, state-changed,
// error, session-ended, user-message). A message whose type is outside
// the sender's set fails to parse — the relay never consults a runtime
// membership table.
package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Version is the protocol version carried in every envelope's "v" field.
// The relay accepts any version for now; the field exists so a future
// incompatible change can be detected at the boundary instead of
// surfacing as mysterious payload mismatches.
const Version = "1"

// Envelope is the only unit of communication between peers and the
// relay. Envelopes are immutable once sent. ID marks a request that
// expects a reply; ReplyTo echoes the originating request's ID.
type Envelope struct {
	V       string         `json:"v"`
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	ReplyTo string         `json:"replyTo,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Role identifies which side of a session a connection speaks for.
// Fixed per connection after join, except across an explicit re-join.
type Role string

const (
	// RoleHost is the graphical application being driven. At most one
	// host connection exists per session.
	RoleHost Role = "host"

	// RoleAgent is an autonomous decision-making client. A session may
	// have any number of agents.
	RoleAgent Role = "agent"
)

// ParseRole validates a role string from a join payload. Anything other
// than the two known roles is rejected.
func ParseRole(value string) (Role, error) {
	switch Role(value) {
	case RoleHost:
		return RoleHost, nil
	case RoleAgent:
		return RoleAgent, nil
	}
	return "", fmt.Errorf("protocol: unknown role %q", value)
}

// Control message types handled by the relay itself rather than routed
// to a session peer.
const (
	// TypeJoin binds a connection to a session and role. It must be the
	// first message on every connection.
	TypeJoin = "relay.join"

	// TypeJoined confirms a join, echoing the join request's ID in
	// ReplyTo. Payload: {role, sessionId, clientName?}.
	TypeJoined = "relay.joined"

	// TypePresence is pushed to the session's host (only) after any
	// agent join or leave. Payload: {sessionId, agentCount, agents}.
	TypePresence = "relay.presence"

	// TypeError carries a failure back to a sender. Payload:
	// {code, message}. ReplyTo is set when the failure answers a
	// specific request.
	TypeError = "error"
)

// Error codes carried in error envelope payloads.
const (
	// CodeInvalidMessage marks protocol violations: malformed envelopes,
	// types outside the sender's direction set, traffic before join.
	CodeInvalidMessage = "INVALID_MESSAGE"

	// CodeSessionNotActive means the session has no host connected, so
	// agent-originated traffic has nowhere to go.
	CodeSessionNotActive = "SESSION_NOT_ACTIVE"
)

// AgentMessageType is the closed set of session message types an agent
// may originate. All of them route to the session's single host.
type AgentMessageType string

const (
	AgentSessionStart AgentMessageType = "session-start"
	AgentSnapshotPull AgentMessageType = "snapshot-pull"
	AgentToolCall     AgentMessageType = "tool-call"
	AgentFreeText     AgentMessageType = "free-text-message"
	AgentSessionEnd   AgentMessageType = "session-end"
)

// ParseAgentType checks a wire type string against the agent-originated
// set. The constructor set is the allow-list: an unknown type is a
// parse failure, not a routing decision.
func ParseAgentType(value string) (AgentMessageType, error) {
	switch AgentMessageType(value) {
	case AgentSessionStart, AgentSnapshotPull, AgentToolCall, AgentFreeText, AgentSessionEnd:
		return AgentMessageType(value), nil
	}
	return "", fmt.Errorf("protocol: %q is not an agent-originated type", value)
}

// HostMessageType is the closed set of session message types a host may
// originate. All of them broadcast to the session's connected agents.
type HostMessageType string

const (
	HostSessionStarted HostMessageType = "session-started"
	HostSnapshotState  HostMessageType = "snapshot-state"
	HostToolResult     HostMessageType = "tool-result"
	HostStateChanged   HostMessageType = "state-changed"
	HostError          HostMessageType = "error"
	HostSessionEnded   HostMessageType = "session-ended"
	HostUserMessage    HostMessageType = "user-message"
)

// ParseHostType checks a wire type string against the host-originated set.
func ParseHostType(value string) (HostMessageType, error) {
	switch HostMessageType(value) {
	case HostSessionStarted, HostSnapshotState, HostToolResult, HostStateChanged,
		HostError, HostSessionEnded, HostUserMessage:
		return HostMessageType(value), nil
	}
	return "", fmt.Errorf("protocol: %q is not a host-originated type", value)
}

// NewRequest builds an envelope carrying a freshly allocated request ID.
// The caller should register the ID before sending so a racing reply
// always finds a pending entry.
func NewRequest(messageType string, payload map[string]any) Envelope {
	return Envelope{
		V:       Version,
		Type:    messageType,
		ID:      uuid.NewString(),
		Payload: payload,
	}
}

// NewMessage builds a fire-and-forget envelope with no request ID.
func NewMessage(messageType string, payload map[string]any) Envelope {
	return Envelope{
		V:       Version,
		Type:    messageType,
		Payload: payload,
	}
}

// NewReply builds a reply to the given request, echoing its ID in ReplyTo.
func NewReply(request Envelope, messageType string, payload map[string]any) Envelope {
	return Envelope{
		V:       Version,
		Type:    messageType,
		ReplyTo: request.ID,
		Payload: payload,
	}
}

// NewError builds an error envelope. replyTo may be empty when the
// failure does not answer a specific request.
func NewError(replyTo, code, message string) Envelope {
	return Envelope{
		V:       Version,
		Type:    TypeError,
		ReplyTo: replyTo,
		Payload: map[string]any{
			"code":    code,
			"message": message,
		},
	}
}

// ErrorInfo extracts the code and message from an error envelope's
// payload. Missing fields come back empty rather than failing — a
// malformed error envelope is still an error.
func (e Envelope) ErrorInfo() (code, message string) {
	code, _ = e.Payload["code"].(string)
	message, _ = e.Payload["message"].(string)
	return code, message
}

// IsError reports whether the envelope carries the error sentinel type.
func (e Envelope) IsError() bool { return e.Type == TypeError }

// PayloadString returns a string payload field, or "" when absent or of
// the wrong type.
func (e Envelope) PayloadString(key string) string {
	value, _ := e.Payload[key].(string)
	return value
}
