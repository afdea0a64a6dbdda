// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the routing authority between hosts and
// agents. One relay process serves many sessions; each session binds at
// most one host connection and any number of agent connections.
//
// The package is organized around the message flow:
//
//   - broker.go: join/route/disconnect semantics and the session registry
//   - session.go: per-session connection sets and the audit event index
//   - server.go: WebSocket listener feeding connections into the broker
//   - audit.go: per-session append-only audit trail sinks
//
// Routing rules are fixed: agent-originated envelopes go to the
// session's single host, host-originated envelopes broadcast to every
// connected agent. The per-direction type vocabulary is enforced by the
// closed type sets in package protocol — a type outside the sender's
// direction is rejected with INVALID_MESSAGE and never forwarded.
package relay
