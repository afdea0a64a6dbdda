// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package relay_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/marionette-sh/marionette/protocol"
	"github.com/marionette-sh/marionette/relay"
	"github.com/marionette-sh/marionette/transport"
)

// startRelay runs a relay server on an ephemeral port and returns its
// WebSocket URL.
func startRelay(t *testing.T) string {
	t.Helper()
	broker := relay.NewBroker(relay.BrokerConfig{})
	server := httptest.NewServer(relay.NewServer(relay.ServerConfig{Broker: broker}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// connect joins the relay with a real WebSocket client.
func connect(t *testing.T, url string, role protocol.Role, sessionID, name string) *transport.Client {
	t.Helper()
	client, err := transport.NewClient(transport.ClientConfig{
		URL:        url,
		Role:       role,
		SessionID:  sessionID,
		ClientName: name,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect(%s): %v", role, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// awaitType reads from a client's Messages channel until an envelope of
// the wanted type arrives.
func awaitType(t *testing.T, client *transport.Client, wantType string) protocol.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case envelope, ok := <-client.Messages():
			if !ok {
				t.Fatalf("connection closed while waiting for %q", wantType)
			}
			if envelope.Type == wantType {
				return envelope
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", wantType)
		}
	}
}

func TestAgentRequestBeforeHostThenRecovery(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	agent := connect(t, url, protocol.RoleAgent, "s1", "booker")

	// No host yet: the relay answers for it.
	_, err := agent.Request(ctx, string(protocol.AgentSnapshotPull), nil, 5*time.Second)
	if !transport.IsSessionNotActive(err) {
		t.Fatalf("snapshot-pull without host: err = %v, want SESSION_NOT_ACTIVE", err)
	}

	host := connect(t, url, protocol.RoleHost, "s1", "")

	// The host learns about the already-connected agent immediately.
	presence := awaitType(t, host, protocol.TypePresence)
	if count, _ := presence.Payload["agentCount"].(float64); count != 1 {
		t.Fatalf("agentCount = %v, want 1", presence.Payload["agentCount"])
	}

	// Host answers the retried request.
	go func() {
		for envelope := range host.Messages() {
			if envelope.Type == string(protocol.AgentSnapshotPull) {
				host.Reply(envelope, string(protocol.HostSnapshotState), map[string]any{
					"stage": "date",
				})
				return
			}
		}
	}()

	reply, err := agent.Request(ctx, string(protocol.AgentSnapshotPull), nil, 5*time.Second)
	if err != nil {
		t.Fatalf("snapshot-pull with host: %v", err)
	}
	if reply.Type != string(protocol.HostSnapshotState) {
		t.Fatalf("reply type = %q, want %q", reply.Type, protocol.HostSnapshotState)
	}
	if reply.PayloadString("stage") != "date" {
		t.Fatalf("reply stage = %q, want date", reply.PayloadString("stage"))
	}
}

func TestHostBroadcastReachesAgent(t *testing.T) {
	url := startRelay(t)

	host := connect(t, url, protocol.RoleHost, "s1", "")
	agent := connect(t, url, protocol.RoleAgent, "s1", "booker")
	awaitType(t, host, protocol.TypePresence)

	if err := host.Send(string(protocol.HostUserMessage), map[string]any{
		"text": "two tickets please",
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := awaitType(t, agent, string(protocol.HostUserMessage))
	if got.PayloadString("text") != "two tickets please" {
		t.Fatalf("text = %q", got.PayloadString("text"))
	}
}

func TestRelayAssignsSessionOverWire(t *testing.T) {
	url := startRelay(t)
	client, err := transport.NewClient(transport.ClientConfig{
		URL:  url,
		Role: protocol.RoleHost,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	info, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info.SessionID == "" {
		t.Fatal("relay assigned no session ID")
	}
	if info.Role != protocol.RoleHost {
		t.Fatalf("joined role = %q, want host", info.Role)
	}
}
