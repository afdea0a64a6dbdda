// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marionette-sh/marionette/lib/clock"
	"github.com/marionette-sh/marionette/protocol"
)

// testClient builds a connected Client backed by a memory pipe and
// returns the relay-side end. The fake relay answers the join
// handshake before testClient returns.
func testClient(t *testing.T, fake *clock.FakeClock) (*Client, *MemoryConn) {
	t.Helper()

	clientEnd, relayEnd := MemoryPipe()
	dialer := &MemoryDialer{}
	dialer.Queue(clientEnd)

	client, err := NewClient(ClientConfig{
		URL:        "mem://relay",
		Role:       protocol.RoleAgent,
		SessionID:  "s1",
		ClientName: "tester",
		Dialer:     dialer,
		Clock:      fake,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// Fake relay: answer the join request.
	go func() {
		join, err := relayEnd.ReadEnvelope()
		if err != nil {
			return
		}
		relayEnd.WriteEnvelope(protocol.NewReply(join, protocol.TypeJoined, map[string]any{
			"role":      join.PayloadString("role"),
			"sessionId": "s1",
		}))
	}()

	info, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info.SessionID != "s1" || info.Role != protocol.RoleAgent {
		t.Fatalf("join info = %+v", info)
	}
	return client, relayEnd
}

func TestRequestResolvesWithMatchingReply(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	client, relayEnd := testClient(t, fake)

	go func() {
		request, err := relayEnd.ReadEnvelope()
		if err != nil {
			return
		}
		relayEnd.WriteEnvelope(protocol.NewReply(request, string(protocol.HostSnapshotState), map[string]any{
			"state": map[string]any{"stage": "date"},
		}))
	}()

	reply, err := client.Request(context.Background(), string(protocol.AgentSnapshotPull), nil, time.Minute)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply.Type != string(protocol.HostSnapshotState) {
		t.Fatalf("reply type = %q", reply.Type)
	}
}

func TestRequestSurfacesRemoteError(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	client, relayEnd := testClient(t, fake)

	go func() {
		request, err := relayEnd.ReadEnvelope()
		if err != nil {
			return
		}
		relayEnd.WriteEnvelope(protocol.NewError(request.ID, protocol.CodeSessionNotActive, "no host connected"))
	}()

	_, err := client.Request(context.Background(), string(protocol.AgentSnapshotPull), nil, time.Minute)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error %v is not *RemoteError", err)
	}
	if remote.Code != protocol.CodeSessionNotActive || remote.Message != "no host connected" {
		t.Fatalf("remote = %+v", remote)
	}
	if !IsSessionNotActive(err) {
		t.Fatal("IsSessionNotActive should recognize this error")
	}
}

func TestRequestTimesOut(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	client, relayEnd := testClient(t, fake)

	// The relay swallows the request without answering.
	go func() { relayEnd.ReadEnvelope() }()

	done := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), string(protocol.AgentSnapshotPull), nil, 5*time.Second)
		done <- err
	}()

	fake.WaitForTimers(1)
	fake.Advance(5 * time.Second)

	select {
	case err := <-done:
		var timeout *TimeoutError
		if !errors.As(err, &timeout) {
			t.Fatalf("error %v is not *TimeoutError", err)
		}
		if timeout.MessageType != string(protocol.AgentSnapshotPull) {
			t.Fatalf("timeout = %+v", timeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not settle after the deadline fired")
	}
}

func TestCloseFailsAllPendingRequests(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	client, relayEnd := testClient(t, fake)

	// Two requests outstanding, the relay answers neither.
	go func() {
		relayEnd.ReadEnvelope()
		relayEnd.ReadEnvelope()
	}()

	errorsCh := make(chan error, 2)
	for n := 0; n < 2; n++ {
		go func() {
			_, err := client.Request(context.Background(), string(protocol.AgentSnapshotPull), nil, time.Hour)
			errorsCh <- err
		}()
	}
	fake.WaitForTimers(2)

	client.Close()

	for n := 0; n < 2; n++ {
		select {
		case err := <-errorsCh:
			var transportErr *TransportError
			if !errors.As(err, &transportErr) {
				t.Fatalf("error %v is not *TransportError", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending request hung after Close")
		}
	}
}

func TestUnsolicitedEnvelopesFlowToMessages(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	client, relayEnd := testClient(t, fake)

	pushed := protocol.NewMessage(string(protocol.HostStateChanged), map[string]any{
		"state": map[string]any{"stage": "seats"},
	})
	if err := relayEnd.WriteEnvelope(pushed); err != nil {
		t.Fatalf("push: %v", err)
	}

	select {
	case envelope := <-client.Messages():
		if envelope.Type != string(protocol.HostStateChanged) {
			t.Fatalf("received %q", envelope.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pushed envelope never reached Messages")
	}
}

func TestMessagesChannelClosesWhenConnectionDrops(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	client, relayEnd := testClient(t, fake)

	relayEnd.Close()

	select {
	case _, open := <-client.Messages():
		if open {
			t.Fatal("expected closed channel, got an envelope")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Messages channel did not close after the connection dropped")
	}
}

func TestSendCarriesNoRequestID(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	client, relayEnd := testClient(t, fake)

	if err := client.Send(string(protocol.AgentFreeText), map[string]any{"text": "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	envelope, err := relayEnd.ReadEnvelope()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if envelope.ID != "" {
		t.Fatalf("fire-and-forget envelope carries ID %q", envelope.ID)
	}
	if envelope.Type != string(protocol.AgentFreeText) {
		t.Fatalf("type = %q", envelope.Type)
	}
}

func TestLateReplyIsDropped(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	client, relayEnd := testClient(t, fake)

	requests := make(chan protocol.Envelope, 1)
	go func() {
		request, err := relayEnd.ReadEnvelope()
		if err != nil {
			return
		}
		requests <- request
	}()

	done := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), string(protocol.AgentSnapshotPull), nil, time.Second)
		done <- err
	}()
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	if err := <-done; err == nil {
		t.Fatal("request should have timed out")
	}

	// The reply arrives after the timeout. It must be dropped, not
	// surfaced as an unsolicited message.
	request := <-requests
	relayEnd.WriteEnvelope(protocol.NewReply(request, string(protocol.HostSnapshotState), nil))

	select {
	case envelope := <-client.Messages():
		t.Fatalf("late reply surfaced as unsolicited message: %+v", envelope)
	case <-time.After(200 * time.Millisecond):
	}
}
