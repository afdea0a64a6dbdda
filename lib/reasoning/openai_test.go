// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeCompletionServer serves a canned chat completion response and
// captures the request body for assertions.
func fakeCompletionServer(t *testing.T, arguments string) (*httptest.Server, *map[string]any) {
	t.Helper()
	captured := &map[string]any{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"id": "chatcmpl-test",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"tool_calls": [{
						"id": "call-1",
						"type": "function",
						"function": {"name": "submit_decision", "arguments": %q}
					}]
				}
			}]
		}`, arguments)
	}))
	t.Cleanup(server.Close)
	return server, captured
}

func testProposer(t *testing.T, baseURL string) *OpenAIProposer {
	t.Helper()
	proposer, err := NewOpenAIProposer(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: baseURL + "/v1",
		Model:   "gpt-4o",
	})
	if err != nil {
		t.Fatalf("NewOpenAIProposer: %v", err)
	}
	return proposer
}

func testInput() Input {
	return Input{
		History: []Turn{
			{Role: "user", Text: "two seats for saturday please"},
			{Role: "agent", Text: "Looking at the available dates."},
		},
		Tools: []ToolDefinition{
			{Name: "selectDate", Description: "Select a date", Parameters: json.RawMessage(`{"type":"object"}`)},
			{Name: "next", Description: "Advance to the next stage"},
		},
		Workflow: WorkflowSummary{
			Stages:      []string{"date", "seats", "confirmation"},
			Current:     "date",
			Next:        "seats",
			Goal:        "Pick the date.",
			AdvanceWhen: "One date selected.",
		},
	}
}

func TestProposeParsesDecision(t *testing.T) {
	server, captured := fakeCompletionServer(t,
		`{"action":"tool-call","tool":"selectDate","params":{"itemId":"d2"},"reason":"saturday matches the request"}`)
	proposer := testProposer(t, server.URL)

	decision, err := proposer.Propose(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if decision.Kind != DecideToolCall || decision.Tool != "selectDate" {
		t.Fatalf("decision = %+v", decision)
	}
	if decision.Params["itemId"] != "d2" {
		t.Fatalf("params = %v", decision.Params)
	}
	if decision.Reason == "" {
		t.Fatal("decision has no reason")
	}

	// The request must force the submit_decision function and carry
	// the conversation history.
	toolChoice, ok := (*captured)["tool_choice"].(map[string]any)
	if !ok {
		t.Fatalf("request has no tool_choice: %v", *captured)
	}
	function, _ := toolChoice["function"].(map[string]any)
	if function["name"] != "submit_decision" {
		t.Fatalf("tool_choice = %v", toolChoice)
	}
	messages, _ := (*captured)["messages"].([]any)
	if len(messages) != 4 { // system + situation + 2 history turns
		t.Fatalf("request has %d messages, want 4", len(messages))
	}
}

func TestProposeRejectsMalformedArguments(t *testing.T) {
	cases := map[string]string{
		"invalid JSON":      `{"action":`,
		"unknown kind":      `{"action":"shrug","reason":"r"}`,
		"tool without name": `{"action":"tool-call","reason":"r"}`,
		"missing reason":    `{"action":"end-session"}`,
		"message no text":   `{"action":"send-message","reason":"r"}`,
	}
	for name, arguments := range cases {
		t.Run(name, func(t *testing.T) {
			server, _ := fakeCompletionServer(t, arguments)
			proposer := testProposer(t, server.URL)

			_, err := proposer.Propose(context.Background(), testInput())
			var typed *Error
			if !errors.As(err, &typed) {
				t.Fatalf("error %v is not *reasoning.Error", err)
			}
			if typed.Failure != FailureMalformed {
				t.Fatalf("failure = %q, want %q", typed.Failure, FailureMalformed)
			}
		})
	}
}

func TestProposeTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)
	proposer := testProposer(t, server.URL)

	_, err := proposer.Propose(context.Background(), testInput())
	var typed *Error
	if !errors.As(err, &typed) {
		t.Fatalf("error %v is not *reasoning.Error", err)
	}
	if typed.Failure != FailureTransport {
		t.Fatalf("failure = %q, want %q", typed.Failure, FailureTransport)
	}
}

func TestDecisionValidate(t *testing.T) {
	valid := []Decision{
		{Kind: DecideToolCall, Tool: "next", Reason: "advance"},
		{Kind: DecideMessage, Text: "hello", Reason: "greet"},
		{Kind: DecideEnd, Reason: "done"},
	}
	for _, decision := range valid {
		if err := decision.Validate(); err != nil {
			t.Errorf("Validate(%+v) failed: %v", decision, err)
		}
	}
}
