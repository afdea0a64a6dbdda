// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

// Package reasoning defines the boundary to the generative reasoning
// subsystem. The planner hands a Proposer the conversation history, the
// host's current tool catalog, and a workflow summary, and gets back
// exactly one Decision — or a typed *Error. The planner never sees a
// half-parsed object graph: a malformed model response fails here.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
)

// Proposer is the reasoning subsystem. Implementations translate the
// structured input into a vendor request and validate the response
// against the closed Decision schema at this boundary.
type Proposer interface {
	// Propose returns one decision for the given situation. A non-nil
	// error is always a *Error; the caller is expected to fall back to
	// deterministic planning on any failure.
	Propose(ctx context.Context, input Input) (*Decision, error)
}

// Turn is one entry of the conversation history shown to the model.
type Turn struct {
	// Role is "user", "agent", or "host".
	Role string `json:"role"`

	// Text is the utterance or event description.
	Text string `json:"text"`
}

// ToolDefinition describes one host affordance offered to the model.
// The free-text affordance is never included here — sending a message
// is a decision kind of its own, not a tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// WorkflowSummary is the plain-language stage context handed to the
// model alongside the tool catalog.
type WorkflowSummary struct {
	// Stages is the ordered list of stage names.
	Stages []string `json:"stages"`

	// Current, Previous, and Next name the host's position in the
	// progression. Previous and Next are empty at the ends.
	Current  string `json:"current"`
	Previous string `json:"previous,omitempty"`
	Next     string `json:"next,omitempty"`

	// Goal states what the current stage is for.
	Goal string `json:"goal"`

	// AdvanceWhen states when it is safe to move on.
	AdvanceWhen string `json:"advanceWhen"`

	// Tools lists the affordance names expected at this stage.
	Tools []string `json:"tools,omitempty"`
}

// Input is everything a Proposer sees.
type Input struct {
	History  []Turn
	Tools    []ToolDefinition
	Workflow WorkflowSummary
}

// DecisionKind is the closed set of things a Decision can be.
type DecisionKind string

const (
	// DecideToolCall invokes a host affordance.
	DecideToolCall DecisionKind = "tool-call"

	// DecideMessage sends free text to the user.
	DecideMessage DecisionKind = "send-message"

	// DecideEnd ends the session.
	DecideEnd DecisionKind = "end-session"
)

// Decision is the validated output of a Proposer.
type Decision struct {
	Kind DecisionKind `json:"action"`

	// Tool and Params are set for DecideToolCall.
	Tool   string         `json:"tool,omitempty"`
	Params map[string]any `json:"params,omitempty"`

	// Text is set for DecideMessage.
	Text string `json:"text,omitempty"`

	// Reason is the model's own justification. Required for every kind.
	Reason string `json:"reason"`
}

// Validate checks the closed schema: a known kind, a tool name for
// tool calls, text for messages, and a non-empty reason always.
func (d *Decision) Validate() error {
	switch d.Kind {
	case DecideToolCall:
		if d.Tool == "" {
			return fmt.Errorf("reasoning: tool-call decision without a tool name")
		}
	case DecideMessage:
		if d.Text == "" {
			return fmt.Errorf("reasoning: send-message decision without text")
		}
	case DecideEnd:
	default:
		return fmt.Errorf("reasoning: unknown decision kind %q", d.Kind)
	}
	if d.Reason == "" {
		return fmt.Errorf("reasoning: decision without a reason")
	}
	return nil
}

// Failure classifications for Error.
const (
	// FailureTransport covers network and API errors reaching the model.
	FailureTransport = "transport"

	// FailureMalformed covers responses that do not parse into the
	// closed Decision schema.
	FailureMalformed = "malformed"

	// FailureEmpty covers responses carrying no decision at all.
	FailureEmpty = "empty"
)

// Error is the typed failure of a Propose call.
type Error struct {
	// Failure is one of the Failure* constants.
	Failure string

	// Message is the human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reasoning: %s: %s: %v", e.Failure, e.Message, e.Err)
	}
	return fmt.Sprintf("reasoning: %s: %s", e.Failure, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
