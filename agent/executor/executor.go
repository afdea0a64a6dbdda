// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor carries a planned action to the host: a safety
// policy gates it, the executor translates it into exactly one
// transport call, and the verifier decides whether the resulting state
// is trustworthy or a resynchronization is warranted.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marionette-sh/marionette/agent/perception"
	"github.com/marionette-sh/marionette/agent/planner"
	"github.com/marionette-sh/marionette/protocol"
	"github.com/marionette-sh/marionette/transport"
)

// Transport is the slice of the correlated client the executor needs.
type Transport interface {
	Request(ctx context.Context, messageType string, payload map[string]any, timeout time.Duration) (protocol.Envelope, error)
	Send(messageType string, payload map[string]any) error
}

var _ Transport = (*transport.Client)(nil)

// Outcome is the normalized result of executing one action.
type Outcome struct {
	OK        bool
	ErrorCode string
	Message   string

	// UpdatedSnapshot carries host state piggybacked on the reply, if
	// any. May be nil even on success.
	UpdatedSnapshot map[string]any

	// ShouldReplan is set when the reply asks for another planning
	// cycle regardless of perception updates.
	ShouldReplan bool
}

// PolicyError reports an action blocked by the safety policy. No
// network call was made.
type PolicyError struct {
	Action planner.ActionKind
	Detail string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("executor: policy blocked %s: %s", e.Action, e.Detail)
}

// IsPolicyBlocked reports whether err is a safety-policy rejection.
func IsPolicyBlocked(err error) bool {
	var policyErr *PolicyError
	return errors.As(err, &policyErr)
}

// CheckPolicy gates an action against the current context. A tool call
// must name a real, currently-available affordance and carry a
// non-empty reason; the other action kinds are inherently safe.
func CheckPolicy(action *planner.PlannedAction, view perception.Context) error {
	if action.Kind != planner.ActionToolCall {
		return nil
	}
	if strings.TrimSpace(action.Reason) == "" {
		return &PolicyError{Action: action.Kind, Detail: "tool call carries no reason"}
	}
	if !view.HasAffordance(action.Tool) {
		return &PolicyError{
			Action: action.Kind,
			Detail: "tool " + action.Tool + " is not currently available",
		}
	}
	return nil
}

// Executor sends actions through the transport.
type Executor struct {
	transport Transport
	timeout   time.Duration
}

// New creates an Executor. timeout bounds each request; zero means the
// transport default.
func New(t Transport, timeout time.Duration) *Executor {
	return &Executor{transport: t, timeout: timeout}
}

// Execute performs exactly one transport call for the action and
// normalizes the result. Free text is fire-and-forget; everything else
// awaits a reply.
func (e *Executor) Execute(ctx context.Context, action *planner.PlannedAction) Outcome {
	switch action.Kind {
	case planner.ActionFreeText:
		if err := e.transport.Send(string(protocol.AgentFreeText), map[string]any{
			"text": action.Text,
		}); err != nil {
			return transportOutcome(err)
		}
		return Outcome{OK: true}

	case planner.ActionSessionEnd:
		reply, err := e.transport.Request(ctx, string(protocol.AgentSessionEnd), map[string]any{
			"reason": action.Reason,
		}, e.timeout)
		if err != nil {
			return transportOutcome(err)
		}
		return replyOutcome(reply)

	case planner.ActionToolCall:
		reply, err := e.transport.Request(ctx, string(protocol.AgentToolCall), map[string]any{
			"tool":   action.Tool,
			"params": action.Params,
			"reason": action.Reason,
		}, e.timeout)
		if err != nil {
			return transportOutcome(err)
		}
		return replyOutcome(reply)
	}
	return Outcome{ErrorCode: "UNKNOWN_ACTION", Message: "unknown action kind " + string(action.Kind)}
}

// transportOutcome maps a transport failure to an Outcome. Remote
// errors keep their code so memory can classify them.
func transportOutcome(err error) Outcome {
	var remote *transport.RemoteError
	if errors.As(err, &remote) {
		return Outcome{ErrorCode: remote.Code, Message: remote.Message}
	}
	return Outcome{ErrorCode: "TRANSPORT", Message: err.Error()}
}

// replyOutcome normalizes a host reply. A tool call can be delivered
// and still rejected: the reply payload's own ok flag is authoritative,
// not transport success.
func replyOutcome(reply protocol.Envelope) Outcome {
	outcome := Outcome{OK: true}
	if ok, present := reply.Payload["ok"].(bool); present {
		outcome.OK = ok
	}
	if !outcome.OK {
		outcome.ErrorCode = reply.PayloadString("errorCode")
		if outcome.ErrorCode == "" {
			outcome.ErrorCode = "TOOL_REJECTED"
		}
		outcome.Message = reply.PayloadString("message")
	}
	if snapshot, ok := reply.Payload["snapshot"].(map[string]any); ok {
		outcome.UpdatedSnapshot = snapshot
	}
	if replan, ok := reply.Payload["shouldReplan"].(bool); ok {
		outcome.ShouldReplan = replan
	}
	return outcome
}

// stageMoveTools are the affordances whose effect is asynchronous on
// the host side and may race with the next perception push.
var stageMoveTools = map[string]bool{
	"next":    true,
	"prev":    true,
	"confirm": true,
}

// ShouldResync reports whether the agent must pull a fresh snapshot
// after an action: always after a failure, and always after a
// successful stage move.
func ShouldResync(action *planner.PlannedAction, outcome Outcome) bool {
	if !outcome.OK {
		return true
	}
	return action.Kind == planner.ActionToolCall && stageMoveTools[action.Tool]
}
