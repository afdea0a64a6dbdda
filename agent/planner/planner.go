// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

// Package planner turns one perceived context into one decision. Each
// Plan call walks a fixed progression: guard checks, an optional
// reasoning attempt validated against current affordances, and
// deterministic stage-aware fallback rules. The planner always reaches
// a decision; a reasoning failure is a reason to fall back, never an
// error the caller sees.
package planner

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/marionette-sh/marionette/agent/memory"
	"github.com/marionette-sh/marionette/agent/perception"
	"github.com/marionette-sh/marionette/lib/reasoning"
	"github.com/marionette-sh/marionette/lib/workflow"
)

const (
	// failureWindow and breakerThreshold define the circuit breaker:
	// three non-infrastructural failures at the current stage among the
	// last eight records stop planning.
	failureWindow    = 8
	breakerThreshold = 3
)

// ActionKind is the closed set of things an agent can do.
type ActionKind string

const (
	ActionToolCall   ActionKind = "tool-call"
	ActionFreeText   ActionKind = "free-text-message"
	ActionSessionEnd ActionKind = "session-end"
)

// PlannedAction is one concrete thing to execute. Reason is required
// for every kind; an action without one fails the safety policy before
// any network call.
type PlannedAction struct {
	Kind   ActionKind
	Tool   string
	Params map[string]any
	Text   string
	Reason string
}

// Source says which path produced a decision.
type Source string

const (
	SourceReasoning Source = "reasoning"
	SourceRule      Source = "rule"
)

// PlanDecision is the terminal output of one Plan call. Action is nil
// when the planner decided to do nothing; Explanation then says why.
// FallbackReason records why a reasoning proposal was discarded, for
// observability only.
type PlanDecision struct {
	Action         *PlannedAction
	Explanation    string
	Source         Source
	FallbackReason string
}

// Config holds configuration for creating a Planner.
type Config struct {
	// Proposer is the reasoning subsystem. May be nil, in which case
	// every decision comes from the fallback rules.
	Proposer reasoning.Proposer

	// Workflow describes the stage progression. Required.
	Workflow *workflow.Descriptor

	// Memory feeds the failure-rate circuit breaker. Required.
	Memory *memory.Log

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Planner produces one decision per Plan call.
type Planner struct {
	proposer reasoning.Proposer
	workflow *workflow.Descriptor
	memory   *memory.Log
	logger   *slog.Logger
}

// New creates a Planner.
func New(config Config) *Planner {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		proposer: config.Proposer,
		workflow: config.Workflow,
		memory:   config.Memory,
		logger:   logger,
	}
}

// Plan produces exactly one decision for the given context.
func (p *Planner) Plan(ctx context.Context, view perception.Context) PlanDecision {
	if decision, done := p.guard(view); done {
		return decision
	}
	stage := p.workflow.Stage(view.Stage())

	fallbackReason := ""
	if p.proposer != nil {
		proposal, err := p.proposer.Propose(ctx, p.buildInput(view, stage))
		if err != nil {
			// Reasoning failures are never propagated. The planner
			// must still reach a decision.
			p.logger.Warn("reasoning attempt failed", "stage", stage.Name, "error", err)
			fallbackReason = "reasoning failed: " + err.Error()
		} else if action, reject := validateProposal(proposal, view); reject != "" {
			p.logger.Info("reasoning proposal rejected",
				"stage", stage.Name, "kind", proposal.Kind, "reject", reject)
			fallbackReason = reject
		} else {
			return PlanDecision{Action: action, Source: SourceReasoning}
		}
	}

	decision := p.fallback(view, stage)
	decision.FallbackReason = fallbackReason
	return decision
}

// guard runs the short-circuit checks. done is true when the returned
// decision is terminal.
func (p *Planner) guard(view perception.Context) (PlanDecision, bool) {
	if expressesEndIntent(view.LastUserMessage) {
		return PlanDecision{
			Action: &PlannedAction{
				Kind:   ActionSessionEnd,
				Reason: "the visitor asked to end the session",
			},
			Source: SourceRule,
		}, true
	}
	if view.SessionID == "" {
		return PlanDecision{Explanation: "no session joined yet"}, true
	}
	if view.Snapshot == nil {
		return PlanDecision{Explanation: "no host snapshot received yet"}, true
	}
	stageName := view.Stage()
	if stageName == "" || p.workflow.Stage(stageName) == nil {
		return PlanDecision{Explanation: "host reported no recognizable stage"}, true
	}
	if p.memory.RecentFailureCount(stageName, failureWindow) >= breakerThreshold {
		return PlanDecision{
			Explanation: "too many recent failures at stage " + stageName + ", pausing until the situation changes",
		}, true
	}
	return PlanDecision{}, false
}

// endIntentPhrases are the lexical markers of an explicit request to
// stop. Silence never ends a session.
var endIntentPhrases = []string{
	"goodbye", "bye", "quit", "exit", "stop the session",
	"that's all", "that is all", "we're done", "we are done", "no more",
}

func expressesEndIntent(message string) bool {
	lowered := strings.ToLower(message)
	for _, phrase := range endIntentPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

// buildInput assembles the reasoning subsystem's view of the situation.
// The free-text affordance is stripped from the tool catalog: sending a
// message is a decision kind, not a tool.
func (p *Planner) buildInput(view perception.Context, stage *workflow.Stage) reasoning.Input {
	history := make([]reasoning.Turn, 0, len(view.History))
	for _, turn := range view.History {
		history = append(history, reasoning.Turn{Role: turn.Role, Text: turn.Text})
	}

	tools := make([]reasoning.ToolDefinition, 0, len(view.Affordances))
	for _, affordance := range view.Affordances {
		if isFreeTextAffordance(affordance.Name) {
			continue
		}
		definition := reasoning.ToolDefinition{
			Name:        affordance.Name,
			Description: affordance.Description,
		}
		if affordance.Parameters != nil {
			if data, err := json.Marshal(affordance.Parameters); err == nil {
				definition.Parameters = data
			}
		}
		tools = append(tools, definition)
	}

	summary := reasoning.WorkflowSummary{
		Stages:      p.workflow.StageNames(),
		Current:     stage.Name,
		Goal:        stage.Goal,
		AdvanceWhen: stage.AdvanceWhen,
		Tools:       stage.Tools,
	}
	if position, err := p.workflow.Position(stage.Name); err == nil {
		if position.Previous != nil {
			summary.Previous = position.Previous.Name
		}
		if position.Next != nil {
			summary.Next = position.Next.Name
		}
	}

	return reasoning.Input{History: history, Tools: tools, Workflow: summary}
}

// freeTextAffordanceNames are tool names hosts use for plain messaging.
var freeTextAffordanceNames = map[string]bool{
	"sendMessage": true,
	"freeText":    true,
	"say":         true,
}

func isFreeTextAffordance(name string) bool {
	return freeTextAffordanceNames[name]
}

// validateProposal checks a reasoning decision against the current
// affordances. An empty reject string means the proposal is accepted
// and the returned action is ready to execute.
func validateProposal(proposal *reasoning.Decision, view perception.Context) (*PlannedAction, string) {
	switch proposal.Kind {
	case reasoning.DecideMessage:
		// Text is always sendable.
		return &PlannedAction{
			Kind:   ActionFreeText,
			Text:   proposal.Text,
			Reason: proposal.Reason,
		}, ""

	case reasoning.DecideEnd:
		return &PlannedAction{
			Kind:   ActionSessionEnd,
			Reason: proposal.Reason,
		}, ""

	case reasoning.DecideToolCall:
		if !view.HasAffordance(proposal.Tool) {
			return nil, "proposed tool " + proposal.Tool + " is not currently available"
		}
		if strings.HasPrefix(proposal.Tool, "select") {
			if reject := validateSelectTarget(proposal.Params, view.Snapshot); reject != "" {
				return nil, reject
			}
		}
		if strings.HasPrefix(proposal.Tool, "setQuantity") {
			if reject := validateQuantity(proposal.Params); reject != "" {
				return nil, reject
			}
		}
		return &PlannedAction{
			Kind:   ActionToolCall,
			Tool:   proposal.Tool,
			Params: proposal.Params,
			Reason: proposal.Reason,
		}, ""
	}
	return nil, "unknown decision kind " + string(proposal.Kind)
}

// validateSelectTarget requires the target to be an enabled, visible
// candidate right now.
func validateSelectTarget(params map[string]any, snapshot *perception.Snapshot) string {
	itemID, _ := params["itemId"].(string)
	if itemID == "" {
		return "select action carries no itemId"
	}
	for _, candidate := range snapshot.Candidates {
		if candidate.ID == itemID {
			if !candidate.Enabled || !candidate.Visible {
				return "select target " + itemID + " is not enabled and visible"
			}
			return ""
		}
	}
	return "select target " + itemID + " is not among current candidates"
}

// validateQuantity requires a non-negative integer quantity. JSON
// numbers arrive as float64, so integrality is checked explicitly.
func validateQuantity(params map[string]any) string {
	value, ok := params["quantity"]
	if !ok {
		return "setQuantity action carries no quantity"
	}
	switch quantity := value.(type) {
	case int:
		if quantity < 0 {
			return "quantity must be non-negative"
		}
	case float64:
		if quantity < 0 || quantity != float64(int(quantity)) {
			return "quantity must be a non-negative integer"
		}
	default:
		return "quantity is not a number"
	}
	return ""
}
