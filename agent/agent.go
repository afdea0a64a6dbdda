// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent runs the control loop: one logical actor per process
// that folds asynchronous host events into a perceived context and
// turns that context into exactly one decision at a time.
//
// The concurrency discipline is two flags, planningInFlight and
// actionInFlight. A trigger arriving while either is set collapses
// into a single deferred replan latch that is drained once the current
// cycle fully completes. Receipt of a user message never plans
// directly: it arms a refresh flag so the next host update is planned
// against a history that already contains that message.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marionette-sh/marionette/agent/executor"
	"github.com/marionette-sh/marionette/agent/memory"
	"github.com/marionette-sh/marionette/agent/perception"
	"github.com/marionette-sh/marionette/agent/planner"
	"github.com/marionette-sh/marionette/lib/clock"
	"github.com/marionette-sh/marionette/lib/reasoning"
	"github.com/marionette-sh/marionette/lib/workflow"
	"github.com/marionette-sh/marionette/protocol"
	"github.com/marionette-sh/marionette/transport"
)

const (
	// DefaultRetryDelay is the fixed delay between reconnect and
	// bootstrap attempts.
	DefaultRetryDelay = 2 * time.Second

	// dedupWindow suppresses an action whose fingerprint matches the
	// immediately preceding one within this interval.
	dedupWindow = 700 * time.Millisecond
)

// Config holds configuration for creating an Agent.
type Config struct {
	// RelayURL is the relay's WebSocket endpoint.
	RelayURL string

	// SessionID is the session to join. May be empty; the relay then
	// assigns one.
	SessionID string

	// AgentName is the display name sent in the join handshake.
	AgentName string

	// Workflow describes the stage progression. Required.
	Workflow *workflow.Descriptor

	// Proposer is the optional reasoning subsystem.
	Proposer reasoning.Proposer

	// Dialer opens relay connections. If nil, WebSocket dialing over
	// RelayURL.
	Dialer transport.Dialer

	// Clock drives retries, timeouts, and the dedup window. If nil,
	// clock.Real().
	Clock clock.Clock

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger

	// RetryDelay overrides DefaultRetryDelay when positive.
	RetryDelay time.Duration

	// RequestTimeout bounds each transport request; zero means the
	// transport default.
	RequestTimeout time.Duration
}

// replanLatch is the two-state deferred-replan record: Idle, or
// pending with the cause of the most recent collapsed trigger.
type replanLatch struct {
	pending bool
	cause   string
}

// arm records a deferred replan. Multiple triggers collapse into one
// pending run; only the last cause is kept, for diagnostics.
func (l *replanLatch) arm(cause string) {
	l.pending = true
	l.cause = cause
}

// consume clears the latch and returns whether a run was pending.
func (l *replanLatch) consume() (string, bool) {
	if !l.pending {
		return "", false
	}
	cause := l.cause
	l.pending = false
	l.cause = ""
	return cause, true
}

// Agent is the control loop orchestrator.
type Agent struct {
	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	memory  *memory.Log
	planner *planner.Planner

	// Loop state. mu guards the in-flight flags; the event loop sets
	// planningInFlight when starting a cycle and clears both when
	// folding its result, the cycle goroutine only raises
	// actionInFlight. Everything else is touched only by the event
	// loop.
	mu               sync.Mutex
	planningInFlight bool
	actionInFlight   bool

	view            perception.Context
	latch           replanLatch
	awaitingRefresh bool
	generation      uint64

	lastFingerprint []byte
	lastExecutedAt  time.Time
}

// New creates an Agent.
func New(config Config) (*Agent, error) {
	if config.RelayURL == "" && config.Dialer == nil {
		return nil, fmt.Errorf("agent: RelayURL is required")
	}
	if config.Workflow == nil {
		return nil, fmt.Errorf("agent: Workflow is required")
	}
	if err := config.Workflow.Validate(); err != nil {
		return nil, fmt.Errorf("agent: invalid workflow: %w", err)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}

	log := memory.NewLog()
	return &Agent{
		config: config,
		clock:  config.Clock,
		logger: config.Logger,
		memory: log,
		planner: planner.New(planner.Config{
			Proposer: config.Proposer,
			Workflow: config.Workflow,
			Memory:   log,
			Logger:   config.Logger,
		}),
	}, nil
}

// Run connects to the relay and drives the session until it ends or
// ctx is cancelled. Connection loss and bootstrap failures retry
// indefinitely with a fixed delay.
func (a *Agent) Run(ctx context.Context) error {
	for {
		ended, err := a.runSession(ctx)
		if ended {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			a.logger.Warn("session attempt failed, retrying", "error", err)
		}
		a.clock.Sleep(a.config.RetryDelay)
	}
}

// runSession performs one connect/bootstrap/loop pass. ended is true
// when the session finished for good and Run should return.
func (a *Agent) runSession(ctx context.Context) (ended bool, err error) {
	client, err := transport.NewClient(transport.ClientConfig{
		URL:        a.config.RelayURL,
		Role:       protocol.RoleAgent,
		SessionID:  a.config.SessionID,
		ClientName: a.config.AgentName,
		Dialer:     a.config.Dialer,
		Clock:      a.clock,
		Logger:     a.logger,
	})
	if err != nil {
		return true, err
	}
	defer client.Close()

	info, err := client.Connect(ctx)
	if err != nil {
		return false, fmt.Errorf("agent: connecting to relay: %w", err)
	}
	a.logger.Info("joined session", "session", info.SessionID, "agent", info.ClientName)

	view, err := a.bootstrap(ctx, client, info.SessionID)
	if err != nil {
		return false, err
	}
	a.view = view
	a.latch = replanLatch{}
	a.awaitingRefresh = false

	return a.eventLoop(ctx, client)
}

// bootstrap starts the session and pulls the first snapshot. A host
// that has not joined yet answers SESSION_NOT_ACTIVE; that is an
// expected waiting state, retried silently with the fixed delay.
func (a *Agent) bootstrap(ctx context.Context, client *transport.Client, sessionID string) (perception.Context, error) {
	for {
		_, err := client.Request(ctx, string(protocol.AgentSessionStart), map[string]any{
			"agentName": a.config.AgentName,
		}, a.config.RequestTimeout)
		if err == nil {
			break
		}
		if !transport.IsSessionNotActive(err) {
			return perception.Context{}, fmt.Errorf("agent: starting session: %w", err)
		}
		if ctx.Err() != nil {
			return perception.Context{}, ctx.Err()
		}
		a.clock.Sleep(a.config.RetryDelay)
	}

	for {
		reply, err := client.Request(ctx, string(protocol.AgentSnapshotPull), nil, a.config.RequestTimeout)
		if err == nil {
			view, err := perception.FromSnapshot(sessionID, reply.Payload, a.clock.Now())
			if err != nil {
				return perception.Context{}, err
			}
			return view, nil
		}
		if !transport.IsSessionNotActive(err) {
			return perception.Context{}, fmt.Errorf("agent: pulling snapshot: %w", err)
		}
		if ctx.Err() != nil {
			return perception.Context{}, ctx.Err()
		}
		a.clock.Sleep(a.config.RetryDelay)
	}
}

// cycleResult is what a finished plan/execute cycle hands back to the
// event loop. generation identifies the cycle that produced it so a
// result from a superseded cycle can be dropped.
type cycleResult struct {
	generation uint64
	endSession bool
	replan     bool

	// resyncPayload is a full host update from an explicit snapshot
	// pull; snapshotPayload is a bare snapshot piggybacked on a reply,
	// which carries no history or tools.
	resyncPayload   map[string]any
	snapshotPayload map[string]any
}

// eventLoop is the single actor: it owns the perceived context and is
// the only place cycles are started and their results folded back in.
func (a *Agent) eventLoop(ctx context.Context, client *transport.Client) (bool, error) {
	done := make(chan cycleResult, 1)

	// The first snapshot is itself a trigger.
	a.maybePlan(ctx, client, done, "bootstrap snapshot")

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()

		case result := <-done:
			if !a.finishCycle(result) {
				continue
			}
			if result.endSession {
				return true, nil
			}
			if result.replan {
				a.latch.arm("host requested replan")
			}
			if cause, pending := a.latch.consume(); pending {
				a.maybePlan(ctx, client, done, cause)
			}

		case envelope, ok := <-client.Messages():
			if !ok {
				return false, fmt.Errorf("agent: relay connection lost")
			}
			if ended := a.handleEnvelope(ctx, client, done, envelope); ended {
				return true, nil
			}
		}
	}
}

// handleEnvelope folds one unsolicited host envelope into the context.
func (a *Agent) handleEnvelope(ctx context.Context, client *transport.Client, done chan cycleResult, envelope protocol.Envelope) (ended bool) {
	switch envelope.Type {
	case string(protocol.HostSessionStarted):
		a.logger.Info("host confirmed session start")

	case string(protocol.HostSnapshotState), string(protocol.HostStateChanged):
		next, err := perception.ApplyUpdate(a.view, envelope.Payload, a.clock.Now())
		if err != nil {
			a.logger.Warn("discarding malformed host update", "type", envelope.Type, "error", err)
			return false
		}
		a.view = next
		cause := envelope.Type
		if a.awaitingRefresh {
			a.awaitingRefresh = false
			cause = "user message refresh"
		}
		a.maybePlan(ctx, client, done, cause)

	case string(protocol.HostUserMessage):
		// The update the host pushes after this message is the planning
		// trigger, so the planner always sees the message in history.
		a.view = perception.ApplyUserMessage(a.view, envelope.Payload, a.clock.Now())
		a.awaitingRefresh = true
		a.logger.Debug("user message received, awaiting context refresh")

	case string(protocol.HostToolResult):
		// Tool results normally arrive as request replies; an
		// unsolicited one carries nothing perception needs.
		a.logger.Debug("unsolicited tool result ignored", "replyTo", envelope.ReplyTo)

	case protocol.TypeError:
		code, message := envelope.ErrorInfo()
		a.logger.Warn("relay error", "code", code, "message", message)

	case string(protocol.HostSessionEnded):
		a.logger.Info("host ended the session")
		return true

	default:
		a.logger.Debug("unhandled envelope", "type", envelope.Type)
	}
	return false
}

// busy reports whether a cycle is in flight.
func (a *Agent) busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.planningInFlight || a.actionInFlight
}

// maybePlan starts a plan/execute cycle for the current context, or
// arms the deferred-replan latch when one is already in flight.
func (a *Agent) maybePlan(ctx context.Context, client *transport.Client, done chan cycleResult, cause string) {
	if a.busy() {
		a.logger.Debug("cycle in flight, deferring replan", "cause", cause)
		a.latch.arm(cause)
		return
	}

	a.mu.Lock()
	a.planningInFlight = true
	a.mu.Unlock()
	a.generation++
	generation := a.generation

	view := a.view
	go func() {
		done <- a.cycle(ctx, client, generation, view, cause)
	}()
}

// finishCycle folds a completed cycle's result back into the context
// and clears the in-flight flags. planningInFlight stays raised for
// the cycle's whole lifetime, so busy() holds until the result is
// folded here; a result tagged with a superseded generation is dropped
// without touching the current cycle's flags. Reports whether the
// result was current.
func (a *Agent) finishCycle(result cycleResult) bool {
	if result.generation != a.generation {
		a.logger.Debug("dropping result of superseded cycle", "generation", result.generation)
		return false
	}
	a.mu.Lock()
	a.planningInFlight = false
	a.actionInFlight = false
	a.mu.Unlock()

	switch {
	case result.resyncPayload != nil:
		next, err := perception.ApplyUpdate(a.view, result.resyncPayload, a.clock.Now())
		if err != nil {
			a.logger.Warn("discarding malformed resync snapshot", "error", err)
			return true
		}
		a.view = next
	case result.snapshotPayload != nil:
		next, err := perception.ReplaceSnapshot(a.view, result.snapshotPayload, a.clock.Now())
		if err != nil {
			a.logger.Warn("discarding malformed reply snapshot", "error", err)
			return true
		}
		a.view = next
	}
	return true
}

// cycle runs one planning pass and, if it yields an action, executes
// it. Runs on its own goroutine; it works on a copied view and reports
// back through the done channel.
func (a *Agent) cycle(ctx context.Context, client *transport.Client, generation uint64, view perception.Context, cause string) cycleResult {
	result := cycleResult{generation: generation}
	decision := a.planner.Plan(ctx, view)

	if decision.Action == nil {
		a.logger.Info("no action this cycle",
			"cause", cause, "explanation", decision.Explanation, "fallback", decision.FallbackReason)
		return result
	}
	action := decision.Action
	a.logger.Info("decided",
		"cause", cause, "kind", action.Kind, "tool", action.Tool,
		"source", decision.Source, "reason", action.Reason)

	if a.suppressDuplicate(view.Stage(), action) {
		a.logger.Info("duplicate action suppressed", "kind", action.Kind, "tool", action.Tool)
		return result
	}

	if err := executor.CheckPolicy(action, view); err != nil {
		a.logger.Warn("action blocked by safety policy", "error", err)
		a.memory.Record(memory.Record{
			Timestamp:  a.clock.Now(),
			Stage:      view.Stage(),
			ActionType: string(action.Kind),
			ErrorCode:  "POLICY_BLOCKED",
			Reason:     action.Reason,
		})
		return result
	}

	a.mu.Lock()
	a.actionInFlight = true
	a.mu.Unlock()

	outcome := executor.New(client, a.config.RequestTimeout).Execute(ctx, action)
	a.rememberExecution(view.Stage(), action)

	a.memory.Record(memory.Record{
		Timestamp:  a.clock.Now(),
		Stage:      view.Stage(),
		ActionType: string(action.Kind),
		OK:         outcome.OK,
		ErrorCode:  outcome.ErrorCode,
		Reason:     action.Reason,
	})

	if !outcome.OK {
		a.logger.Warn("action failed",
			"kind", action.Kind, "tool", action.Tool,
			"code", outcome.ErrorCode, "message", outcome.Message)
		a.reportFailure(client, action, outcome)
	}

	result.replan = outcome.ShouldReplan
	if action.Kind == planner.ActionSessionEnd && outcome.OK {
		result.endSession = true
		return result
	}

	if executor.ShouldResync(action, outcome) {
		if reply, err := client.Request(ctx, string(protocol.AgentSnapshotPull), nil, a.config.RequestTimeout); err != nil {
			a.logger.Warn("resync failed", "error", err)
		} else {
			result.resyncPayload = reply.Payload
		}
	} else if outcome.UpdatedSnapshot != nil {
		result.snapshotPayload = outcome.UpdatedSnapshot
	}
	return result
}

// reportFailure tells the user about a host-rejected action in a short
// message. Infrastructure failures stay quiet; the outer loops handle
// them.
func (a *Agent) reportFailure(client *transport.Client, action *planner.PlannedAction, outcome executor.Outcome) {
	switch outcome.ErrorCode {
	case protocol.CodeSessionNotActive, memory.ErrorCodeTransport:
		return
	}
	text := "I could not complete that step"
	if action.Tool != "" {
		text = "I could not complete " + action.Tool
	}
	if outcome.Message != "" {
		text += ": " + outcome.Message
	}
	if err := client.Send(string(protocol.AgentFreeText), map[string]any{"text": text}); err != nil {
		a.logger.Warn("failure report not delivered", "error", err)
	}
}
