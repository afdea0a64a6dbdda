// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

// Package perception maintains the agent's normalized view of host
// state. The view is rebuilt from host pushes, never inferred: every
// snapshot and incremental update replaces the host-owned fields
// wholesale, because the host is the source of truth on every push and
// field-by-field merging is how stale state survives.
package perception

import (
	"encoding/json"
	"fmt"
	"time"
)

// historyTailLimit bounds the retained message history.
const historyTailLimit = 20

// Candidate is one selectable item the host currently renders.
type Candidate struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Enabled  bool   `json:"enabled"`
	Visible  bool   `json:"visible"`
	Selected bool   `json:"selected"`
	Quantity int    `json:"quantity"`
}

// Snapshot is the host-state snapshot as pushed by the host. Stage is
// the single well-known field stage derivation reads; an empty stage
// means the host did not report one and the agent cannot act.
type Snapshot struct {
	Stage           string      `json:"stage"`
	Candidates      []Candidate `json:"candidates"`
	RequiredTotal   int         `json:"requiredTotal"`
	BookingComplete bool        `json:"bookingComplete"`
}

// SelectedCount returns how many candidates are currently selected.
func (s *Snapshot) SelectedCount() int {
	count := 0
	for _, candidate := range s.Candidates {
		if candidate.Selected {
			count++
		}
	}
	return count
}

// TotalQuantity sums the per-candidate quantities.
func (s *Snapshot) TotalQuantity() int {
	total := 0
	for _, candidate := range s.Candidates {
		total += candidate.Quantity
	}
	return total
}

// Affordance is a capability the host currently exposes: a name plus a
// free-form parameter schema.
type Affordance struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Turn is one entry of the conversation history.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Context is the agent's perceived view of one session. Stage is
// always read through the Stage method so it cannot drift from the
// snapshot it is derived from.
type Context struct {
	SessionID       string
	Snapshot        *Snapshot
	History         []Turn
	Affordances     []Affordance
	LastUserMessage string
	LastUpdatedAt   time.Time
}

// Stage returns the current stage as reported by the host snapshot, or
// "" when no snapshot has arrived or the host reported none.
func (c Context) Stage() string {
	if c.Snapshot == nil {
		return ""
	}
	return c.Snapshot.Stage
}

// HasAffordance reports whether a tool of the given name is currently
// available.
func (c Context) HasAffordance(name string) bool {
	for _, affordance := range c.Affordances {
		if affordance.Name == name {
			return true
		}
	}
	return false
}

// hostUpdate is the shared shape of snapshot-state and state-changed
// payloads.
type hostUpdate struct {
	Snapshot *Snapshot    `json:"snapshot"`
	History  []Turn       `json:"history"`
	Tools    []Affordance `json:"tools"`
}

// decodeUpdate converts an open payload map into the typed update shape.
func decodeUpdate(payload map[string]any) (*hostUpdate, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("perception: encoding payload: %w", err)
	}
	var update hostUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("perception: decoding host update: %w", err)
	}
	return &update, nil
}

// FromSnapshot builds a fresh context from a full snapshot payload.
func FromSnapshot(sessionID string, payload map[string]any, now time.Time) (Context, error) {
	update, err := decodeUpdate(payload)
	if err != nil {
		return Context{}, err
	}
	return Context{
		SessionID:     sessionID,
		Snapshot:      update.Snapshot,
		History:       tail(update.History),
		Affordances:   update.Tools,
		LastUpdatedAt: now,
	}, nil
}

// ApplyUpdate folds an incremental update into a context. The snapshot,
// history, and affordances are replaced wholesale with the update's
// content; only session identity and the last user message carry over.
func ApplyUpdate(prev Context, payload map[string]any, now time.Time) (Context, error) {
	update, err := decodeUpdate(payload)
	if err != nil {
		return prev, err
	}
	next := prev
	next.Snapshot = update.Snapshot
	next.History = tail(update.History)
	next.Affordances = update.Tools
	next.LastUpdatedAt = now
	return next, nil
}

// ReplaceSnapshot folds a bare snapshot into a context, as piggybacked
// on a tool-call reply. A reply carries no history or tools, so only
// the snapshot is replaced; everything else stays as the host last
// pushed it.
func ReplaceSnapshot(prev Context, payload map[string]any, now time.Time) (Context, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return prev, fmt.Errorf("perception: encoding snapshot: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return prev, fmt.Errorf("perception: decoding snapshot: %w", err)
	}
	next := prev
	next.Snapshot = &snapshot
	next.LastUpdatedAt = now
	return next, nil
}

// ApplyUserMessage records the latest user utterance. It touches only
// the last-user-message slot: stage and history stay exactly as the
// host last pushed them.
func ApplyUserMessage(prev Context, payload map[string]any, now time.Time) Context {
	next := prev
	if text, ok := payload["text"].(string); ok {
		next.LastUserMessage = text
	}
	next.LastUpdatedAt = now
	return next
}

// tail bounds history to its most recent entries.
func tail(history []Turn) []Turn {
	if len(history) <= historyTailLimit {
		return history
	}
	return history[len(history)-historyTailLimit:]
}
