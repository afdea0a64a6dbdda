// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"encoding/json"

	"github.com/zeebo/blake3"

	"github.com/marionette-sh/marionette/agent/planner"
)

// fingerprint derives a stable key over (stage, action type, payload).
// Params go through deterministic JSON (sorted keys) so logically equal
// actions hash equally.
func fingerprint(stage string, action *planner.PlannedAction) []byte {
	hasher := blake3.New()
	write := func(part string) {
		hasher.Write([]byte(part))
		hasher.Write([]byte{0})
	}
	write(stage)
	write(string(action.Kind))
	write(action.Tool)
	write(action.Text)
	if action.Params != nil {
		if data, err := json.Marshal(action.Params); err == nil {
			hasher.Write(data)
		}
	}
	return hasher.Sum(nil)
}

// suppressDuplicate reports whether the action repeats the immediately
// preceding executed action within the dedup window. Overlapping
// triggers otherwise run the same decision twice.
func (a *Agent) suppressDuplicate(stage string, action *planner.PlannedAction) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastFingerprint == nil {
		return false
	}
	if a.clock.Now().Sub(a.lastExecutedAt) >= dedupWindow {
		return false
	}
	return bytes.Equal(a.lastFingerprint, fingerprint(stage, action))
}

// rememberExecution records the fingerprint of a just-executed action.
func (a *Agent) rememberExecution(stage string, action *planner.PlannedAction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastFingerprint = fingerprint(stage, action)
	a.lastExecutedAt = a.clock.Now()
}
