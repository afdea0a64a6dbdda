// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package perception

import (
	"fmt"
	"testing"
	"time"
)

var testTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func snapshotPayload(stage string, history []map[string]any) map[string]any {
	return map[string]any{
		"snapshot": map[string]any{
			"stage": stage,
			"candidates": []map[string]any{
				{"id": "c1", "label": "19:30", "enabled": true, "visible": true},
			},
		},
		"history": history,
		"tools": []map[string]any{
			{"name": "selectDate", "description": "pick a date"},
			{"name": "next"},
		},
	}
}

func TestFromSnapshot(t *testing.T) {
	view, err := FromSnapshot("s1", snapshotPayload("date", nil), testTime)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	if view.Stage() != "date" {
		t.Fatalf("stage = %q, want date", view.Stage())
	}
	if !view.HasAffordance("selectDate") || view.HasAffordance("prev") {
		t.Fatalf("affordances = %v", view.Affordances)
	}
	if view.SessionID != "s1" {
		t.Fatalf("session = %q", view.SessionID)
	}
	if !view.LastUpdatedAt.Equal(testTime) {
		t.Fatalf("lastUpdatedAt = %v", view.LastUpdatedAt)
	}
}

func TestStageAbsentMeansCannotAct(t *testing.T) {
	view, err := FromSnapshot("s1", map[string]any{
		"snapshot": map[string]any{"candidates": []map[string]any{}},
	}, testTime)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	if view.Stage() != "" {
		t.Fatalf("stage = %q, want empty", view.Stage())
	}

	var zero Context
	if zero.Stage() != "" {
		t.Fatal("nil snapshot must yield empty stage")
	}
}

func TestApplyUpdateReplacesWholesale(t *testing.T) {
	view, err := FromSnapshot("s1", snapshotPayload("date", []map[string]any{
		{"role": "user", "text": "hello"},
	}), testTime)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	view = ApplyUserMessage(view, map[string]any{"text": "two tickets"}, testTime)

	later := testTime.Add(time.Second)
	next, err := ApplyUpdate(view, map[string]any{
		"snapshot": map[string]any{"stage": "seats"},
		"tools":    []map[string]any{{"name": "selectSeat"}},
	}, later)
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	if next.Stage() != "seats" {
		t.Fatalf("stage = %q, want seats", next.Stage())
	}
	// The update carried no history: the old tail does not survive.
	if len(next.History) != 0 {
		t.Fatalf("history = %v, want empty", next.History)
	}
	if next.HasAffordance("selectDate") {
		t.Fatal("stale affordance survived the update")
	}
	if !next.HasAffordance("selectSeat") {
		t.Fatal("new affordance missing")
	}
	// Session identity and the user message slot carry over.
	if next.SessionID != "s1" || next.LastUserMessage != "two tickets" {
		t.Fatalf("carried fields: session=%q lastUserMessage=%q", next.SessionID, next.LastUserMessage)
	}
	if !next.LastUpdatedAt.Equal(later) {
		t.Fatalf("lastUpdatedAt = %v, want %v", next.LastUpdatedAt, later)
	}
}

func TestReplaceSnapshotKeepsHistoryAndAffordances(t *testing.T) {
	view, err := FromSnapshot("s1", snapshotPayload("date", []map[string]any{
		{"role": "user", "text": "hello"},
	}), testTime)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}

	later := testTime.Add(time.Second)
	next, err := ReplaceSnapshot(view, map[string]any{
		"stage": "date",
		"candidates": []map[string]any{
			{"id": "c1", "label": "19:30", "enabled": true, "visible": true, "selected": true},
		},
	}, later)
	if err != nil {
		t.Fatalf("ReplaceSnapshot: %v", err)
	}

	if !next.Snapshot.Candidates[0].Selected {
		t.Fatal("snapshot not replaced")
	}
	// Replies carry no history or tools: the ones the host last pushed
	// must survive.
	if !next.HasAffordance("selectDate") || !next.HasAffordance("next") {
		t.Fatalf("affordances lost: %v", next.Affordances)
	}
	if len(next.History) != 1 {
		t.Fatalf("history = %v, want the pushed tail", next.History)
	}
	if !next.LastUpdatedAt.Equal(later) {
		t.Fatalf("lastUpdatedAt = %v, want %v", next.LastUpdatedAt, later)
	}
}

func TestApplyUserMessageTouchesOnlyMessageSlot(t *testing.T) {
	view, err := FromSnapshot("s1", snapshotPayload("date", nil), testTime)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	next := ApplyUserMessage(view, map[string]any{"text": "evening please", "stage": "seats"}, testTime)
	if next.LastUserMessage != "evening please" {
		t.Fatalf("lastUserMessage = %q", next.LastUserMessage)
	}
	if next.Stage() != "date" {
		t.Fatalf("stage = %q, user messages must not change stage", next.Stage())
	}
	if len(next.Affordances) != len(view.Affordances) {
		t.Fatal("affordances changed")
	}
}

func TestHistoryTailBounded(t *testing.T) {
	var history []map[string]any
	for i := 0; i < 30; i++ {
		history = append(history, map[string]any{"role": "user", "text": fmt.Sprintf("m%d", i)})
	}
	view, err := FromSnapshot("s1", snapshotPayload("date", history), testTime)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	if len(view.History) != 20 {
		t.Fatalf("history length = %d, want 20", len(view.History))
	}
	if view.History[0].Text != "m10" || view.History[19].Text != "m29" {
		t.Fatalf("tail keeps oldest entries: first=%q last=%q", view.History[0].Text, view.History[19].Text)
	}
}

func TestSnapshotAggregates(t *testing.T) {
	snapshot := &Snapshot{Candidates: []Candidate{
		{ID: "a", Selected: true, Quantity: 2},
		{ID: "b", Quantity: 1},
		{ID: "c", Selected: true},
	}}
	if got := snapshot.SelectedCount(); got != 2 {
		t.Fatalf("SelectedCount = %d, want 2", got)
	}
	if got := snapshot.TotalQuantity(); got != 3 {
		t.Fatalf("TotalQuantity = %d, want 3", got)
	}
}
