// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"regexp"
	"strings"

	"github.com/marionette-sh/marionette/agent/perception"
	"github.com/marionette-sh/marionette/lib/workflow"
)

// fallback applies the deterministic stage rules. It runs only when
// reasoning is disabled, unavailable, or produced an invalid proposal.
func (p *Planner) fallback(view perception.Context, stage *workflow.Stage) PlanDecision {
	switch stage.Kind {
	case workflow.KindConfirmation:
		return p.fallbackConfirmation(view, stage)
	case workflow.KindMultiSelect:
		return p.fallbackSelect(view, stage, 1)
	case workflow.KindSingleSelect:
		return p.fallbackSelect(view, stage, 1)
	case workflow.KindQuantity:
		return p.fallbackQuantity(view, stage)
	}
	return askForGuidance(stage)
}

func (p *Planner) fallbackConfirmation(view perception.Context, stage *workflow.Stage) PlanDecision {
	if view.Snapshot.BookingComplete {
		return ruleDecision(&PlannedAction{
			Kind:   ActionSessionEnd,
			Reason: "the booking is complete",
		})
	}
	if tool := advanceTool(view, stage); tool != "" {
		return ruleDecision(&PlannedAction{
			Kind:   ActionToolCall,
			Tool:   tool,
			Params: map[string]any{},
			Reason: "completing the booking at the confirmation stage",
		})
	}
	return askForGuidance(stage)
}

// fallbackSelect covers single- and multi-select stages: pick a
// candidate if nothing is selected yet, advance once enough are.
func (p *Planner) fallbackSelect(view perception.Context, stage *workflow.Stage, wanted int) PlanDecision {
	snapshot := view.Snapshot
	if snapshot.SelectedCount() < wanted {
		tool := selectTool(view, stage)
		candidate := preferCandidate(snapshot.Candidates, view.LastUserMessage)
		if tool != "" && candidate != nil {
			return ruleDecision(&PlannedAction{
				Kind:   ActionToolCall,
				Tool:   tool,
				Params: map[string]any{"itemId": candidate.ID},
				Reason: "selecting " + candidate.Label + " at stage " + stage.Name,
			})
		}
		return askForGuidance(stage)
	}
	if tool := advanceTool(view, stage); tool != "" {
		return ruleDecision(&PlannedAction{
			Kind:   ActionToolCall,
			Tool:   tool,
			Params: map[string]any{},
			Reason: "a selection exists at stage " + stage.Name + ", moving on",
		})
	}
	return askForGuidance(stage)
}

func (p *Planner) fallbackQuantity(view perception.Context, stage *workflow.Stage) PlanDecision {
	snapshot := view.Snapshot
	if snapshot.TotalQuantity() != snapshot.RequiredTotal {
		target := firstUsable(snapshot.Candidates)
		if view.HasAffordance("setQuantity") && target != nil {
			return ruleDecision(&PlannedAction{
				Kind: ActionToolCall,
				Tool: "setQuantity",
				Params: map[string]any{
					"itemId":   target.ID,
					"quantity": snapshot.RequiredTotal,
				},
				Reason: "setting the ticket quantity to the required total",
			})
		}
		return askForGuidance(stage)
	}
	if tool := advanceTool(view, stage); tool != "" {
		return ruleDecision(&PlannedAction{
			Kind:   ActionToolCall,
			Tool:   tool,
			Params: map[string]any{},
			Reason: "quantities match the required total, moving on",
		})
	}
	return askForGuidance(stage)
}

func ruleDecision(action *PlannedAction) PlanDecision {
	return PlanDecision{Action: action, Source: SourceRule}
}

// askForGuidance is the terminal null decision: no rule applied, so the
// visitor is asked for more specific input.
func askForGuidance(stage *workflow.Stage) PlanDecision {
	return PlanDecision{
		Source:      SourceRule,
		Explanation: "no rule applies at stage " + stage.Name + "; please tell me more precisely what you would like",
	}
}

// advanceToolNames are the affordances that move the workflow forward,
// in preference order.
var advanceToolNames = []string{"confirm", "next"}

// advanceTool returns the available stage-advance affordance, if any.
// The stage's expected tool list is consulted first so a stage that
// advances via confirm is not advanced via a stray next.
func advanceTool(view perception.Context, stage *workflow.Stage) string {
	for _, name := range advanceToolNames {
		if !stageExpectsTool(stage, name) {
			continue
		}
		if view.HasAffordance(name) {
			return name
		}
	}
	for _, name := range advanceToolNames {
		if view.HasAffordance(name) {
			return name
		}
	}
	return ""
}

// selectTool returns the stage's selection affordance, preferring the
// names the workflow descriptor expects at this stage.
func selectTool(view perception.Context, stage *workflow.Stage) string {
	for _, name := range stage.Tools {
		if strings.HasPrefix(name, "select") && view.HasAffordance(name) {
			return name
		}
	}
	for _, affordance := range view.Affordances {
		if strings.HasPrefix(affordance.Name, "select") {
			return affordance.Name
		}
	}
	return ""
}

func stageExpectsTool(stage *workflow.Stage, name string) bool {
	for _, tool := range stage.Tools {
		if tool == name {
			return true
		}
	}
	return false
}

// firstUsable returns the first enabled, visible candidate.
func firstUsable(candidates []perception.Candidate) *perception.Candidate {
	for i := range candidates {
		if candidates[i].Enabled && candidates[i].Visible {
			return &candidates[i]
		}
	}
	return nil
}

// timeOfDayPreference maps utterance keywords to a label comparison.
type timeOfDayPreference int

const (
	preferNone timeOfDayPreference = iota
	preferEarliest
	preferLatest
	preferMorning
	preferAfternoon
	preferEvening
)

var preferenceKeywords = []struct {
	keyword    string
	preference timeOfDayPreference
}{
	{"earliest", preferEarliest},
	{"latest", preferLatest},
	{"morning", preferMorning},
	{"afternoon", preferAfternoon},
	{"evening", preferEvening},
	{"tonight", preferEvening},
}

// clockPattern matches a clock time inside a candidate label, with an
// optional 12-hour suffix.
var clockPattern = regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})\s*(am|pm)?`)

// labelMinutes extracts a time of day from a label as minutes past
// midnight. ok is false when the label carries no recognizable time.
func labelMinutes(label string) (int, bool) {
	match := clockPattern.FindStringSubmatch(label)
	if match == nil {
		return 0, false
	}
	hours := atoi(match[1])
	minutes := atoi(match[2])
	if hours > 23 || minutes > 59 {
		return 0, false
	}
	switch strings.ToLower(match[3]) {
	case "pm":
		if hours < 12 {
			hours += 12
		}
	case "am":
		if hours == 12 {
			hours = 0
		}
	}
	return hours*60 + minutes, true
}

func atoi(s string) int {
	value := 0
	for _, r := range s {
		value = value*10 + int(r-'0')
	}
	return value
}

// preferCandidate picks a candidate by matching a time-of-day keyword
// from the visitor's latest utterance against candidate labels. With no
// keyword, no parseable times, or no match, the first usable candidate
// wins.
func preferCandidate(candidates []perception.Candidate, userMessage string) *perception.Candidate {
	fallback := firstUsable(candidates)

	preference := preferNone
	lowered := strings.ToLower(userMessage)
	for _, entry := range preferenceKeywords {
		if strings.Contains(lowered, entry.keyword) {
			preference = entry.preference
			break
		}
	}
	if preference == preferNone {
		return fallback
	}

	var best *perception.Candidate
	bestMinutes := 0
	for i := range candidates {
		candidate := &candidates[i]
		if !candidate.Enabled || !candidate.Visible {
			continue
		}
		minutes, ok := labelMinutes(candidate.Label)
		if !ok {
			continue
		}
		switch preference {
		case preferEarliest:
			if best == nil || minutes < bestMinutes {
				best, bestMinutes = candidate, minutes
			}
		case preferLatest:
			if best == nil || minutes > bestMinutes {
				best, bestMinutes = candidate, minutes
			}
		case preferMorning:
			if minutes < 12*60 && best == nil {
				best, bestMinutes = candidate, minutes
			}
		case preferAfternoon:
			if minutes >= 12*60 && minutes < 17*60 && best == nil {
				best, bestMinutes = candidate, minutes
			}
		case preferEvening:
			if minutes >= 17*60 && best == nil {
				best, bestMinutes = candidate, minutes
			}
		}
	}
	if best == nil {
		return fallback
	}
	return best
}
