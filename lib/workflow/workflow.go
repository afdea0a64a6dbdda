// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow models the ordered stage progression an agent walks
// a host through. A Descriptor names each stage, classifies how the
// stage is interacted with (single-select, multi-select, quantity,
// confirmation), states the stage's goal in plain language, and states
// when it is safe to advance. The planner uses the classification for
// its deterministic fallback rules and hands the plain-language fields
// to the reasoning subsystem verbatim.
//
// Descriptors are authored on disk as JSONC files (JSON extended with
// comments and trailing commas) and loaded with ReadFile.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// StageKind classifies how a stage is interacted with. The planner's
// fallback rules dispatch on this.
type StageKind string

const (
	// KindSingleSelect stages present candidates of which exactly one
	// must be chosen (e.g., a date or a performance).
	KindSingleSelect StageKind = "single-select"

	// KindMultiSelect stages allow several candidates to be chosen
	// (e.g., seats).
	KindMultiSelect StageKind = "multi-select"

	// KindQuantity stages distribute a required total over items
	// (e.g., ticket categories).
	KindQuantity StageKind = "quantity"

	// KindConfirmation is the terminal stage where the booking is
	// reviewed and completed.
	KindConfirmation StageKind = "confirmation"
)

// ParseStageKind validates a kind string from a descriptor file.
func ParseStageKind(value string) (StageKind, error) {
	switch StageKind(value) {
	case KindSingleSelect, KindMultiSelect, KindQuantity, KindConfirmation:
		return StageKind(value), nil
	}
	return "", fmt.Errorf("workflow: unknown stage kind %q", value)
}

// Stage describes one step of the progression.
type Stage struct {
	// Name matches the stage field the host reports in its state
	// snapshots.
	Name string `json:"name"`

	// Kind classifies the interaction pattern.
	Kind StageKind `json:"kind"`

	// Goal is a plain-language statement of what this stage is for,
	// passed to the reasoning subsystem.
	Goal string `json:"goal"`

	// AdvanceWhen is a plain-language rule for when it is safe to move
	// on, passed to the reasoning subsystem.
	AdvanceWhen string `json:"advanceWhen"`

	// Tools lists the affordance names expected at this stage.
	Tools []string `json:"tools,omitempty"`
}

// Descriptor is an ordered stage progression.
type Descriptor struct {
	Name   string  `json:"name"`
	Stages []Stage `json:"stages"`
}

// Validate checks structural invariants: at least one stage, unique
// names, known kinds, non-empty goals.
func (d *Descriptor) Validate() error {
	if len(d.Stages) == 0 {
		return fmt.Errorf("workflow %q: no stages", d.Name)
	}
	seen := make(map[string]bool, len(d.Stages))
	for i, stage := range d.Stages {
		if stage.Name == "" {
			return fmt.Errorf("workflow %q: stage %d has no name", d.Name, i)
		}
		if seen[stage.Name] {
			return fmt.Errorf("workflow %q: duplicate stage %q", d.Name, stage.Name)
		}
		seen[stage.Name] = true
		if _, err := ParseStageKind(string(stage.Kind)); err != nil {
			return fmt.Errorf("workflow %q: stage %q: %w", d.Name, stage.Name, err)
		}
		if stage.Goal == "" {
			return fmt.Errorf("workflow %q: stage %q has no goal", d.Name, stage.Name)
		}
	}
	return nil
}

// Stage returns the stage with the given name, or nil if the host
// reported a stage this descriptor does not know.
func (d *Descriptor) Stage(name string) *Stage {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i]
		}
	}
	return nil
}

// Position describes where a stage sits in the progression. Previous
// and Next are nil at the ends.
type Position struct {
	Current  *Stage
	Previous *Stage
	Next     *Stage
}

// Position locates a stage by name. Returns an error for unknown stages
// so callers distinguish "host is somewhere we don't understand" from
// "first/last stage".
func (d *Descriptor) Position(name string) (Position, error) {
	for i := range d.Stages {
		if d.Stages[i].Name != name {
			continue
		}
		position := Position{Current: &d.Stages[i]}
		if i > 0 {
			position.Previous = &d.Stages[i-1]
		}
		if i < len(d.Stages)-1 {
			position.Next = &d.Stages[i+1]
		}
		return position, nil
	}
	return Position{}, fmt.Errorf("workflow %q: unknown stage %q", d.Name, name)
}

// StageNames returns the ordered stage names.
func (d *Descriptor) StageNames() []string {
	names := make([]string, len(d.Stages))
	for i, stage := range d.Stages {
		names[i] = stage.Name
	}
	return names
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals and validates the descriptor.
func Parse(data []byte) (*Descriptor, error) {
	stripped := jsonc.ToJSON(data)

	var descriptor Descriptor
	if err := json.Unmarshal(stripped, &descriptor); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}
	return &descriptor, nil
}

// ReadFile reads a JSONC workflow file from disk and parses it.
func ReadFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	descriptor, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return descriptor, nil
}

// Booking returns the built-in descriptor for the performance booking
// host. Used when no workflow file is configured.
func Booking() *Descriptor {
	return &Descriptor{
		Name: "booking",
		Stages: []Stage{
			{
				Name:        "date",
				Kind:        KindSingleSelect,
				Goal:        "Pick the date the visitor wants to attend.",
				AdvanceWhen: "Exactly one date is selected.",
				Tools:       []string{"selectDate", "next"},
			},
			{
				Name:        "performance",
				Kind:        KindSingleSelect,
				Goal:        "Pick one performance on the chosen date.",
				AdvanceWhen: "Exactly one performance is selected.",
				Tools:       []string{"selectPerformance", "next", "prev"},
			},
			{
				Name:        "seats",
				Kind:        KindMultiSelect,
				Goal:        "Choose seats matching the visitor's preferences.",
				AdvanceWhen: "At least one seat is selected.",
				Tools:       []string{"selectSeat", "deselectSeat", "next", "prev"},
			},
			{
				Name:        "tickets",
				Kind:        KindQuantity,
				Goal:        "Distribute ticket categories over the selected seats.",
				AdvanceWhen: "The ticket quantities add up to the number of selected seats.",
				Tools:       []string{"setQuantity", "next", "prev"},
			},
			{
				Name:        "confirmation",
				Kind:        KindConfirmation,
				Goal:        "Review the booking summary and complete the purchase.",
				AdvanceWhen: "The visitor has confirmed the summary is correct.",
				Tools:       []string{"confirm", "prev"},
			},
		},
	}
}
