// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory holds the agent's bounded episodic record of past
// decisions and their outcomes. Entries are consumed only in aggregate,
// as failure counts over a trailing window that feed the planner's
// circuit breaker.
package memory

import (
	"sync"
	"time"

	"github.com/marionette-sh/marionette/protocol"
)

// Capacity is the maximum number of retained records; older entries
// are evicted first.
const Capacity = 200

// Record is one past decision and its outcome.
type Record struct {
	Timestamp  time.Time
	Stage      string
	ActionType string
	OK         bool
	ErrorCode  string
	Reason     string
}

// infrastructural reports whether the record's failure came from the
// plumbing rather than a bad decision. Such failures must not trip the
// decision circuit breaker: retrying a perfectly good decision against
// an absent host would otherwise lock the agent out.
func (r Record) infrastructural() bool {
	switch r.ErrorCode {
	case protocol.CodeSessionNotActive, ErrorCodeTransport:
		return true
	}
	return false
}

// ErrorCodeTransport marks outcomes that failed before reaching the
// host: socket errors and request timeouts.
const ErrorCodeTransport = "TRANSPORT"

// Log is an append-only episodic record, capped at Capacity entries.
// Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	records []Record
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

// Record appends one entry, evicting the oldest when over capacity.
func (l *Log) Record(record Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	if len(l.records) > Capacity {
		l.records = l.records[len(l.records)-Capacity:]
	}
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// RecentFailureCount counts non-infrastructural failures for a stage
// among the last windowSize records. Only the window is examined, so an
// old run of bad luck cannot trip the breaker forever.
func (l *Log) RecentFailureCount(stage string, windowSize int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := len(l.records) - windowSize
	if start < 0 {
		start = 0
	}
	count := 0
	for _, record := range l.records[start:] {
		if record.OK || record.Stage != stage {
			continue
		}
		if record.infrastructural() {
			continue
		}
		count++
	}
	return count
}
