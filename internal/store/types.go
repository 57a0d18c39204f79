// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package store

import "time"

// --- Session types ---

// Session is a bounded sequence of invocations sharing one causal context.
type Session struct {
	ID string
	// ParentSessionID is a soft reference to the session that delegated this
	// one. It may be empty, or point to a session that was never recorded;
	// consumers treat a dangling reference as "parent unresolved".
	ParentSessionID string
	// DelegatingEventID is a soft reference to the event in the parent
	// session whose invocation spawned this session. Fixed at creation.
	DelegatingEventID string
	// Delegated marks a session spawned to perform isolated sub-task work.
	// Delegated sessions are exempt from enforcement but still recorded.
	Delegated      bool
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// --- Event types ---

// EventStatus is the completion state reported for an event after the fact.
// An empty status means no completion signal has arrived.
type EventStatus string

const (
	EventStatusCompleted EventStatus = "completed"
	EventStatusFailed    EventStatus = "failed"
)

// Event is one recorded tool invocation. Events are immutable once written
// except for Status and ChildCount, which a later completion signal may set
// exactly once.
type Event struct {
	ID          string
	SessionID   string
	ToolName    string
	InputDigest string
	// Seq is the monotonically increasing per-session sequence number.
	// Events within a session are totally ordered by (Seq, Timestamp).
	Seq       int64
	Timestamp time.Time
	// ParentEventID is a soft reference to the presumed causal parent. It may
	// point to an event that does not yet exist, or never will.
	ParentEventID string
	Status        EventStatus
	// ChildCount is the approximate number of child events causally attributed
	// to this event by a completion signal. Heuristic attribution is inherently
	// approximate under parallel delegation; explicit parent links always win.
	ChildCount int
	Delegated  bool
}

// --- Violation state ---

// ViolationState is the per-session accumulator the pattern detector reads
// and writes on every evaluation. It is strictly scoped to one session.
type ViolationState struct {
	SessionID string
	// Level is the current escalation level as a stable string
	// ("normal", "guidance", "imperative", "final_warning", "blocked").
	Level string
	// RuleCounters holds per-rule consecutive-match counts keyed by rule name.
	RuleCounters    map[string]int
	TotalViolations int
	LastViolationAt time.Time
	UpdatedAt       time.Time
}

// --- Trace types ---

// TraceEvent wraps an event with resolution metadata for trace consumers.
type TraceEvent struct {
	Event *Event
	// ParentUnresolved is true when the event claims a parent that could not
	// be found; the event is presented as a root of its own subtree instead
	// of failing the query.
	ParentUnresolved bool
}

// Trace is the causal tree for one session: its events in order, plus child
// sessions nested under it.
type Trace struct {
	Session *Session
	Events  []*TraceEvent
	// DelegatingEventID is the event in the parent session that spawned this
	// session, when known. Empty at the root of a query.
	DelegatingEventID string
	// DelegatingUnresolved is true when the session names a delegating event
	// that could not be found.
	DelegatingUnresolved bool
	Children             []*Trace
}

// --- Query options ---

// ListOpts provides pagination parameters for list operations.
type ListOpts struct {
	Limit  int
	Offset int
}
