// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package store

import (
	tgerr "github.com/tollgate-dev/tollgate/pkg/errors"
)

// Valid reports whether the status is a known completion state.
// The empty status (no completion signal yet) is valid on an Event but is not
// an acceptable argument to CompleteEvent.
func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusCompleted, EventStatusFailed:
		return true
	default:
		return false
	}
}

// Validate checks that the Session has all required fields set correctly.
func (s Session) Validate() error {
	if s.ID == "" {
		return tgerr.New(tgerr.CodeStoreSessionInvalid, "session: ID is required")
	}
	if s.ParentSessionID == s.ID {
		return tgerr.New(tgerr.CodeStoreSessionInvalid, "session: cannot be its own parent",
			tgerr.FieldSessionID(s.ID))
	}
	if s.CreatedAt.IsZero() {
		return tgerr.New(tgerr.CodeStoreSessionInvalid, "session: CreatedAt is required")
	}
	return nil
}

// Validate checks that the Event has all required fields set correctly.
// Seq and ID are assigned by the store and need not be set by callers.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return tgerr.New(tgerr.CodeStoreEventAppendInvalid, "event: SessionID is required")
	}
	if e.ToolName == "" {
		return tgerr.New(tgerr.CodeStoreEventAppendInvalid, "event: ToolName is required",
			tgerr.FieldSessionID(e.SessionID))
	}
	if e.InputDigest == "" {
		return tgerr.New(tgerr.CodeStoreEventAppendInvalid, "event: InputDigest is required",
			tgerr.FieldSessionID(e.SessionID), tgerr.FieldTool(e.ToolName))
	}
	if e.Status != "" && !e.Status.Valid() {
		return tgerr.Errorf(tgerr.CodeStoreEventAppendInvalid, "event: invalid status %q", e.Status)
	}
	if e.ChildCount < 0 {
		return tgerr.Errorf(tgerr.CodeStoreEventAppendInvalid, "event: ChildCount must be >= 0, got %d", e.ChildCount)
	}
	return nil
}

// Validate checks that the ViolationState is self-consistent.
func (v ViolationState) Validate() error {
	if v.SessionID == "" {
		return tgerr.New(tgerr.CodeStoreInvalidInput, "violation state: SessionID is required")
	}
	if v.TotalViolations < 0 {
		return tgerr.Errorf(tgerr.CodeStoreInvalidInput, "violation state: TotalViolations must be >= 0, got %d", v.TotalViolations)
	}
	for rule, n := range v.RuleCounters {
		if n < 0 {
			return tgerr.Errorf(tgerr.CodeStoreInvalidInput, "violation state: counter for rule %q must be >= 0, got %d", rule, n)
		}
	}
	return nil
}
