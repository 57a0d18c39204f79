// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package store

import (
	"context"
	"time"
)

// EventStore is the durable, append-mostly log of invocation records.
type EventStore interface {
	// AppendEvent stores a new event and returns its id. The call is
	// idempotent: if an event with the same (session id, tool name, input
	// digest) was stored within the deduplication window, the existing id is
	// returned and no new row is written.
	AppendEvent(ctx context.Context, event *Event) (string, error)

	// GetEvent returns a single event by id, or ErrNotFound.
	GetEvent(ctx context.Context, id string) (*Event, error)

	// GetRecent returns the most recent events for exactly one session,
	// ordered by per-session sequence number ascending. A session-less query
	// is rejected; there is no wildcard form.
	GetRecent(ctx context.Context, sessionID string, limit int) ([]*Event, error)

	// LinkParent records a soft causal link from an event to a presumed
	// parent. It succeeds even if the parent does not (yet) exist.
	LinkParent(ctx context.Context, eventID, parentEventID string) error

	// CompleteEvent sets the completion status and approximate child count
	// for an event. The two fields may be written exactly once; a second
	// completion signal returns ErrConflict.
	CompleteEvent(ctx context.Context, eventID string, status EventStatus, childCount int) error

	// GetSessionTrace assembles the causal tree rooted at the given session.
	// Events whose parent cannot be resolved are attached as roots of their
	// own subtree with an unresolved flag rather than failing the query.
	GetSessionTrace(ctx context.Context, rootSessionID string) (*Trace, error)
}

// SessionStore manages session records.
type SessionStore interface {
	// EnsureSession creates the session if its id has not been observed
	// before, and updates its last-activity time otherwise. The delegated
	// flag and parent reference are fixed at creation and never overwritten.
	EnsureSession(ctx context.Context, session *Session) error

	// GetSession returns a session by id, or ErrNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)

	// MostRecentActive returns the non-delegated session with the newest
	// activity inside the given window, or ErrNotFound. It exists only as a
	// last-resort continuity heuristic for the context resolver.
	MostRecentActive(ctx context.Context, within time.Duration) (*Session, error)

	// ListSessions returns sessions ordered by last activity, newest first.
	ListSessions(ctx context.Context, opts ListOpts) ([]*Session, error)
}

// ViolationStore persists the pattern detector's per-session accumulator.
// All reads and writes are scoped by the explicit session id supplied by the
// caller; there is no global or cross-session access path.
type ViolationStore interface {
	// GetViolationState returns the accumulator for a session, or ErrNotFound
	// if the session has never been evaluated.
	GetViolationState(ctx context.Context, sessionID string) (*ViolationState, error)

	// PutViolationState upserts the accumulator for its session.
	PutViolationState(ctx context.Context, state *ViolationState) error

	// ResetViolationState removes the accumulator, returning the session to
	// a clean enforcement slate. Missing state is not an error.
	ResetViolationState(ctx context.Context, sessionID string) error
}

// Store is the full storage surface used by the gateway.
type Store interface {
	EventStore
	SessionStore
	ViolationStore
	Close() error
}
