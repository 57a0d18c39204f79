// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tollgate-dev/tollgate/internal/store"
)

// maxTraceDepth caps descent through the session forest. The parent relation
// is supposed to be acyclic; the cap keeps a corrupted store from looping.
const maxTraceDepth = 64

// GetSessionTrace assembles the causal tree rooted at the given session.
// Reconstruction is best-effort: dangling parent links become flagged
// unresolved roots instead of failing the query.
func (s *Store) GetSessionTrace(ctx context.Context, rootSessionID string) (*store.Trace, error) {
	if rootSessionID == "" {
		return nil, fmt.Errorf("root session id is required: %w", store.ErrInvalidInput)
	}

	root, err := s.GetSession(ctx, rootSessionID)
	if err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		// Events can arrive before their session record. If any exist,
		// synthesize a bare session so the trace still assembles.
		events, eventsErr := s.GetRecent(ctx, rootSessionID, 1)
		if eventsErr != nil {
			return nil, eventsErr
		}
		if len(events) == 0 {
			return nil, err
		}
		root = &store.Session{ID: rootSessionID}
	}

	visited := map[string]bool{root.ID: true}
	trace, err := s.buildTrace(ctx, root, visited, 0)
	if err != nil {
		return nil, err
	}

	// Resolve soft references across the whole assembled tree: an event's
	// parent may live in a different session than the event itself.
	known := map[string]bool{}
	collectEventIDs(trace, known)
	markUnresolved(trace, known)

	return trace, nil
}

func (s *Store) buildTrace(ctx context.Context, session *store.Session, visited map[string]bool, depth int) (*store.Trace, error) {
	if depth > maxTraceDepth {
		return nil, fmt.Errorf("session trace exceeds depth %d at session %s: %w",
			maxTraceDepth, session.ID, store.ErrInvalidInput)
	}

	events, err := s.sessionEvents(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	trace := &store.Trace{
		Session:           session,
		DelegatingEventID: session.DelegatingEventID,
	}
	for _, event := range events {
		trace.Events = append(trace.Events, &store.TraceEvent{Event: event})
	}

	children, err := s.childSessions(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if visited[child.ID] {
			continue
		}
		visited[child.ID] = true
		childTrace, err := s.buildTrace(ctx, child, visited, depth+1)
		if err != nil {
			return nil, err
		}
		trace.Children = append(trace.Children, childTrace)
	}

	sort.Slice(trace.Children, func(i, j int) bool {
		return trace.Children[i].Session.CreatedAt.Before(trace.Children[j].Session.CreatedAt)
	})

	return trace, nil
}

// sessionEvents loads every event for one session ordered by sequence number.
func (s *Store) sessionEvents(ctx context.Context, sessionID string) ([]*store.Event, error) {
	const q = `SELECT ` + eventColumns + ` FROM events WHERE session_id = ? ORDER BY seq ASC, ts ASC`

	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading events for session %s: %w", sessionID, classify(err))
	}
	defer rows.Close()

	var events []*store.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) childSessions(ctx context.Context, parentID string) ([]*store.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE parent_session_id = ?`

	rows, err := s.db.QueryContext(ctx, q, parentID)
	if err != nil {
		return nil, fmt.Errorf("loading child sessions of %s: %w", parentID, classify(err))
	}
	defer rows.Close()

	var sessions []*store.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func collectEventIDs(trace *store.Trace, into map[string]bool) {
	for _, te := range trace.Events {
		into[te.Event.ID] = true
	}
	for _, child := range trace.Children {
		collectEventIDs(child, into)
	}
}

func markUnresolved(trace *store.Trace, known map[string]bool) {
	for _, te := range trace.Events {
		if te.Event.ParentEventID != "" && !known[te.Event.ParentEventID] {
			te.ParentUnresolved = true
		}
	}
	if trace.DelegatingEventID != "" && !known[trace.DelegatingEventID] {
		trace.DelegatingUnresolved = true
	}
	for _, child := range trace.Children {
		markUnresolved(child, known)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
