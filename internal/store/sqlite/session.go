// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tollgate-dev/tollgate/internal/store"
)

const sessionColumns = `id, parent_session_id, delegating_event_id, delegated, created_at, last_activity_at`

// EnsureSession creates the session on first observation of its id, and
// bumps last-activity on every later call. The parent reference and the
// delegated flag are fixed by the first write; later submissions cannot
// rewrite a session's causal origin.
func (s *Store) EnsureSession(ctx context.Context, session *store.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}

	activity := session.LastActivityAt
	if activity.IsZero() {
		activity = time.Now()
	}

	const q = `INSERT INTO sessions (id, parent_session_id, delegating_event_id, delegated, created_at, last_activity_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET last_activity_at = excluded.last_activity_at`

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q,
			session.ID,
			session.ParentSessionID,
			session.DelegatingEventID,
			boolToInt(session.Delegated),
			toMillis(session.CreatedAt),
			toMillis(activity),
		)
		if err != nil {
			return fmt.Errorf("ensuring session %s: %w", session.ID, classify(err))
		}
		return nil
	})
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required: %w", store.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, classify(err))
	}
	return session, nil
}

// MostRecentActive returns the non-delegated session with the newest activity
// inside the window. This is the lowest-priority continuity heuristic for the
// context resolver, never a primary source of session identity.
func (s *Store) MostRecentActive(ctx context.Context, within time.Duration) (*store.Session, error) {
	since := toMillis(time.Now().Add(-within))

	const q = `SELECT ` + sessionColumns + ` FROM sessions
WHERE delegated = 0 AND last_activity_at >= ?
ORDER BY last_activity_at DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, q, since)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no recently active session: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding most recent active session: %w", classify(err))
	}
	return session, nil
}

// ListSessions returns sessions ordered by last activity, newest first.
func (s *Store) ListSessions(ctx context.Context, opts store.ListOpts) ([]*store.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	const q = `SELECT ` + sessionColumns + ` FROM sessions
ORDER BY last_activity_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, q, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", classify(err))
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

func scanSession(row rowScanner) (*store.Session, error) {
	var session store.Session
	var delegated int
	var createdAt, lastActivity int64

	if err := row.Scan(
		&session.ID,
		&session.ParentSessionID,
		&session.DelegatingEventID,
		&delegated,
		&createdAt,
		&lastActivity,
	); err != nil {
		return nil, err
	}

	session.Delegated = delegated != 0
	session.CreatedAt = fromMillis(createdAt)
	session.LastActivityAt = fromMillis(lastActivity)
	return &session, nil
}
