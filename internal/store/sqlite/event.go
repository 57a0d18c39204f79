// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tollgate-dev/tollgate/internal/store"
)

const eventColumns = `id, session_id, tool_name, input_digest, seq, ts, parent_event_id, status, child_count, delegated`

// AppendEvent stores a new event, assigning its id and per-session sequence
// number. Submitting the same (session, tool, digest) within the dedup window
// returns the already-stored id and writes nothing.
func (s *Store) AppendEvent(ctx context.Context, event *store.Event) (string, error) {
	if err := event.Validate(); err != nil {
		return "", err
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	tsMillis := toMillis(ts)
	windowMillis := s.dedupWindow.Milliseconds()
	since := tsMillis - windowMillis

	var id string
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify(err)
		}
		defer tx.Rollback()

		// Absorb duplicate submissions inside the dedup window. This catches
		// the same logical action being reported by overlapping recorders.
		existing, err := duplicateIn(ctx, tx, event, since)
		if err != nil {
			return err
		}
		if existing != "" {
			id = existing
			return nil
		}

		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`,
			event.SessionID,
		).Scan(&seq); err != nil {
			return classify(err)
		}
		seq++

		newID := event.ID
		if newID == "" {
			newID = newEventID()
		}

		const q = `INSERT INTO events (id, session_id, tool_name, input_digest, seq, ts, dedup_bucket, parent_event_id, status, child_count, delegated)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		_, err = tx.ExecContext(ctx, q,
			newID,
			event.SessionID,
			event.ToolName,
			event.InputDigest,
			seq,
			tsMillis,
			tsMillis/windowMillis,
			event.ParentEventID,
			string(event.Status),
			event.ChildCount,
			boolToInt(event.Delegated),
		)
		if err != nil {
			if isUniqueViolation(err) {
				// Either a racing writer landed the same logical event in this
				// dedup bucket, or two writers computed the same sequence
				// number. The first resolves to the existing id; the second
				// retries as transient contention.
				if existing, lookupErr := s.duplicateID(ctx, event, since); lookupErr == nil && existing != "" {
					id = existing
					return nil
				}
				return fmt.Errorf("%w: %v", store.ErrTransient, err)
			}
			return classify(err)
		}

		if err := tx.Commit(); err != nil {
			return classify(err)
		}

		event.ID = newID
		event.Seq = seq
		event.Timestamp = fromMillis(tsMillis)
		id = newID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("appending event for session %s: %w", event.SessionID, err)
	}
	return id, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// duplicateIn looks for an already-stored event matching the idempotency key
// within the dedup window. Returns "" when none exists.
func duplicateIn(ctx context.Context, q querier, event *store.Event, sinceMillis int64) (string, error) {
	const query = `SELECT id FROM events
WHERE session_id = ? AND tool_name = ? AND input_digest = ? AND ts >= ?
ORDER BY ts DESC LIMIT 1`

	var id string
	err := q.QueryRowContext(ctx, query, event.SessionID, event.ToolName, event.InputDigest, sinceMillis).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

func (s *Store) duplicateID(ctx context.Context, event *store.Event, sinceMillis int64) (string, error) {
	return duplicateIn(ctx, s.db, event, sinceMillis)
}

// GetEvent returns a single event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*store.Event, error) {
	if id == "" {
		return nil, fmt.Errorf("event id is required: %w", store.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting event %s: %w", id, classify(err))
	}
	return event, nil
}

// GetRecent returns the most recent events for one session ordered by
// sequence number ascending. The session id is mandatory: there is no
// wildcard or cross-session form of this query.
func (s *Store) GetRecent(ctx context.Context, sessionID string, limit int) ([]*store.Event, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required: %w", store.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	// Sub-select the N most recent, then re-order by sequence ascending.
	const q = `SELECT ` + eventColumns + ` FROM (
	SELECT ` + eventColumns + ` FROM events WHERE session_id = ?
	ORDER BY seq DESC, ts DESC LIMIT ?
) ORDER BY seq ASC, ts ASC`

	rows, err := s.db.QueryContext(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("getting recent events for session %s: %w", sessionID, classify(err))
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

// LinkParent records a soft causal link on an existing event. The parent is
// not required to exist; a dangling link surfaces as "unresolved" in traces.
func (s *Store) LinkParent(ctx context.Context, eventID, parentEventID string) error {
	if eventID == "" || parentEventID == "" {
		return fmt.Errorf("event id and parent event id are required: %w", store.ErrInvalidInput)
	}

	return s.withRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE events SET parent_event_id = ? WHERE id = ?`,
			parentEventID, eventID,
		)
		if err != nil {
			return fmt.Errorf("linking event %s to parent %s: %w", eventID, parentEventID, classify(err))
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected for event %s: %w", eventID, classify(err))
		}
		if rows == 0 {
			return fmt.Errorf("event %s: %w", eventID, store.ErrNotFound)
		}
		return nil
	})
}

// CompleteEvent sets the completion status and approximate child count for an
// event. The fields are one-shot: a second completion signal is a conflict.
func (s *Store) CompleteEvent(ctx context.Context, eventID string, status store.EventStatus, childCount int) error {
	if eventID == "" {
		return fmt.Errorf("event id is required: %w", store.ErrInvalidInput)
	}
	if !status.Valid() {
		return fmt.Errorf("invalid completion status %q: %w", status, store.ErrInvalidInput)
	}
	if childCount < 0 {
		return fmt.Errorf("child count must be >= 0, got %d: %w", childCount, store.ErrInvalidInput)
	}

	return s.withRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE events SET status = ?, child_count = ? WHERE id = ? AND status = ''`,
			string(status), childCount, eventID,
		)
		if err != nil {
			return fmt.Errorf("completing event %s: %w", eventID, classify(err))
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected for event %s: %w", eventID, classify(err))
		}
		if rows == 0 {
			var exists int
			if err := s.db.QueryRowContext(ctx,
				`SELECT COUNT(1) FROM events WHERE id = ?`, eventID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("checking event %s: %w", eventID, classify(err))
			}
			if exists == 0 {
				return fmt.Errorf("event %s: %w", eventID, store.ErrNotFound)
			}
			return fmt.Errorf("event %s already completed: %w", eventID, store.ErrConflict)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*store.Event, error) {
	var event store.Event
	var ts int64
	var status string
	var delegated int

	if err := row.Scan(
		&event.ID,
		&event.SessionID,
		&event.ToolName,
		&event.InputDigest,
		&event.Seq,
		&ts,
		&event.ParentEventID,
		&status,
		&event.ChildCount,
		&delegated,
	); err != nil {
		return nil, err
	}

	event.Timestamp = fromMillis(ts)
	event.Status = store.EventStatus(status)
	event.Delegated = delegated != 0
	return &event, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newEventID generates a short random event id.
func newEventID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("evt-%x", time.Now().UnixNano())
	}
	return "evt-" + hex.EncodeToString(b)
}
