// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tollgate-dev/tollgate/internal/store"
)

// GetViolationState returns the pattern detector accumulator for a session.
// The lookup is keyed by the explicit session id and nothing else.
func (s *Store) GetViolationState(ctx context.Context, sessionID string) (*store.ViolationState, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required: %w", store.ErrInvalidInput)
	}

	const q = `SELECT session_id, level, rule_counters, total_violations, last_violation_at, updated_at
FROM violation_state WHERE session_id = ?`

	var state store.ViolationState
	var counters string
	var lastViolation, updatedAt int64

	err := s.db.QueryRowContext(ctx, q, sessionID).Scan(
		&state.SessionID,
		&state.Level,
		&counters,
		&state.TotalViolations,
		&lastViolation,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("violation state for session %s: %w", sessionID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting violation state for session %s: %w", sessionID, classify(err))
	}

	if counters != "" && counters != "{}" {
		if err := json.Unmarshal([]byte(counters), &state.RuleCounters); err != nil {
			return nil, fmt.Errorf("unmarshalling rule counters for session %s: %w", sessionID, err)
		}
	}
	state.LastViolationAt = fromMillis(lastViolation)
	state.UpdatedAt = fromMillis(updatedAt)

	return &state, nil
}

// PutViolationState upserts the accumulator for its session.
func (s *Store) PutViolationState(ctx context.Context, state *store.ViolationState) error {
	if err := state.Validate(); err != nil {
		return err
	}

	counters, err := json.Marshal(state.RuleCounters)
	if err != nil {
		return fmt.Errorf("marshalling rule counters: %w", err)
	}

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	const q = `INSERT INTO violation_state (session_id, level, rule_counters, total_violations, last_violation_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	level = excluded.level,
	rule_counters = excluded.rule_counters,
	total_violations = excluded.total_violations,
	last_violation_at = excluded.last_violation_at,
	updated_at = excluded.updated_at`

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q,
			state.SessionID,
			state.Level,
			string(counters),
			state.TotalViolations,
			toMillis(state.LastViolationAt),
			toMillis(updatedAt),
		)
		if err != nil {
			return fmt.Errorf("putting violation state for session %s: %w", state.SessionID, classify(err))
		}
		return nil
	})
}

// ResetViolationState removes the accumulator for a session. Missing state is
// not an error: reset is idempotent.
func (s *Store) ResetViolationState(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required: %w", store.ErrInvalidInput)
	}

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM violation_state WHERE session_id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("resetting violation state for session %s: %w", sessionID, classify(err))
		}
		return nil
	})
}
