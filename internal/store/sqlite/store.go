// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

// Package sqlite implements the tollgate event store on a single SQLite
// database. Events, sessions, and violation state live in one file so a
// gateway call needs exactly one connection pool.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/tollgate-dev/tollgate/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

const (
	// writeAttempts bounds immediate retries on transient contention.
	writeAttempts = 3
	// retryBackoff is the base delay between attempts; it grows linearly.
	retryBackoff = 20 * time.Millisecond
)

// Store implements store.Store backed by SQLite.
type Store struct {
	db          *sql.DB
	dedupWindow time.Duration
}

// New opens (or creates) a SQLite database at dbPath and initialises the
// schema. The deduplication window controls how long identical submissions
// are absorbed by the idempotency key; non-positive means the default.
func New(dbPath string, dedupWindow time.Duration) (*Store, error) {
	if dedupWindow <= 0 {
		dedupWindow = store.Options{}.EffectiveDedupWindow()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite db: %w", err)
	}

	return &Store{db: db, dedupWindow: dedupWindow}, nil
}

func migrate(db *sql.DB) error {
	// No foreign keys on purpose: parent references are soft and may point
	// at events or sessions that were never ingested, and events may arrive
	// before the session or parent they name.
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
	id                  TEXT PRIMARY KEY,
	parent_session_id   TEXT NOT NULL DEFAULT '',
	delegating_event_id TEXT NOT NULL DEFAULT '',
	delegated           INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	last_activity_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);
CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(delegated, last_activity_at);

CREATE TABLE IF NOT EXISTS events (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	tool_name       TEXT NOT NULL,
	input_digest    TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	ts              INTEGER NOT NULL,
	dedup_bucket    INTEGER NOT NULL,
	parent_event_id TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT '',
	child_count     INTEGER NOT NULL DEFAULT 0,
	delegated       INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup ON events(session_id, tool_name, input_digest, dedup_bucket);

CREATE TABLE IF NOT EXISTS violation_state (
	session_id        TEXT PRIMARY KEY,
	level             TEXT NOT NULL DEFAULT 'normal',
	rule_counters     TEXT NOT NULL DEFAULT '{}',
	total_violations  INTEGER NOT NULL DEFAULT 0,
	last_violation_at INTEGER NOT NULL DEFAULT 0,
	updated_at        INTEGER NOT NULL
);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry runs op up to writeAttempts times, backing off briefly between
// attempts, as long as the failure classifies as transient. Exhausting the
// retries returns the transient error for the caller to degrade on.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}
		err = op()
		if err == nil || !errors.Is(err, store.ErrTransient) {
			return err
		}
	}
	return err
}

// classify maps a raw sqlite error onto the store sentinels so callers can
// distinguish transient contention from hard failures.
func classify(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", store.ErrTransient, err)
		}
	}
	return fmt.Errorf("%w: %v", store.ErrDatabase, err)
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// toMillis serialises a time.Time as UTC unix milliseconds. Integer storage
// keeps window queries and ordering comparisons exact.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

// fromMillis deserialises a unix-millisecond column.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
