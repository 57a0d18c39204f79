// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tollgate-dev/tollgate/internal/store"
)

func TestViolationState_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Second)

	lastViolation := time.Now().Truncate(time.Millisecond)
	state := &store.ViolationState{
		SessionID:       "sess-1",
		Level:           "guidance",
		RuleCounters:    map[string]int{"consecutive_read": 5, "consecutive_search": 2},
		TotalViolations: 3,
		LastViolationAt: lastViolation,
	}
	require.NoError(t, s.PutViolationState(ctx, state))

	got, err := s.GetViolationState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "guidance", got.Level)
	assert.Equal(t, 3, got.TotalViolations)
	assert.Equal(t, 5, got.RuleCounters["consecutive_read"])
	assert.Equal(t, 2, got.RuleCounters["consecutive_search"])
	assert.True(t, got.LastViolationAt.Equal(lastViolation), "got %v, want %v", got.LastViolationAt, lastViolation)
}

func TestViolationState_UpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Second)

	require.NoError(t, s.PutViolationState(ctx, &store.ViolationState{
		SessionID: "sess-1", Level: "guidance", TotalViolations: 1,
	}))
	require.NoError(t, s.PutViolationState(ctx, &store.ViolationState{
		SessionID: "sess-1", Level: "blocked", TotalViolations: 5,
	}))

	got, err := s.GetViolationState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "blocked", got.Level)
	assert.Equal(t, 5, got.TotalViolations)
}

func TestViolationState_NotFoundBeforeFirstEvaluation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Second)

	_, err := s.GetViolationState(ctx, "sess-never-evaluated")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestViolationState_ScopedBySession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Second)

	require.NoError(t, s.PutViolationState(ctx, &store.ViolationState{
		SessionID: "sess-a", Level: "blocked", TotalViolations: 9,
	}))

	_, err := s.GetViolationState(ctx, "sess-b")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResetViolationState_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Second)

	require.NoError(t, s.PutViolationState(ctx, &store.ViolationState{
		SessionID: "sess-1", Level: "blocked", TotalViolations: 5,
	}))

	require.NoError(t, s.ResetViolationState(ctx, "sess-1"))
	_, err := s.GetViolationState(ctx, "sess-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Resetting again is not an error.
	require.NoError(t, s.ResetViolationState(ctx, "sess-1"))
}
