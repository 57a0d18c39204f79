// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package sqlite_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tollgate-dev/tollgate/internal/store/sqlite"
)

// testDir creates a temp directory for a test with automatic cleanup.
func testDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tollgate-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// newTestStore opens a fresh store with the given dedup window.
func newTestStore(t *testing.T, dedupWindow time.Duration) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(testDir(t), "tollgate.db"), dedupWindow)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
