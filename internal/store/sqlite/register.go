// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package sqlite

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tollgate-dev/tollgate/internal/store"
)

func init() {
	store.RegisterBackend("sqlite", newFromPath)
}

// newFromPath creates the SQLite store inside dataPath, creating the
// directory if needed.
func newFromPath(dataPath string, opts store.Options) (store.Store, error) {
	if err := os.MkdirAll(dataPath, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataPath, err)
	}
	return New(filepath.Join(dataPath, "tollgate.db"), opts.EffectiveDedupWindow())
}
