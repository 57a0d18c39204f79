// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package store

import (
	"sync"
	"time"

	tgerr "github.com/tollgate-dev/tollgate/pkg/errors"
)

// defaultDedupWindow is how long an identical (session, tool, digest)
// submission is absorbed by the idempotency key.
const defaultDedupWindow = 5 * time.Second

// Options tunes backend behaviour common to all implementations.
type Options struct {
	// DedupWindow is the duplicate-submission absorption window;
	// 0 uses the default (5s).
	DedupWindow time.Duration
}

// EffectiveDedupWindow returns the configured window or the default.
func (o Options) EffectiveDedupWindow() time.Duration {
	if o.DedupWindow > 0 {
		return o.DedupWindow
	}
	return defaultDedupWindow
}

// Factory creates a Store given a data directory path.
type Factory func(dataPath string, opts Options) (Store, error)

var (
	factories   = map[string]Factory{}
	factoriesMu sync.RWMutex
)

// RegisterBackend registers a factory for a named storage backend.
// Backend packages call this from init(). Registering the same name twice is
// rejected at first use: overlapping registrations were historically a source
// of double-recorded events, so the registry keeps only the first and Open
// fails loudly on a duplicate.
func RegisterBackend(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		factories[name] = nil
		return
	}
	factories[name] = f
}

// resolveBackend returns the effective backend name, defaulting to "sqlite".
func resolveBackend(name string) string {
	if name == "" {
		return "sqlite"
	}
	return name
}

// Open creates a Store for the named backend rooted at dataPath.
func Open(backend, dataPath string, opts Options) (Store, error) {
	backend = resolveBackend(backend)

	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, tgerr.Errorf(tgerr.CodeStoreBackendUnsupported, "unsupported storage backend: %q", backend)
	}
	if factory == nil {
		return nil, tgerr.Errorf(tgerr.CodeStoreBackendUnsupported, "storage backend %q registered more than once", backend)
	}

	return factory(dataPath, opts)
}
