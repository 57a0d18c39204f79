// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

// Package resolve determines, for each incoming invocation, its session
// identity, its causal parent, and whether it executes in a delegated/exempt
// context. Identity is always taken from the invocation itself or from
// context explicitly carried to it; no ambient global state is consulted.
package resolve

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate-dev/tollgate/internal/store"
	"github.com/tollgate-dev/tollgate/pkg/types"
)

// defaultContinuityWindow bounds how stale a persisted "most recent active
// session" may be before the last-resort heuristic gives up.
const defaultContinuityWindow = 15 * time.Minute

// Source records which resolution step produced the session identity.
type Source string

const (
	SourceDescriptor  Source = "descriptor"
	SourceContext     Source = "context"
	SourceContinuity  Source = "continuity"
	SourceSynthesized Source = "synthesized"
)

// Resolution is the resolver's answer for one invocation.
type Resolution struct {
	SessionID string
	// ParentSessionID is the delegating session, when one could be
	// determined. Soft reference.
	ParentSessionID string
	// ParentEventID is the presumed causal parent event. Soft reference;
	// explicit markers win over any heuristic.
	ParentEventID string
	Delegated     bool
	Source        Source
	// Degraded is set when the continuity lookup failed and resolution fell
	// through to synthesis; the gateway records a diagnostic for it.
	Degraded bool
}

// Resolver produces session identity for incoming invocations.
type Resolver struct {
	sessions         store.SessionStore
	continuityWindow time.Duration
	log              *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithContinuityWindow overrides the continuity heuristic's staleness bound.
func WithContinuityWindow(window time.Duration) Option {
	return func(r *Resolver) {
		if window > 0 {
			r.continuityWindow = window
		}
	}
}

// New creates a Resolver backed by the given session store.
func New(sessions store.SessionStore, log *slog.Logger, opts ...Option) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{
		sessions:         sessions,
		continuityWindow: defaultContinuityWindow,
		log:              log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve determines session identity for one invocation descriptor.
// Precedence, first match wins:
//
//  1. an explicit session id on the descriptor
//  2. the process-local context token attached at delegation launch
//  3. the persisted most-recent-active session (continuity heuristic)
//  4. a freshly synthesized session id
//
// Resolve never fails hard: a broken continuity lookup degrades to
// synthesis so the enclosing gateway call can still complete.
func (r *Resolver) Resolve(ctx context.Context, desc *types.Descriptor) *Resolution {
	res := &Resolution{
		ParentSessionID: desc.ParentSessionID,
		ParentEventID:   desc.ParentMarker,
		Delegated:       r.isDelegated(ctx, desc),
	}

	if desc.SessionID != "" {
		res.SessionID = desc.SessionID
		res.Source = SourceDescriptor
	} else if id, ok := SessionFrom(ctx); ok {
		res.SessionID = id
		res.Source = SourceContext
	} else if id, degraded := r.continuity(ctx); id != "" || degraded {
		if id != "" {
			res.SessionID = id
			res.Source = SourceContinuity
		} else {
			res.SessionID = newSessionID()
			res.Source = SourceSynthesized
			res.Degraded = true
		}
	} else {
		res.SessionID = newSessionID()
		res.Source = SourceSynthesized
	}

	// A delegated invocation that named its own session but not its parent
	// inherits the launching context's session as the delegating parent.
	// Explicit parent references always win over this inference.
	if res.Delegated && res.ParentSessionID == "" {
		if launcher, ok := SessionFrom(ctx); ok && launcher != res.SessionID {
			res.ParentSessionID = launcher
		}
	}

	return res
}

// isDelegated combines independent delegation signals; any strong signal
// wins. Enforcement is short-circuited for delegated contexts, but their
// events are still recorded for observability.
func (r *Resolver) isDelegated(ctx context.Context, desc *types.Descriptor) bool {
	if desc.DelegatedMarker {
		return true
	}
	if isSubagentRole(desc.AgentRole) {
		return true
	}
	return DelegatedFrom(ctx)
}

// continuity consults the persisted most-recent-active session. It is the
// lowest-priority step and purely best-effort: store failures degrade to
// synthesis rather than failing the invocation.
func (r *Resolver) continuity(ctx context.Context) (string, bool) {
	session, err := r.sessions.MostRecentActive(ctx, r.continuityWindow)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", false
		}
		r.log.Warn("continuity lookup failed, synthesizing session", "error", err)
		return "", true
	}
	return session.ID, false
}

func isSubagentRole(role string) bool {
	switch role {
	case "subagent", "task", "delegate", "worker":
		return true
	default:
		return false
	}
}

func newSessionID() string {
	return "sess-" + uuid.NewString()
}
