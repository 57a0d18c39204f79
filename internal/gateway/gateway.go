// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

// Package gateway is the ingest pipeline: every reported tool invocation
// passes through resolution, recording, and pattern enforcement here, and
// comes out as a single allow/deny decision. The pipeline is bounded by a
// hard deadline and fails open on every internal error: a broken gateway
// must never stop legitimate work.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tollgate-dev/tollgate/internal/detect"
	"github.com/tollgate-dev/tollgate/internal/resolve"
	"github.com/tollgate-dev/tollgate/internal/store"
	tgerr "github.com/tollgate-dev/tollgate/pkg/errors"
	"github.com/tollgate-dev/tollgate/pkg/types"
)

// DiagnosticTool is the reserved tool name under which the gateway records
// its own degradation events. It never matches a policy rule.
const DiagnosticTool = types.DiagnosticTool

// defaultDeadline bounds one full ingest evaluation. Callers sit on the hot
// path of a worker loop; a slow gateway is treated as a broken gateway.
const defaultDeadline = 100 * time.Millisecond

// StreamEvent is one entry on the gateway's live feed.
type StreamEvent struct {
	Kind      string      `json:"kind"`
	SessionID string      `json:"session_id"`
	EventID   string      `json:"event_id,omitempty"`
	ToolName  string      `json:"tool_name,omitempty"`
	Allow     bool        `json:"allow"`
	Level     types.Level `json:"level"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher receives stream events for live observers. Publish must not
// block: a slow observer is the observer's problem, not the ingest path's.
type Publisher interface {
	Publish(event StreamEvent)
}

// Gateway wires the resolver, the detector, and the store into the single
// ingest entry point.
type Gateway struct {
	store    store.Store
	resolver *resolve.Resolver
	detector *detect.Detector
	pub      Publisher
	log      *slog.Logger
	deadline time.Duration
	now      func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDeadline overrides the per-ingest evaluation deadline.
func WithDeadline(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.deadline = d
		}
	}
}

// WithPublisher attaches a live stream publisher.
func WithPublisher(pub Publisher) Option {
	return func(g *Gateway) { g.pub = pub }
}

// WithClock overrides the gateway's time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a Gateway.
func New(st store.Store, resolver *resolve.Resolver, detector *detect.Detector, log *slog.Logger, opts ...Option) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		store:    st,
		resolver: resolver,
		detector: detector,
		log:      log,
		deadline: defaultDeadline,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ingest processes one invocation descriptor end to end and returns the
// enforcement decision. A non-nil error is returned only for caller
// mistakes (malformed descriptor, completion signal for a missing or
// already-completed event); every internal failure degrades to an allow
// decision with Degraded set.
func (g *Gateway) Ingest(ctx context.Context, desc *types.Descriptor) (*types.Decision, error) {
	if desc == nil {
		return nil, tgerr.New(tgerr.CodeGatewayInvocationInvalid, "descriptor is required")
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()

	res := g.resolver.Resolve(ctx, desc)
	if res.Degraded {
		g.diagnostic(res.SessionID, "resolve", nil)
	}

	now := g.now().UTC()
	session := &store.Session{
		ID:                res.SessionID,
		ParentSessionID:   res.ParentSessionID,
		DelegatingEventID: res.ParentEventID,
		Delegated:         res.Delegated,
		CreatedAt:         now,
		LastActivityAt:    now,
	}
	if err := g.store.EnsureSession(ctx, session); err != nil {
		// The session row is bookkeeping; recording and enforcement may
		// still succeed without it, but the decision must say so.
		g.log.Warn("ensure session failed", "session_id", res.SessionID, "error", err)
		g.diagnostic(res.SessionID, "session", err)
		res.Degraded = true
	}

	if desc.CompletionOf != "" {
		return g.complete(ctx, res, desc)
	}

	if res.Delegated {
		return g.recordDelegated(ctx, res, desc)
	}

	history, histErr := g.store.GetRecent(ctx, res.SessionID, g.detector.HistoryLimit())
	if histErr != nil {
		g.log.Warn("history unavailable, evaluating without it",
			"session_id", res.SessionID, "error", histErr)
		g.diagnostic(res.SessionID, "history", histErr)
		history = nil
	}

	decision, evalErr := g.detector.Evaluate(ctx, res.SessionID, desc, history)
	if evalErr != nil {
		g.log.Warn("degraded evaluation", "session_id", res.SessionID, "error", evalErr)
		g.diagnostic(res.SessionID, "detect", evalErr)
	}
	decision.SessionID = res.SessionID
	decision.Degraded = decision.Degraded || res.Degraded || histErr != nil

	// Blocked attempts are recorded too: the trace must show what the
	// worker tried during an open breaker, and dedup still applies.
	eventID, err := g.record(ctx, res, desc, decision)
	if err != nil {
		g.log.Warn("event recording failed", "session_id", res.SessionID, "error", err)
		g.diagnostic(res.SessionID, "record", err)
		decision.Degraded = true
	}
	decision.EventID = eventID

	if g.deadlineExpired(ctx) {
		decision.Degraded = true
		g.diagnostic(res.SessionID, "deadline", tgerr.New(tgerr.CodeGatewayDeadlineExceeded,
			"ingest evaluation exceeded its deadline"))
	}

	g.publish("decision", res.SessionID, eventID, desc.ToolName, decision)
	return decision, nil
}

// complete handles a completion signal: it marks the referenced event done
// instead of recording a fresh invocation. Completion mistakes are the
// caller's to see; only storage unavailability fails open.
func (g *Gateway) complete(ctx context.Context, res *resolve.Resolution, desc *types.Descriptor) (*types.Decision, error) {
	status := store.EventStatus(desc.CompletionStatus)
	err := g.store.CompleteEvent(ctx, desc.CompletionOf, status, desc.ChildEventCount)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		return nil, tgerr.Wrapf(err, tgerr.CodeStoreEventNotFound,
			"completion signal for unknown event %s", desc.CompletionOf)
	case errors.Is(err, store.ErrConflict):
		return nil, tgerr.Wrapf(err, tgerr.CodeStoreEventCompleteDone,
			"event %s was already completed", desc.CompletionOf)
	case errors.Is(err, store.ErrInvalidInput):
		return nil, err
	default:
		g.log.Warn("completion signal failed", "event_id", desc.CompletionOf, "error", err)
		g.diagnostic(res.SessionID, "complete", err)
		return &types.Decision{
			Allow: true, Level: types.LevelNormal,
			Message: "completion signal not recorded: store unavailable",
			EventID: desc.CompletionOf, SessionID: res.SessionID, Degraded: true,
		}, nil
	}

	decision := &types.Decision{
		Allow: true, Level: types.LevelNormal,
		EventID: desc.CompletionOf, SessionID: res.SessionID,
		Degraded: res.Degraded,
	}
	g.publish("completion", res.SessionID, desc.CompletionOf, desc.ToolName, decision)
	return decision, nil
}

// recordDelegated records an invocation from a delegated session without
// running pattern enforcement. Child sessions are exempt: their tight loops
// are the delegating session's responsibility.
func (g *Gateway) recordDelegated(ctx context.Context, res *resolve.Resolution, desc *types.Descriptor) (*types.Decision, error) {
	decision := &types.Decision{
		Allow: true, Level: types.LevelNormal,
		SessionID: res.SessionID, Degraded: res.Degraded,
	}
	eventID, err := g.record(ctx, res, desc, decision)
	if err != nil {
		g.log.Warn("delegated event recording failed", "session_id", res.SessionID, "error", err)
		g.diagnostic(res.SessionID, "record", err)
		decision.Degraded = true
	}
	decision.EventID = eventID
	g.publish("decision", res.SessionID, eventID, desc.ToolName, decision)
	return decision, nil
}

// record appends the invocation event. The returned id is the original
// event's id when the append deduplicated against a recent submission.
func (g *Gateway) record(ctx context.Context, res *resolve.Resolution, desc *types.Descriptor, decision *types.Decision) (string, error) {
	event := &store.Event{
		SessionID:     res.SessionID,
		ToolName:      desc.ToolName,
		InputDigest:   desc.InputDigest,
		ParentEventID: res.ParentEventID,
		Delegated:     res.Delegated,
	}
	if !decision.Allow {
		event.Status = store.EventStatusFailed
	}
	id, err := g.store.AppendEvent(ctx, event)
	if err != nil {
		return id, err
	}

	// A deduplicated resubmission can carry an explicit parent marker the
	// original report lacked; back-fill the link so late attribution still
	// lands on the stored event. Best effort: a failed back-fill leaves the
	// original record intact.
	if desc.ParentMarker != "" && event.ID != id {
		if linkErr := g.store.LinkParent(ctx, id, desc.ParentMarker); linkErr != nil {
			g.log.Debug("parent link back-fill failed",
				"event_id", id, "parent_event_id", desc.ParentMarker, "error", linkErr)
		}
	}
	return id, nil
}

// Trace assembles the causal tree rooted at a session.
func (g *Gateway) Trace(ctx context.Context, rootSessionID string) (*store.Trace, error) {
	if rootSessionID == "" {
		return nil, tgerr.New(tgerr.CodeStoreInvalidInput, "trace: session id is required")
	}
	return g.store.GetSessionTrace(ctx, rootSessionID)
}

// Sessions lists known sessions, newest activity first.
func (g *Gateway) Sessions(ctx context.Context, opts store.ListOpts) ([]*store.Session, error) {
	return g.store.ListSessions(ctx, opts)
}

// Reset clears a session's violation accumulator, closing an open breaker.
func (g *Gateway) Reset(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return tgerr.New(tgerr.CodeStoreInvalidInput, "reset: session id is required")
	}
	if err := g.detector.Reset(ctx, sessionID); err != nil {
		return err
	}
	g.publish("reset", sessionID, "", "", &types.Decision{Allow: true, Level: types.LevelNormal})
	return nil
}

// diagnostic records a degradation marker into the event log, best effort.
// It uses a detached short context: the diagnostic must not consume the
// caller's remaining deadline, and must still be attempted after expiry.
func (g *Gateway) diagnostic(sessionID, stage string, cause error) {
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	digest := fmt.Sprintf("stage:%s", stage)
	if cause != nil {
		if code := tgerr.CodeOf(cause); code != "" {
			digest = fmt.Sprintf("stage:%s code:%s", stage, code)
		}
	}
	_, err := g.store.AppendEvent(ctx, &store.Event{
		SessionID:   sessionID,
		ToolName:    DiagnosticTool,
		InputDigest: digest,
	})
	if err != nil {
		g.log.Debug("diagnostic event not recorded",
			"session_id", sessionID, "stage", stage, "error", err)
	}
}

func (g *Gateway) deadlineExpired(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func (g *Gateway) publish(kind, sessionID, eventID, tool string, decision *types.Decision) {
	if g.pub == nil {
		return
	}
	g.pub.Publish(StreamEvent{
		Kind:      kind,
		SessionID: sessionID,
		EventID:   eventID,
		ToolName:  tool,
		Allow:     decision.Allow,
		Level:     decision.Level,
		Timestamp: g.now().UTC(),
	})
}
