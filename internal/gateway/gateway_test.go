// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package gateway_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tollgate-dev/tollgate/internal/detect"
	"github.com/tollgate-dev/tollgate/internal/gateway"
	"github.com/tollgate-dev/tollgate/internal/resolve"
	"github.com/tollgate-dev/tollgate/internal/store"
	"github.com/tollgate-dev/tollgate/internal/store/sqlite"
	tgerr "github.com/tollgate-dev/tollgate/pkg/errors"
	"github.com/tollgate-dev/tollgate/pkg/types"
)

// capturePublisher records published stream events in order.
type capturePublisher struct {
	events []gateway.StreamEvent
}

func (c *capturePublisher) Publish(event gateway.StreamEvent) {
	c.events = append(c.events, event)
}

// failingStore wraps a real store and fails selected operations.
type failingStore struct {
	store.Store
	failRecent   bool
	failStates   bool
	failAppend   bool
	failSessions bool
}

var errInjected = errors.New("injected failure")

func (f *failingStore) GetRecent(ctx context.Context, sessionID string, limit int) ([]*store.Event, error) {
	if f.failRecent {
		return nil, errInjected
	}
	return f.Store.GetRecent(ctx, sessionID, limit)
}

func (f *failingStore) GetViolationState(ctx context.Context, sessionID string) (*store.ViolationState, error) {
	if f.failStates {
		return nil, errInjected
	}
	return f.Store.GetViolationState(ctx, sessionID)
}

func (f *failingStore) AppendEvent(ctx context.Context, event *store.Event) (string, error) {
	if f.failAppend {
		return "", errInjected
	}
	return f.Store.AppendEvent(ctx, event)
}

func (f *failingStore) EnsureSession(ctx context.Context, session *store.Session) error {
	if f.failSessions {
		return errInjected
	}
	return f.Store.EnsureSession(ctx, session)
}

func testPolicy() *detect.Policy {
	return &detect.Policy{
		Rules:            []detect.Rule{{Name: "consecutive_read", Tools: []string{"read_file"}, Threshold: 3}},
		BreakerThreshold: 1,
		BurstWindow:      10 * time.Second,
		DecayWindow:      5 * time.Minute,
		HistoryLimit:     50,
	}
}

type fixture struct {
	gw  *gateway.Gateway
	st  store.Store
	pub *capturePublisher
}

func newFixture(t *testing.T, policy *detect.Policy, wrap func(store.Store) store.Store, opts ...gateway.Option) *fixture {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "tollgate.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var backing store.Store = st
	if wrap != nil {
		backing = wrap(st)
	}

	pub := &capturePublisher{}
	resolver := resolve.New(backing, nil)
	detector := detect.New(policy, backing, nil)
	opts = append([]gateway.Option{gateway.WithPublisher(pub), gateway.WithDeadline(time.Second)}, opts...)
	return &fixture{
		gw:  gateway.New(backing, resolver, detector, nil, opts...),
		st:  st,
		pub: pub,
	}
}

func descriptor(session, tool, digest string) *types.Descriptor {
	return &types.Descriptor{SessionID: session, ToolName: tool, InputDigest: digest}
}

func TestIngest_RecordsAndAllows(t *testing.T) {
	f := newFixture(t, testPolicy(), nil)
	ctx := context.Background()

	decision, err := f.gw.Ingest(ctx, descriptor("sess-a", "write_file", "sha256:1"))
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, types.LevelNormal, decision.Level)
	assert.Equal(t, "sess-a", decision.SessionID)
	require.NotEmpty(t, decision.EventID)
	assert.False(t, decision.Degraded)

	event, err := f.st.GetEvent(ctx, decision.EventID)
	require.NoError(t, err)
	assert.Equal(t, "write_file", event.ToolName)

	session, err := f.st.GetSession(ctx, "sess-a")
	require.NoError(t, err)
	assert.False(t, session.Delegated)
	assert.False(t, session.CreatedAt.IsZero(), "the gateway stamps the session's creation time")
	assert.False(t, session.LastActivityAt.IsZero())
}

func TestIngest_RejectsMalformedDescriptor(t *testing.T) {
	f := newFixture(t, testPolicy(), nil)

	_, err := f.gw.Ingest(context.Background(), &types.Descriptor{ToolName: "read_file"})
	require.Error(t, err)
	assert.True(t, tgerr.HasCode(err, tgerr.CodeGatewayInvocationInvalid))

	_, err = f.gw.Ingest(context.Background(), nil)
	require.Error(t, err)
}

func TestIngest_DeduplicatesResubmission(t *testing.T) {
	f := newFixture(t, testPolicy(), nil)
	ctx := context.Background()

	first, err := f.gw.Ingest(ctx, descriptor("sess-a", "write_file", "sha256:same"))
	require.NoError(t, err)
	second, err := f.gw.Ingest(ctx, descriptor("sess-a", "write_file", "sha256:same"))
	require.NoError(t, err)

	assert.Equal(t, first.EventID, second.EventID, "a retried report maps to the original event")
}

func TestIngest_DeduplicatedResubmissionBackfillsParent(t *testing.T) {
	f := newFixture(t, testPolicy(), nil)
	ctx := context.Background()

	launcher, err := f.gw.Ingest(ctx, descriptor("sess-a", "task", "sha256:launch"))
	require.NoError(t, err)
	first, err := f.gw.Ingest(ctx, descriptor("sess-a", "write_file", "sha256:same"))
	require.NoError(t, err)

	event, err := f.st.GetEvent(ctx, first.EventID)
	require.NoError(t, err)
	require.Empty(t, event.ParentEventID)

	// The retried report knows its causal parent; the original record
	// picks up the link.
	retry := descriptor("sess-a", "write_file", "sha256:same")
	retry.ParentMarker = launcher.EventID
	second, err := f.gw.Ingest(ctx, retry)
	require.NoError(t, err)
	require.Equal(t, first.EventID, second.EventID)

	event, err = f.st.GetEvent(ctx, first.EventID)
	require.NoError(t, err)
	assert.Equal(t, launcher.EventID, event.ParentEventID)
}

func TestIngest_SynthesizesSessionWhenUnidentified(t *testing.T) {
	f := newFixture(t, testPolicy(), nil)

	decision, err := f.gw.Ingest(context.Background(), descriptor("", "write_file", "sha256:1"))
	require.NoError(t, err)
	assert.Contains(t, decision.SessionID, "sess-")

	// The synthesized session is persisted and resolvable afterwards.
	_, err = f.st.GetSession(context.Background(), decision.SessionID)
	require.NoError(t, err)
}

func TestIngest_EscalatesThenBlocks(t *testing.T) {
	f := newFixture(t, testPolicy(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := f.gw.Ingest(ctx, descriptor("sess-a", "read_file", "sha256:"+string(rune('a'+i))))
		require.NoError(t, err)
		assert.True(t, d.Allow)
		assert.Equal(t, types.LevelNormal, d.Level)
	}

	// Third consecutive read crosses the threshold; with a breaker
	// threshold of one violation, that call is blocked outright.
	blocked, err := f.gw.Ingest(ctx, descriptor("sess-a", "read_file", "sha256:c"))
	require.NoError(t, err)
	assert.False(t, blocked.Allow)
	assert.Equal(t, types.LevelBlocked, blocked.Level)
	assert.Equal(t, "consecutive_read", blocked.MatchedRule)

	// The blocked attempt is still recorded for the trace.
	require.NotEmpty(t, blocked.EventID)
	event, err := f.st.GetEvent(ctx, blocked.EventID)
	require.NoError(t, err)
	assert.Equal(t, store.EventStatusFailed, event.Status)
}

func TestIngest_DelegatedSessionBypassesEnforcement(t *testing.T) {
	f := newFixture(t, testPolicy(), nil)
	ctx := context.Background()

	var last *types.Decision
	for i := 0; i < 6; i++ {
		desc := descriptor("sess-child", "read_file", "sha256:"+string(rune('a'+i)))
		desc.DelegatedMarker = true
		desc.ParentSessionID = "sess-parent"

		var err error
		last, err = f.gw.Ingest(ctx, desc)
		require.NoError(t, err)
		assert.True(t, last.Allow)
		assert.Equal(t, types.LevelNormal, last.Level)
	}

	event, err := f.st.GetEvent(ctx, last.EventID)
	require.NoError(t, err)
	assert.True(t, event.Delegated)

	session, err := f.st.GetSession(ctx, "sess-child")
	require.NoError(t, err)
	assert.True(t, session.Delegated)
	assert.Equal(t, "sess-parent", session.ParentSessionID)
}

func TestIngest_CompletionSignal(t *testing.T) {
	f := newFixture(t, testPolicy(), nil)
	ctx := context.Background()

	recorded, err := f.gw.Ingest(ctx, descriptor("sess-a", "bash", "sha256:1"))
	require.NoError(t, err)

	completion := descriptor("sess-a", "bash", "sha256:1-done")
	completion.CompletionOf = recorded.EventID
	completion.CompletionStatus = "completed"
	completion.ChildEventCount = 3

	decision, err := f.gw.Ingest(ctx, completion)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, recorded.EventID, decision.EventID)

	event, err := f.st.GetEvent(ctx, recorded.EventID)
	require.NoError(t, err)
	assert.Equal(t, store.EventStatusCompleted, event.Status)
	assert.Equal(t, 3, event.ChildCount)

	// Completion is exactly-once; a second signal is a caller error.
	_, err = f.gw.Ingest(ctx, completion)
	require.Error(t, err)
	assert.True(t, tgerr.HasCode(err, tgerr.CodeStoreEventCompleteDone))
}

func TestIngest_CompletionForUnknownEvent(t *testing.T) {
	f := newFixture(t, testPolicy(), nil)

	completion := descriptor("sess-a", "bash", "sha256:1")
	completion.CompletionOf = "evt-missing"
	completion.CompletionStatus = "failed"

	_, err := f.gw.Ingest(context.Background(), completion)
	require.Error(t, err)
	assert.True(t, tgerr.IsNotFound(err))
}

func TestIngest_FailsOpenWhenEnforcementStateDown(t *testing.T) {
	f := newFixture(t, testPolicy(), func(st store.Store) store.Store {
		return &failingStore{Store: st, failStates: true}
	})

	decision, err := f.gw.Ingest(context.Background(), descriptor("sess-a", "read_file", "sha256:1"))
	require.NoError(t, err)
	assert.True(t, decision.Allow, "enforcement outage must not block work")
	assert.True(t, decision.Degraded)
}

func TestIngest_FailsOpenWhenSessionPersistenceDown(t *testing.T) {
	f := newFixture(t, testPolicy(), func(st store.Store) store.Store {
		return &failingStore{Store: st, failSessions: true}
	})

	decision, err := f.gw.Ingest(context.Background(), descriptor("sess-a", "write_file", "sha256:1"))
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.True(t, decision.Degraded, "a missing session row is a degraded decision")
	assert.NotEmpty(t, decision.EventID, "recording proceeds without the session row")
}

func TestIngest_FailsOpenWhenHistoryDown(t *testing.T) {
	f := newFixture(t, testPolicy(), func(st store.Store) store.Store {
		return &failingStore{Store: st, failRecent: true}
	})

	decision, err := f.gw.Ingest(context.Background(), descriptor("sess-a", "read_file", "sha256:1"))
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.True(t, decision.Degraded)
}

func TestIngest_FailsOpenWhenRecordingDown(t *testing.T) {
	f := newFixture(t, testPolicy(), func(st store.Store) store.Store {
		return &failingStore{Store: st, failAppend: true}
	})

	decision, err := f.gw.Ingest(context.Background(), descriptor("sess-a", "write_file", "sha256:1"))
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.True(t, decision.Degraded)
	assert.Empty(t, decision.EventID)
}

func TestIngest_PublishesStreamEvents(t *testing.T) {
	f := newFixture(t, testPolicy(), nil)

	decision, err := f.gw.Ingest(context.Background(), descriptor("sess-a", "write_file", "sha256:1"))
	require.NoError(t, err)

	require.Len(t, f.pub.events, 1)
	published := f.pub.events[0]
	assert.Equal(t, "decision", published.Kind)
	assert.Equal(t, "sess-a", published.SessionID)
	assert.Equal(t, decision.EventID, published.EventID)
	assert.Equal(t, "write_file", published.ToolName)
	assert.True(t, published.Allow)
}

func TestReset_ClosesOpenBreaker(t *testing.T) {
	f := newFixture(t, testPolicy(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.gw.Ingest(ctx, descriptor("sess-a", "read_file", "sha256:"+string(rune('a'+i))))
		require.NoError(t, err)
	}

	require.NoError(t, f.gw.Reset(ctx, "sess-a"))

	d, err := f.gw.Ingest(ctx, descriptor("sess-a", "write_file", "sha256:z"))
	require.NoError(t, err)
	assert.True(t, d.Allow)

	assert.Error(t, f.gw.Reset(ctx, ""))
}

func TestTrace_AssemblesCausalTree(t *testing.T) {
	f := newFixture(t, testPolicy(), nil)
	ctx := context.Background()

	parent, err := f.gw.Ingest(ctx, descriptor("sess-root", "task", "sha256:launch"))
	require.NoError(t, err)

	child := descriptor("sess-child", "read_file", "sha256:1")
	child.DelegatedMarker = true
	child.ParentSessionID = "sess-root"
	child.ParentMarker = parent.EventID
	_, err = f.gw.Ingest(ctx, child)
	require.NoError(t, err)

	trace, err := f.gw.Trace(ctx, "sess-root")
	require.NoError(t, err)
	require.Len(t, trace.Children, 1)
	assert.Equal(t, "sess-child", trace.Children[0].Session.ID)
	assert.Equal(t, parent.EventID, trace.Children[0].DelegatingEventID)

	_, err = f.gw.Trace(ctx, "")
	assert.Error(t, err)
}
