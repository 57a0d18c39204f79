// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tollgate-dev/tollgate/internal/server"
	"github.com/tollgate-dev/tollgate/internal/store"
	tgerr "github.com/tollgate-dev/tollgate/pkg/errors"
	"github.com/tollgate-dev/tollgate/pkg/types"
)

// mockGateway is a scripted GatewayService.
type mockGateway struct {
	decision *types.Decision
	trace    *store.Trace
	sessions []*store.Session
	err      error

	lastDescriptor *types.Descriptor
	resetSession   string
}

func (m *mockGateway) Ingest(_ context.Context, desc *types.Descriptor) (*types.Decision, error) {
	m.lastDescriptor = desc
	if m.err != nil {
		return nil, m.err
	}
	return m.decision, nil
}

func (m *mockGateway) Trace(_ context.Context, _ string) (*store.Trace, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.trace, nil
}

func (m *mockGateway) Sessions(_ context.Context, _ store.ListOpts) ([]*store.Session, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.sessions, nil
}

func (m *mockGateway) Reset(_ context.Context, sessionID string) error {
	m.resetSession = sessionID
	return m.err
}

func newRoutedServer(t *testing.T, gw server.GatewayService) *server.Server {
	t.Helper()
	srv := newTestServer(t)
	server.RegisterGateway(srv, gw)
	return srv
}

func doJSON(t *testing.T, srv *server.Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestIngestRoute_ReturnsDecision(t *testing.T) {
	gw := &mockGateway{decision: &types.Decision{
		Allow: true, Level: types.LevelGuidance,
		Message: "slow down", MatchedRule: "consecutive_read",
		EventID: "evt-1", SessionID: "sess-1",
	}}
	srv := newRoutedServer(t, gw)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/invocations",
		`{"session_id":"sess-1","tool_name":"read_file","input_digest":"sha256:abc"}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var decision types.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.True(t, decision.Allow)
	assert.Equal(t, types.LevelGuidance, decision.Level)
	assert.Equal(t, "evt-1", decision.EventID)

	require.NotNil(t, gw.lastDescriptor)
	assert.Equal(t, "read_file", gw.lastDescriptor.ToolName)
}

func TestIngestRoute_BlockedDecisionIsStillHTTP200(t *testing.T) {
	gw := &mockGateway{decision: &types.Decision{
		Allow: false, Level: types.LevelBlocked, Message: "circuit breaker open",
	}}
	srv := newRoutedServer(t, gw)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/invocations",
		`{"tool_name":"read_file","input_digest":"sha256:abc"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var decision types.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.False(t, decision.Allow)
	assert.Equal(t, types.LevelBlocked, decision.Level)
}

func TestIngestRoute_InvalidDescriptor(t *testing.T) {
	gw := &mockGateway{err: tgerr.New(tgerr.CodeGatewayInvocationInvalid, "descriptor: input_digest is required")}
	srv := newRoutedServer(t, gw)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/invocations", `{"tool_name":"read_file","input_digest":"x"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestIngestRoute_CompletionConflict(t *testing.T) {
	gw := &mockGateway{err: tgerr.New(tgerr.CodeStoreEventCompleteDone, "event evt-1 was already completed")}
	srv := newRoutedServer(t, gw)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/invocations",
		`{"tool_name":"bash","input_digest":"sha256:x","completion_of":"evt-1","completion_status":"completed"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTraceRoute_ReturnsNestedTree(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gw := &mockGateway{trace: &store.Trace{
		Session: &store.Session{ID: "sess-root", CreatedAt: now, LastActivityAt: now},
		Events: []*store.TraceEvent{
			{Event: &store.Event{ID: "evt-1", SessionID: "sess-root", ToolName: "task", InputDigest: "sha256:a", Seq: 1, Timestamp: now}},
			{Event: &store.Event{ID: "evt-2", SessionID: "sess-root", ToolName: "bash", InputDigest: "sha256:b", Seq: 2, Timestamp: now, ParentEventID: "evt-gone"}, ParentUnresolved: true},
		},
		Children: []*store.Trace{
			{
				Session:           &store.Session{ID: "sess-child", ParentSessionID: "sess-root", Delegated: true, CreatedAt: now, LastActivityAt: now},
				DelegatingEventID: "evt-1",
			},
		},
	}}
	srv := newRoutedServer(t, gw)

	w := doJSON(t, srv, http.MethodGet, "/api/v1/traces/sess-root", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body server.TraceBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "sess-root", body.Session.ID)
	require.Len(t, body.Events, 2)
	assert.True(t, body.Events[1].ParentUnresolved)
	require.Len(t, body.Children, 1)
	assert.Equal(t, "evt-1", body.Children[0].DelegatingEventID)
	assert.True(t, body.Children[0].Session.Delegated)
}

func TestTraceRoute_UnknownSessionIs404(t *testing.T) {
	gw := &mockGateway{err: tgerr.New(tgerr.CodeStoreSessionNotFound, "session sess-x")}
	srv := newRoutedServer(t, gw)

	w := doJSON(t, srv, http.MethodGet, "/api/v1/traces/sess-x", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTraceRoute_StoreSentinelIs404Too(t *testing.T) {
	gw := &mockGateway{err: store.ErrNotFound}
	srv := newRoutedServer(t, gw)

	w := doJSON(t, srv, http.MethodGet, "/api/v1/traces/sess-x", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionsRoute_ListsSessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gw := &mockGateway{sessions: []*store.Session{
		{ID: "sess-b", CreatedAt: now, LastActivityAt: now.Add(time.Minute)},
		{ID: "sess-a", CreatedAt: now, LastActivityAt: now},
	}}
	srv := newRoutedServer(t, gw)

	w := doJSON(t, srv, http.MethodGet, "/api/v1/sessions?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Sessions []server.SessionSummary `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 2)
	assert.Equal(t, "sess-b", body.Sessions[0].ID)
}

func TestResetRoute_ResetsSession(t *testing.T) {
	gw := &mockGateway{}
	srv := newRoutedServer(t, gw)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/sess-1/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sess-1", gw.resetSession)
	assert.Contains(t, w.Body.String(), "reset")
}
