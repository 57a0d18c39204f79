// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/tollgate-dev/tollgate/internal/store"
	tgerr "github.com/tollgate-dev/tollgate/pkg/errors"
	"github.com/tollgate-dev/tollgate/pkg/types"
)

// GatewayService is the gateway surface the HTTP layer depends on.
type GatewayService interface {
	Ingest(ctx context.Context, desc *types.Descriptor) (*types.Decision, error)
	Trace(ctx context.Context, rootSessionID string) (*store.Trace, error)
	Sessions(ctx context.Context, opts store.ListOpts) ([]*store.Session, error)
	Reset(ctx context.Context, sessionID string) error
}

// RegisterGateway sets the gateway dependency and registers REST routes.
func RegisterGateway(s *Server, gw GatewayService) {
	s.gateway = gw
	s.registerRoutes()
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "ingest-invocation",
		Method:      http.MethodPost,
		Path:        "/api/v1/invocations",
		Summary:     "Report a tool invocation and receive an enforcement decision",
		Tags:        []string{"invocations"},
	}, s.handleIngest)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-trace",
		Method:      http.MethodGet,
		Path:        "/api/v1/traces/{sessionId}",
		Summary:     "Assemble the causal trace rooted at a session",
		Tags:        []string{"traces"},
	}, s.handleGetTrace)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions",
		Summary:     "List known sessions, newest activity first",
		Tags:        []string{"sessions"},
	}, s.handleListSessions)

	huma.Register(s.api, huma.Operation{
		OperationID: "reset-session",
		Method:      http.MethodPost,
		Path:        "/api/v1/sessions/{sessionId}/reset",
		Summary:     "Clear a session's violation state and close its breaker",
		Tags:        []string{"sessions"},
	}, s.handleResetSession)
}

// --- Request/Response types for huma ---

type ingestInput struct {
	Body types.Descriptor
}
type ingestOutput struct {
	Body types.Decision
}

type traceInput struct {
	SessionID string `path:"sessionId"`
}
type traceOutput struct {
	Body TraceBody
}

type listSessionsInput struct {
	Limit  int `query:"limit" minimum:"0" doc:"Maximum sessions to return"`
	Offset int `query:"offset" minimum:"0" doc:"Sessions to skip"`
}
type listSessionsOutput struct {
	Body struct {
		Sessions []SessionSummary `json:"sessions"`
	}
}

type resetSessionInput struct {
	SessionID string `path:"sessionId"`
}
type resetSessionOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// SessionSummary is the API shape of one session record.
type SessionSummary struct {
	ID              string    `json:"id"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
	Delegated       bool      `json:"delegated"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
}

// TraceEventBody is the API shape of one event inside a trace.
type TraceEventBody struct {
	ID               string    `json:"id"`
	ToolName         string    `json:"tool_name"`
	InputDigest      string    `json:"input_digest"`
	Seq              int64     `json:"seq"`
	Timestamp        time.Time `json:"timestamp"`
	ParentEventID    string    `json:"parent_event_id,omitempty"`
	ParentUnresolved bool      `json:"parent_unresolved,omitempty"`
	Status           string    `json:"status,omitempty"`
	ChildCount       int       `json:"child_count,omitempty"`
	Delegated        bool      `json:"delegated,omitempty"`
}

// TraceBody is the API shape of a causal trace subtree.
type TraceBody struct {
	Session              SessionSummary   `json:"session"`
	Events               []TraceEventBody `json:"events"`
	DelegatingEventID    string           `json:"delegating_event_id,omitempty"`
	DelegatingUnresolved bool             `json:"delegating_unresolved,omitempty"`
	Children             []TraceBody      `json:"children,omitempty"`
}

// --- Handlers ---

func (s *Server) handleIngest(ctx context.Context, input *ingestInput) (*ingestOutput, error) {
	decision, err := s.gateway.Ingest(ctx, &input.Body)
	if err != nil {
		// Policy blocks are regular decisions, not HTTP errors; only caller
		// mistakes surface here.
		return nil, humaError(err)
	}
	return &ingestOutput{Body: *decision}, nil
}

func (s *Server) handleGetTrace(ctx context.Context, input *traceInput) (*traceOutput, error) {
	trace, err := s.gateway.Trace(ctx, input.SessionID)
	if err != nil {
		if isNotFound(err) {
			return nil, huma.Error404NotFound(fmt.Sprintf("session %q not found", input.SessionID))
		}
		return nil, humaError(err)
	}
	return &traceOutput{Body: traceBody(trace)}, nil
}

func (s *Server) handleListSessions(ctx context.Context, input *listSessionsInput) (*listSessionsOutput, error) {
	sessions, err := s.gateway.Sessions(ctx, store.ListOpts{Limit: input.Limit, Offset: input.Offset})
	if err != nil {
		return nil, humaError(err)
	}
	out := &listSessionsOutput{}
	out.Body.Sessions = make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out.Body.Sessions = append(out.Body.Sessions, sessionSummary(sess))
	}
	return out, nil
}

func (s *Server) handleResetSession(ctx context.Context, input *resetSessionInput) (*resetSessionOutput, error) {
	if err := s.gateway.Reset(ctx, input.SessionID); err != nil {
		return nil, humaError(err)
	}
	out := &resetSessionOutput{}
	out.Body.Status = "reset"
	return out, nil
}

// humaError maps gateway errors onto HTTP status models. The store layer
// reports sentinel errors; everything above it reports coded errors. The
// HTTP surface accepts both.
func humaError(err error) error {
	switch {
	case tgerr.IsInvalidInput(err) || errors.Is(err, store.ErrInvalidInput):
		return huma.Error422UnprocessableEntity(err.Error())
	case isNotFound(err):
		return huma.Error404NotFound(err.Error())
	case tgerr.IsConflict(err) || errors.Is(err, store.ErrConflict):
		return huma.Error409Conflict(err.Error())
	case tgerr.IsTimeout(err):
		return huma.Error504GatewayTimeout(err.Error())
	default:
		return huma.Error500InternalServerError("internal failure", err)
	}
}

func isNotFound(err error) bool {
	return tgerr.IsNotFound(err) || errors.Is(err, store.ErrNotFound)
}

func sessionSummary(sess *store.Session) SessionSummary {
	return SessionSummary{
		ID:              sess.ID,
		ParentSessionID: sess.ParentSessionID,
		Delegated:       sess.Delegated,
		CreatedAt:       sess.CreatedAt,
		LastActivityAt:  sess.LastActivityAt,
	}
}

func traceBody(trace *store.Trace) TraceBody {
	body := TraceBody{
		Session:              sessionSummary(trace.Session),
		Events:               make([]TraceEventBody, 0, len(trace.Events)),
		DelegatingEventID:    trace.DelegatingEventID,
		DelegatingUnresolved: trace.DelegatingUnresolved,
	}
	for _, te := range trace.Events {
		body.Events = append(body.Events, TraceEventBody{
			ID:               te.Event.ID,
			ToolName:         te.Event.ToolName,
			InputDigest:      te.Event.InputDigest,
			Seq:              te.Event.Seq,
			Timestamp:        te.Event.Timestamp,
			ParentEventID:    te.Event.ParentEventID,
			ParentUnresolved: te.ParentUnresolved,
			Status:           string(te.Event.Status),
			ChildCount:       te.Event.ChildCount,
			Delegated:        te.Event.Delegated,
		})
	}
	for _, child := range trace.Children {
		body.Children = append(body.Children, traceBody(child))
	}
	return body
}
