// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package types

import (
	tgerr "github.com/tollgate-dev/tollgate/pkg/errors"
)

// DiagnosticTool is the reserved tool name under which the gateway records
// its own degradation markers. Diagnostic events never match a policy rule
// and do not count as worker activity.
const DiagnosticTool = "tollgate.diagnostic"

// Descriptor is one tool invocation as reported to the ingest gateway.
// Session identity and causal parents are carried explicitly on the
// descriptor; there is no ambient fallback.
type Descriptor struct {
	// SessionID explicitly names the session, when the caller knows it.
	SessionID string `json:"session_id,omitempty"`
	ToolName  string `json:"tool_name"`
	// InputDigest is a content digest of the invocation's salient inputs.
	InputDigest string `json:"input_digest"`
	// DelegatedMarker explicitly marks a delegated/exempt execution context.
	DelegatedMarker bool `json:"delegated_marker,omitempty"`
	// AgentRole is the reporting worker's role; subagent-like roles are a
	// delegation signal independent of the explicit marker.
	AgentRole string `json:"agent_role,omitempty"`
	// ParentMarker is a soft reference to the presumed causal parent event.
	ParentMarker string `json:"parent_marker,omitempty"`
	// ParentSessionID names the delegating session for a child session.
	ParentSessionID string `json:"parent_session_id,omitempty"`
	// CompletionOf turns this submission into a completion signal for a
	// previously recorded event instead of a fresh invocation.
	CompletionOf     string `json:"completion_of,omitempty"`
	CompletionStatus string `json:"completion_status,omitempty"`
	// ChildEventCount is the approximate number of child events attributed
	// to the completed invocation. Heuristic counts are approximate by
	// definition; explicit parent links take priority.
	ChildEventCount int `json:"child_event_count,omitempty"`
}

// Validate checks the descriptor before any enforcement logic runs.
// A malformed descriptor is an explicit rejection, distinct from a policy
// block.
func (d Descriptor) Validate() error {
	if d.ToolName == "" {
		return tgerr.New(tgerr.CodeGatewayInvocationInvalid, "descriptor: tool_name is required")
	}
	if d.InputDigest == "" {
		return tgerr.New(tgerr.CodeGatewayInvocationInvalid, "descriptor: input_digest is required",
			tgerr.FieldTool(d.ToolName))
	}
	if d.CompletionOf != "" && d.CompletionStatus == "" {
		return tgerr.New(tgerr.CodeGatewayInvocationInvalid,
			"descriptor: completion_status is required with completion_of",
			tgerr.FieldEventID(d.CompletionOf))
	}
	if d.ChildEventCount < 0 {
		return tgerr.Errorf(tgerr.CodeGatewayInvocationInvalid,
			"descriptor: child_event_count must be >= 0, got %d", d.ChildEventCount)
	}
	return nil
}

// Decision is the gateway's answer for one invocation.
type Decision struct {
	Allow   bool   `json:"allow"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
	// MatchedRule names the rule that triggered a non-normal decision.
	MatchedRule string `json:"matched_rule,omitempty"`
	// EventID is the stored event's id (the original id on deduplicated
	// resubmission).
	EventID string `json:"event_id,omitempty"`
	// SessionID is the resolved session the invocation was attributed to.
	SessionID string `json:"session_id,omitempty"`
	// Degraded is true when the enforcement path itself was unavailable and
	// the decision failed open.
	Degraded bool `json:"degraded,omitempty"`
}
