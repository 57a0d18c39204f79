// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	tgerr "github.com/tollgate-dev/tollgate/pkg/errors"
	"github.com/tollgate-dev/tollgate/pkg/types"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report one tool invocation and print the decision",
		Long: "Submit a single invocation to a running gateway and print the enforcement " +
			"decision. Exits non-zero when the invocation is blocked, so shell hooks can " +
			"gate on it directly.",
		RunE: runCheck,
	}

	cmd.Flags().String("address", defaultAddr, "gateway address")
	cmd.Flags().String("session", "", "session id (resolved server-side when omitted)")
	cmd.Flags().String("tool", "", "tool name (required)")
	cmd.Flags().String("digest", "", "input digest; computed from --input when omitted")
	cmd.Flags().String("input", "", "raw input to digest when --digest is omitted")
	cmd.Flags().Bool("delegated", false, "mark the invocation as delegated sub-task work")
	cmd.Flags().String("role", "", "reporting worker's agent role")
	cmd.Flags().String("parent-event", "", "presumed causal parent event id")
	cmd.Flags().String("parent-session", "", "delegating parent session id")
	cmd.Flags().Bool("json", false, "print the decision as JSON")
	_ = cmd.MarkFlagRequired("tool")

	return cmd
}

func runCheck(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("address")
	out := cmd.OutOrStdout()

	desc, err := descriptorFromFlags(cmd)
	if err != nil {
		return err
	}

	gw := newGatewayClient(addr)
	var decision types.Decision
	if err := gw.postJSON("/api/v1/invocations", desc, &decision); err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		raw, err := json.MarshalIndent(decision, "", "  ")
		if err != nil {
			return tgerr.Wrap(err, tgerr.CodeCLIResponseInvalid, "encoding decision")
		}
		fmt.Fprintln(out, string(raw))
	} else {
		printDecision(out, &decision)
	}

	if !decision.Allow {
		return tgerr.New(tgerr.CodeCLIRequestFailure,
			fmt.Sprintf("invocation blocked (rule %s)", decision.MatchedRule))
	}
	return nil
}

func descriptorFromFlags(cmd *cobra.Command) (*types.Descriptor, error) {
	tool, _ := cmd.Flags().GetString("tool")
	digest, _ := cmd.Flags().GetString("digest")
	input, _ := cmd.Flags().GetString("input")

	if digest == "" {
		if input == "" {
			return nil, tgerr.New(tgerr.CodeCLIInputInvalid, "either --digest or --input is required")
		}
		sum := sha256.Sum256([]byte(input))
		digest = "sha256:" + hex.EncodeToString(sum[:])
	}

	session, _ := cmd.Flags().GetString("session")
	delegated, _ := cmd.Flags().GetBool("delegated")
	role, _ := cmd.Flags().GetString("role")
	parentEvent, _ := cmd.Flags().GetString("parent-event")
	parentSession, _ := cmd.Flags().GetString("parent-session")

	return &types.Descriptor{
		SessionID:       session,
		ToolName:        tool,
		InputDigest:     digest,
		DelegatedMarker: delegated,
		AgentRole:       role,
		ParentMarker:    parentEvent,
		ParentSessionID: parentSession,
	}, nil
}

func printDecision(out io.Writer, decision *types.Decision) {
	verdict := "ALLOW"
	if !decision.Allow {
		verdict = "BLOCK"
	}
	fmt.Fprintf(out, "%s [%s] session=%s event=%s\n", verdict, decision.Level, decision.SessionID, decision.EventID)
	if decision.Message != "" {
		fmt.Fprintf(out, "  %s\n", decision.Message)
	}
	if decision.Degraded {
		fmt.Fprintln(out, "  (enforcement degraded: decision failed open)")
	}
}
