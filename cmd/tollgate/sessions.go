// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tollgate-dev/tollgate/internal/server"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List known sessions, newest activity first",
		RunE:  runSessions,
	}

	cmd.Flags().String("address", defaultAddr, "gateway address")
	cmd.Flags().Int("limit", 20, "maximum sessions to list")

	return cmd
}

func runSessions(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("address")
	limit, _ := cmd.Flags().GetInt("limit")
	out := cmd.OutOrStdout()

	gw := newGatewayClient(addr)
	var body struct {
		Sessions []server.SessionSummary `json:"sessions"`
	}
	if err := gw.getJSON(fmt.Sprintf("/api/v1/sessions?limit=%d", limit), &body); err != nil {
		return err
	}

	if len(body.Sessions) == 0 {
		fmt.Fprintln(out, "no sessions recorded")
		return nil
	}

	for _, sess := range body.Sessions {
		line := fmt.Sprintf("%s  last active %s", sess.ID, fmtTime(sess.LastActivityAt))
		if sess.Delegated {
			line += fmt.Sprintf("  (delegated by %s)", sess.ParentSessionID)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
