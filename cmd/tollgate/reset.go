// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <session-id>",
		Short: "Clear a session's violation state and close its breaker",
		Args:  cobra.ExactArgs(1),
		RunE:  runReset,
	}

	cmd.Flags().String("address", defaultAddr, "gateway address")

	return cmd
}

func runReset(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("address")

	gw := newGatewayClient(addr)
	var body struct {
		Status string `json:"status"`
	}
	if err := gw.postJSON("/api/v1/sessions/"+args[0]+"/reset", nil, &body); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session %s: %s\n", args[0], body.Status)
	return nil
}
