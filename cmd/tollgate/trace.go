// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tollgate-dev/tollgate/internal/server"
	tgerr "github.com/tollgate-dev/tollgate/pkg/errors"
)

func newTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <session-id>",
		Short: "Print the causal trace rooted at a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runTrace,
	}

	cmd.Flags().String("address", defaultAddr, "gateway address")
	cmd.Flags().Bool("json", false, "print the raw trace as JSON")

	return cmd
}

func runTrace(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("address")
	out := cmd.OutOrStdout()

	gw := newGatewayClient(addr)
	var trace server.TraceBody
	if err := gw.getJSON("/api/v1/traces/"+args[0], &trace); err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		raw, err := json.MarshalIndent(trace, "", "  ")
		if err != nil {
			return tgerr.Wrap(err, tgerr.CodeCLIResponseInvalid, "encoding trace")
		}
		fmt.Fprintln(out, string(raw))
		return nil
	}

	printTrace(out, &trace, 0)
	return nil
}

func printTrace(out io.Writer, trace *server.TraceBody, depth int) {
	indent := strings.Repeat("  ", depth)

	label := trace.Session.ID
	if trace.Session.Delegated {
		label += " (delegated)"
	}
	if trace.DelegatingEventID != "" {
		label += " <- " + trace.DelegatingEventID
		if trace.DelegatingUnresolved {
			label += " [unresolved]"
		}
	}
	fmt.Fprintf(out, "%s%s\n", indent, label)

	for _, event := range trace.Events {
		line := fmt.Sprintf("%s  #%d %s %s %s", indent, event.Seq, event.ID, event.ToolName, fmtTime(event.Timestamp))
		if event.Status != "" {
			line += " [" + event.Status
			if event.ChildCount > 0 {
				line += fmt.Sprintf(", %d children", event.ChildCount)
			}
			line += "]"
		}
		if event.ParentUnresolved {
			line += " (parent unresolved)"
		}
		fmt.Fprintln(out, line)
	}

	for i := range trace.Children {
		printTrace(out, &trace.Children[i], depth+1)
	}
}
