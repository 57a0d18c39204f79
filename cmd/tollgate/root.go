// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package main

import (
	"github.com/spf13/cobra"
)

// defaultAddr is where client commands look for a running gateway.
const defaultAddr = "127.0.0.1:18790"

// NewRootCmd creates the root tollgate command with all subcommands
// registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tollgate",
		Short:         "Tollgate — tool-call correlation and policy enforcement",
		Long:          "Tollgate records tool invocations from cooperating AI workers, correlates them into causal traces, and blocks runaway repetition patterns.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newTraceCmd(),
		newSessionsCmd(),
		newResetCmd(),
		newVersionCmd(),
	)

	return root
}
