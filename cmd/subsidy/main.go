// Subsidy - Rule-driven consumption subsidies with a hot-swappable rule cache.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const serviceName = "subsidy-engine"

var rootCmd = &cobra.Command{
	Use:   "subsidy",
	Short: "Subsidy rule engine",
	Long: `subsidy evaluates consumption events against configurable subsidy rules.

Rules live in the repository and are compiled into an in-memory snapshot that
is refreshed on a schedule and invalidated on every administrative change.
Configuration is read from SUBSIDY_* environment variables.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "subsidy %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd, serveCmd, seedCmd, calcCmd, ruleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
