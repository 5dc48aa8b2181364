package main

import (
	"github.com/spf13/cobra"

	"dtk/internal/version"
)

var (
	// mcpFlag is consumed before cobra runs (see rpcMode); registered
	// here so it shows in --help and does not trip flag parsing.
	mcpFlag   bool
	verbosity int

	// commandStarted flips once parsing and arg validation succeed, so
	// main can tell usage errors (exit 2) from runtime errors (exit 1).
	commandStarted bool
)

var rootCmd = &cobra.Command{
	Use:   "dtk",
	Short: "dtk - developer tooling toolkit",
	Long: `dtk is a multi-protocol developer tooling toolkit: static analysis with
content-addressed caching, project scaffolding from embedded templates, and a
resumable refactor orchestration engine. Every capability is served identically
over the CLI, line-delimited JSON-RPC on stdio, and HTTP.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		commandStarted = true
	},
}

func init() {
	rootCmd.SetVersionTemplate("dtk version {{.Version}}\n")
	rootCmd.PersistentFlags().BoolVar(&mcpFlag, "mcp", false, "Force JSON-RPC mode on stdio")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Log verbosity (-v, -vv, -vvv)")
}
