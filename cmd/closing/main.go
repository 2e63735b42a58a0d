// Package main is the entry point of the closing service. It serves the case
// API, runs the MCP tool server, and validates or evaluates templates from the
// command line.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/closing/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	observability.Version = version
	observability.Commit = commit

	root := &cobra.Command{
		Use:           "closing",
		Short:         "Progress tracking for real-estate purchase transactions",
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "path to configuration file (defaults apply when empty)")

	root.AddCommand(
		newServeCommand(),
		newValidateCommand(),
		newEvaluateCommand(),
		newMCPCommand(),
	)
	return root
}
