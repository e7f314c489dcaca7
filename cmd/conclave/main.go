// Package main is the CLI entry point for the conclave agent control plane.
//
// The control plane is normally embedded by a transport adapter; this binary
// runs it standalone with a local console, which is enough to operate and
// debug a single-tenant deployment:
//
//	conclave serve --config conclave.yaml
//	conclave skills list
//	conclave tasks list
//	conclave events tail "alert.*"
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "conclave",
		Short:         "Single-tenant conversational agent control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildSkillsCmd(),
		buildTasksCmd(),
		buildEventsCmd(),
		buildVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conclave %s (%s, built %s)\n", version, commit, date)
		},
	}
}
