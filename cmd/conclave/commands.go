package main

import (
	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath  string
		debug       bool
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long: `Run the control plane: skill registry, scheduler, sub-agent manager,
confirmation store, and the per-message orchestrator. With --interactive,
stdin lines are handled as user messages on a local console channel.`,
		Example: `  conclave serve --config conclave.yaml
  conclave serve --interactive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug, interactive)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "conclave.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Read user messages from stdin")
	return cmd
}

func buildSkillsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect the skill catalog",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List discovered skills and their tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsList(cmd.Context(), configPath)
		},
	}
	list.Flags().StringVarP(&configPath, "config", "c", "conclave.yaml", "Path to YAML configuration file")
	cmd.AddCommand(list)
	return cmd
}

func buildTasksCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect scheduled tasks",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List configured scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksList(configPath)
		},
	}
	list.Flags().StringVarP(&configPath, "config", "c", "conclave.yaml", "Path to YAML configuration file")
	cmd.AddCommand(list)
	return cmd
}

func buildEventsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Observe the event bus",
	}
	tail := &cobra.Command{
		Use:   "tail [pattern]",
		Short: "Run the core and print events matching a glob pattern until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := "*"
			if len(args) > 0 {
				pattern = args[0]
			}
			return runEventsTail(cmd.Context(), configPath, pattern)
		},
	}
	tail.Flags().StringVarP(&configPath, "config", "c", "conclave.yaml", "Path to YAML configuration file")
	cmd.AddCommand(tail)
	return cmd
}
