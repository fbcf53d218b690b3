package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildChatCmd creates the "chat" command.
func buildChatCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive agent session",
		Long: `Chat starts an interactive session with the Meta-agent.

Messages stream as they are produced: agent text, tool calls and results,
Task-agent activity spawned through execute_task, and token usage. The
session ends on EOF (Ctrl-D), "exit", or an interrupt signal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cmd, debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

// buildTasksCmd creates the "tasks" command group.
func buildTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect stored task definitions",
	}
	cmd.AddCommand(buildTasksListCmd())
	return cmd
}

func buildTasksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored task definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksList(cmd)
		},
	}
}

// buildRecoverCmd creates the "recover" command.
func buildRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Mark turns and tool calls left open by a crash as abandoned",
		Long: `Recover runs the same startup sweep the chat session performs: conversation
turns still in_progress become abandoned, and tool calls that never finished
become ABANDONED. Running it against a healthy database is a no-op.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(cmd)
		},
	}
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "metagen %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
