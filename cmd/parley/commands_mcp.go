package main

import (
	"github.com/spf13/cobra"
)

// buildMCPCmd creates the "mcp" command group.
func buildMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect configured MCP servers",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured MCP servers without connecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCPList(cmd)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Connect to every configured server and report its state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCPStatus(cmd)
		},
	}

	cmd.AddCommand(listCmd, statusCmd)
	return cmd
}
