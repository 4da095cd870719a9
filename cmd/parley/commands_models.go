package main

import (
	"github.com/spf13/cobra"
)

// buildModelsCmd creates the "models" command.
func buildModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models [provider]",
		Short: "List models available from configured providers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) > 0 {
				name = args[0]
			}
			return runModels(cmd, name)
		},
	}
}
