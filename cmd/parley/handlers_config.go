package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/config"
)

// runConfigSchema handles the config schema command.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return nil
}

// runConfigValidate handles the config validate command.
func runConfigValidate(cmd *cobra.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s is valid\n", configPath)
	fmt.Fprintf(out, "  providers: %d, agents: %d, mcp servers: %d\n",
		len(cfg.Providers), len(cfg.Agents), len(cfg.MCPServers))
	if cfg.DefaultAgent != "" {
		fmt.Fprintf(out, "  default agent: %s\n", cfg.DefaultAgent)
	}
	return nil
}
