package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/mcp"
	"github.com/haasonsaas/parley/internal/observability"
)

// runMCPList handles the mcp list command. It reads configuration only;
// no server is spawned or dialed.
func runMCPList(cmd *cobra.Command) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(cfg.MCPServers) == 0 {
		fmt.Fprintln(out, "No MCP servers configured.")
		return nil
	}
	fmt.Fprintln(out, "Configured MCP servers:")
	for _, s := range cfg.MCPServers {
		target := s.URL
		if s.Transport == string(mcp.TransportStdio) {
			target = s.Command
			for _, arg := range s.Args {
				target += " " + arg
			}
		}
		fmt.Fprintf(out, "  %s (%s) - %s\n", s.ID, s.Transport, target)
	}
	return nil
}

// runMCPStatus handles the mcp status command.
func runMCPStatus(cmd *cobra.Command) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	logger := newLogger(cfg)
	if cfg.Logging.Level != "debug" {
		// Connection noise would interleave with the report.
		logger = observability.Nop()
	}
	mgr := newMCPManager(cfg, logger)
	if mgr == nil {
		fmt.Fprintln(out, "No MCP servers configured.")
		return nil
	}
	mgr.StartAll(cmd.Context())
	defer stopMCPManager(mgr)

	fmt.Fprintln(out, "MCP servers:")
	for _, status := range mgr.Status() {
		fmt.Fprintf(out, "  %s (%s) - %s\n", status.ID, status.Transport, status.State)
		if status.State == mcp.StateReady {
			if status.Server.Name != "" {
				fmt.Fprintf(out, "    Server: %s %s\n", status.Server.Name, status.Server.Version)
			}
			fmt.Fprintf(out, "    Tools: %d | Resources: %d | Prompts: %d\n", status.Tools, status.Resources, status.Prompts)
		}
	}
	return nil
}

func stopMCPManager(mgr *mcp.Manager) {
	if mgr == nil {
		return
	}
	if err := mgr.StopAll(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: mcp shutdown: %v\n", err)
	}
}
