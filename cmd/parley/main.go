// Package main provides the CLI entry point for the Parley agent runtime.
//
// Parley drives multi-round conversations between LLM providers
// (Anthropic, OpenAI-compatible, Google) and tools, built-ins plus
// MCP servers, from a terminal or over a localhost WebSocket.
//
// # Basic Usage
//
// Chat interactively:
//
//	parley chat
//
// Run one turn and exit:
//
//	parley chat --once "summarize NOTES.md"
//
// Serve the WebSocket gateway:
//
//	parley serve --addr 127.0.0.1:7777
//
// Inspect configuration and servers:
//
//	parley config validate
//	parley mcp status
//	parley models anthropic
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/config"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Parley - terminal LLM agent runtime",
		Long: `Parley runs tool-using LLM conversations from your terminal.

Providers: Anthropic (Claude), OpenAI-compatible, Google (Gemini)
Tools: shell, file read/edit/create, web search/fetch, MCP servers`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to configuration file")

	rootCmd.AddCommand(
		buildChatCmd(),
		buildServeCmd(),
		buildMCPCmd(),
		buildModelsCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}
