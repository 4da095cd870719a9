package main

import (
	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/gateway"
)

// buildServeCmd creates the "serve" command: the localhost WebSocket
// gateway for desktop front-ends.
func buildServeCmd() *cobra.Command {
	var (
		addr        string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the localhost WebSocket gateway",
		Long: `Run the localhost WebSocket gateway.

Exposes the agent runtime on a loopback WebSocket endpoint (/ws) so a
desktop front-end can send turns and stream events. The listener
refuses non-loopback addresses; there is no authentication layer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, addr, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", gateway.DefaultAddr, "Gateway listen address (loopback only)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address (default from config)")
	return cmd
}
