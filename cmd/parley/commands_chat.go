package main

import (
	"github.com/spf13/cobra"
)

// buildChatCmd creates the "chat" command: an interactive REPL against
// the configured default agent.
func buildChatCmd() *cobra.Command {
	var (
		agentID        string
		conversationID string
		once           string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent from the terminal",
		Long: `Chat with an agent from the terminal.

Streams assistant text as it arrives and prints a line per tool
invocation. Ctrl-C cancels the active turn; a second Ctrl-C quits.
With --once (or when stdin is not a terminal) a single turn runs and
the command exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, agentID, conversationID, once)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent profile to use (default from config)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation ID to continue (default: new)")
	cmd.Flags().StringVar(&once, "once", "", "Send a single turn and exit")
	return cmd
}
