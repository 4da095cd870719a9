package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/provider"
)

// runModels handles the models command. With an argument it queries one
// provider, otherwise every configured provider in name order.
func runModels(cmd *cobra.Command, name string) error {
	cfg, creds, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	adapters, err := buildAdapters(cfg, creds, observability.Nop())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(adapters) == 0 {
		fmt.Fprintln(out, "No providers configured.")
		return nil
	}

	names := make([]string, 0, len(adapters))
	if name != "" {
		if _, ok := adapters[name]; !ok {
			return fmt.Errorf("provider %q is not configured", name)
		}
		names = append(names, name)
	} else {
		for n := range adapters {
			names = append(names, n)
		}
		sort.Strings(names)
	}

	for _, n := range names {
		if err := printModels(cmd, n, adapters[n]); err != nil {
			return err
		}
	}
	return nil
}

func printModels(cmd *cobra.Command, name string, adapter provider.Adapter) error {
	models, err := adapter.Models(cmd.Context())
	if err != nil {
		return fmt.Errorf("provider %s: %w", name, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Models for %s:\n", name)
	if len(models) == 0 {
		fmt.Fprintln(out, "  none reported")
		return nil
	}
	for _, m := range models {
		label := m.ID
		if m.Name != "" && m.Name != m.ID {
			label = fmt.Sprintf("%s (%s)", m.ID, m.Name)
		}
		var details []string
		if m.ContextSize > 0 {
			details = append(details, fmt.Sprintf("context %d", m.ContextSize))
		}
		if m.SupportsTools {
			details = append(details, "tools")
		}
		if len(details) > 0 {
			fmt.Fprintf(out, "  %s - %s\n", label, strings.Join(details, ", "))
		} else {
			fmt.Fprintf(out, "  %s\n", label)
		}
	}
	return nil
}
