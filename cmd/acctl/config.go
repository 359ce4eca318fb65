package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/anthropic-accounts/internal/config"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration (defaults + file + environment)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := configFlag
			if cfgPath == "" {
				cfgPath = os.Getenv("ANTHROPIC_ACCOUNTS_CONFIG")
			}
			cfg := config.Load(cfgPath)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}
