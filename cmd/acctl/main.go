// Package main is the entry point for acctl, the non-interactive
// administrative CLI for the Anthropic OAuth account pool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/anthropic-accounts/internal/config"
	"github.com/opencode-ai/anthropic-accounts/internal/oauth"
	"github.com/opencode-ai/anthropic-accounts/internal/pool"
	"github.com/opencode-ai/anthropic-accounts/internal/store"
	"github.com/opencode-ai/anthropic-accounts/internal/toast"
)

var (
	storeFlag  string
	configFlag string
)

func main() {
	root := &cobra.Command{
		Use:   "acctl",
		Short: "Administer the Anthropic OAuth account pool",
		Long: `acctl manages the OAuth account pool acctld serves requests from:
listing, enabling/disabling, adding and removing accounts, forcing a
refresh or reauth, and inspecting per-account usage stats.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&storeFlag, "store", "", "path to the accounts file (default $HOME/.anthropic-accounts/accounts.json)")
	root.PersistentFlags().StringVar(&configFlag, "config", "", "path to the config file")

	root.AddCommand(
		newListCmd(),
		newStatusCmd(),
		newSwitchCmd(),
		newEnableCmd(),
		newDisableCmd(),
		newRemoveCmd(),
		newResetCmd(),
		newLoginCmd(),
		newLogoutCmd(),
		newReauthCmd(),
		newRefreshCmd(),
		newStatsCmd(),
		newResetStatsCmd(),
		newConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openManager loads the account pool the same way acctld does, so
// acctl observes and mutates exactly the state the server is running
// against.
func openManager() *pool.Manager {
	path := storeFlag
	if path == "" {
		path = envOr("ANTHROPIC_ACCOUNTS_STORE", defaultStorePath())
	}
	cfgPath := configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("ANTHROPIC_ACCOUNTS_CONFIG")
	}

	cfg := config.Load(cfgPath)
	s := store.New(path)
	notifier := toast.NewConsoleNotifier(0, true)
	return pool.Load(s, cfg, notifier, nil)
}

func openOAuthClient() *oauth.Client {
	return oauth.NewClient(nil)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultStorePath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "accounts.json"
	}
	return dir + "/.anthropic-accounts/accounts.json"
}
