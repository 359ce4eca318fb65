package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/anthropic-accounts/internal/store"
)

// parseIndex converts a 1-based CLI account number into the pool's
// 0-based array index.
func parseIndex(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid account number %q", arg)
	}
	return n - 1, nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every account in the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := openManager()
			accounts := m.Accounts()
			active := m.ActiveIndex()
			if len(accounts) == 0 {
				fmt.Println("no accounts configured")
				return nil
			}
			for i, a := range accounts {
				marker := " "
				if i == active {
					marker = "*"
				}
				status := "enabled"
				if !a.Enabled {
					status = "disabled"
				}
				fmt.Printf("%s %d. %s (%s) — %s\n", marker, i+1, m.AccountLabel(i), a.ID, status)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the currently active account and its cooldown state",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := openManager()
			accounts := m.Accounts()
			if len(accounts) == 0 {
				fmt.Println("no accounts configured")
				return nil
			}
			idx := m.ActiveIndex()
			a := accounts[idx]
			fmt.Printf("active: %d. %s (%s)\n", idx+1, m.AccountLabel(idx), a.ID)
			fmt.Printf("enabled: %v\n", a.Enabled)
			fmt.Printf("consecutiveFailures: %d\n", a.ConsecutiveFailures)
			if deadline, ok := a.RateLimitResetTimes["anthropic"]; ok {
				fmt.Printf("cooldown until: %s\n", time.UnixMilli(deadline).Format(time.RFC3339))
			}
			fmt.Printf("enabled accounts: %d/%d\n", m.EnabledCount(), len(accounts))
			return nil
		},
	}
}

func newSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch N",
		Short: "Make account N the active account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			m := openManager()
			if err := m.SetActiveIndex(idx); err != nil {
				return err
			}
			fmt.Printf("switched to %s\n", m.AccountLabel(idx))
			return nil
		},
	}
}

func newEnableCmd() *cobra.Command {
	return toggleCmd("enable", true)
}

func newDisableCmd() *cobra.Command {
	return toggleCmd("disable", false)
}

func toggleCmd(use string, wantEnabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " N",
		Short: fmt.Sprintf("%s account N", capitalize(use)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			m := openManager()
			accounts := m.Accounts()
			if idx < 0 || idx >= len(accounts) {
				return fmt.Errorf("account %s out of range", args[0])
			}
			if accounts[idx].Enabled == wantEnabled {
				fmt.Printf("%s is already %s\n", m.AccountLabel(idx), use+"d")
				return nil
			}
			if err := m.ToggleAccount(idx); err != nil {
				return err
			}
			fmt.Printf("%sd %s\n", use, m.AccountLabel(idx))
			return nil
		},
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func newRemoveCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "remove N",
		Short: "Remove account N from the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("remove requires --force in non-interactive use")
			}
			idx, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			m := openManager()
			label := m.AccountLabel(idx)
			if err := m.RemoveAccount(idx); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", label)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "required to confirm a non-interactive removal")
	return cmd
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset N|all",
		Short: "Clear an account's (or every account's) cooldown and failure count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := openManager()
			target, err := resolveTarget(m, args[0])
			if err != nil {
				return err
			}
			if err := m.ClearCooldown(target); err != nil {
				return err
			}
			fmt.Println("cooldown cleared")
			return nil
		},
	}
}

// resolveTarget turns a CLI "N"|"all" argument into the id string (or
// literal "all") the Manager's id-keyed operations expect.
func resolveTarget(m interface {
	Accounts() []store.Account
}, arg string) (string, error) {
	if arg == "all" {
		return "all", nil
	}
	idx, err := parseIndex(arg)
	if err != nil {
		return "", err
	}
	accounts := m.Accounts()
	if idx < 0 || idx >= len(accounts) {
		return "", fmt.Errorf("account %s out of range", arg)
	}
	return accounts[idx].ID, nil
}
