package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show usage counters for every account",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := openManager()
			accounts := m.Accounts()
			if len(accounts) == 0 {
				fmt.Println("no accounts configured")
				return nil
			}
			for i, a := range accounts {
				fmt.Printf("%d. %s\n", i+1, m.AccountLabel(i))
				fmt.Printf("   requests: %d  input: %d  output: %d  cacheRead: %d  cacheWrite: %d\n",
					a.Stats.Requests, a.Stats.InputTokens, a.Stats.OutputTokens,
					a.Stats.CacheReadTokens, a.Stats.CacheWriteTokens)
				if a.Stats.LastReset > 0 {
					fmt.Printf("   since: %s\n", time.UnixMilli(a.Stats.LastReset).Format(time.RFC3339))
				}
			}
			return nil
		},
	}
}

func newResetStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-stats N|all",
		Short: "Zero usage counters for account N, or every account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := openManager()
			target, err := resolveTarget(m, args[0])
			if err != nil {
				return err
			}
			if err := m.ResetStats(target); err != nil {
				return err
			}
			fmt.Println("stats reset")
			return nil
		},
	}
}
