package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/anthropic-accounts/internal/oauth"
	"github.com/opencode-ai/anthropic-accounts/internal/pool"
)

// promptLine prints prompt and reads one line of stdin, trimmed.
func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func newLoginCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Add an account by running the OAuth authorization-code flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			oauthMode := oauth.ModeConsole
			if mode == "max" {
				oauthMode = oauth.ModeMax
			}

			client := openOAuthClient()
			authorizeURL, verifier, err := client.Authorize(oauthMode)
			if err != nil {
				return fmt.Errorf("build authorize URL: %w", err)
			}

			fmt.Println("Open this URL, approve access, then paste the resulting code:")
			fmt.Println(authorizeURL)
			code, err := promptLine("code: ")
			if err != nil {
				return fmt.Errorf("read code: %w", err)
			}
			if code == "" {
				return fmt.Errorf("no code entered")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			creds, err := client.Exchange(ctx, code, verifier)
			if err != nil {
				return fmt.Errorf("exchange code: %w", err)
			}

			m := openManager()
			_, ok := m.AddAccount(creds.RefreshToken, creds.AccessToken, creds.ExpiresAt, creds.Email)
			if !ok {
				return fmt.Errorf("pool is full (max %d accounts)", pool.MaxAccounts)
			}
			fmt.Println("account added")
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "console", "OAuth mode: console|max")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	var all, force bool
	cmd := &cobra.Command{
		Use:   "logout [N]",
		Short: "Revoke and remove an account (or every account with --all)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("logout requires --force in non-interactive use")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("logout requires an account number or --all")
			}

			m := openManager()
			client := openOAuthClient()

			if all {
				accounts := m.Accounts()
				for i := len(accounts) - 1; i >= 0; i-- {
					client.Revoke(accounts[i].RefreshToken)
					if err := m.RemoveAccount(i); err != nil {
						return err
					}
				}
				fmt.Println("logged out of all accounts")
				return nil
			}

			idx, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			accounts := m.Accounts()
			if idx < 0 || idx >= len(accounts) {
				return fmt.Errorf("account %s out of range", args[0])
			}
			client.Revoke(accounts[idx].RefreshToken)
			if err := m.RemoveAccount(idx); err != nil {
				return err
			}
			fmt.Println("logged out")
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "log out of every account")
	cmd.Flags().BoolVar(&force, "force", false, "required to confirm a non-interactive logout")
	return cmd
}

func newReauthCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "reauth N",
		Short: "Re-run the OAuth flow for account N, replacing its credentials",
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
			old := accounts[idx]

			oauthMode := oauth.ModeConsole
			if mode == "max" {
				oauthMode = oauth.ModeMax
			}
			client := openOAuthClient()
			authorizeURL, verifier, err := client.Authorize(oauthMode)
			if err != nil {
				return fmt.Errorf("build authorize URL: %w", err)
			}

			fmt.Println("Open this URL, approve access, then paste the resulting code:")
			fmt.Println(authorizeURL)
			code, err := promptLine("code: ")
			if err != nil {
				return fmt.Errorf("read code: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			creds, err := client.Exchange(ctx, code, verifier)
			if err != nil {
				return fmt.Errorf("exchange code: %w", err)
			}

			email := creds.Email
			if email == "" {
				email = old.Email
			}
			if _, ok := m.AddAccount(creds.RefreshToken, creds.AccessToken, creds.ExpiresAt, email); !ok {
				return fmt.Errorf("pool is full (max %d accounts)", pool.MaxAccounts)
			}
			if creds.RefreshToken != old.RefreshToken {
				// AddAccount may have appended a new entry or mutated one
				// in place; recompute old's current index by id rather
				// than assuming it's still at idx.
				if oldIdx, ok := m.IndexByID(old.ID); ok {
					if err := m.RemoveAccount(oldIdx); err != nil {
						return err
					}
				}
			}
			fmt.Println("reauthenticated")
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "console", "OAuth mode: console|max")
	return cmd
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh N",
		Short: "Force an immediate token refresh for account N",
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
			acc := accounts[idx]

			client := openOAuthClient()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			result, err := client.Refresh(ctx, acc.RefreshToken)
			if err != nil {
				return fmt.Errorf("refresh: %w", err)
			}
			m.SetToken(acc.ID, result.AccessToken, result.ExpiresAt, result.RefreshToken)
			fmt.Println("refreshed")
			return nil
		},
	}
}
