package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/oauth"
)

var (
	logoutConfigPath string
	logoutForget     bool
)

var logoutCmd = &cobra.Command{
	Use:   "logout <alias>",
	Short: "Remove stored credentials for an account",
	Long: `Remove the stored token set for an account. The account itself stays in
the config so a later 'mcpgate login' can reuse it; pass --forget to drop
the account entirely.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogout,
}

func init() {
	logoutCmd.Flags().StringVarP(&logoutConfigPath, "config", "c", "", "Path to config file (default: ~/.config/mcpgate/config.json)")
	logoutCmd.Flags().BoolVar(&logoutForget, "forget", false, "Also remove the account from the config")

	rootCmd.AddCommand(logoutCmd)
}

func runLogout(cmd *cobra.Command, args []string) error {
	alias := args[0]

	configPath, err := resolveConfigPath(logoutConfigPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, ok := cfg.Accounts[alias]; !ok {
		return fmt.Errorf("account %q not found", alias)
	}

	store, err := oauth.NewTokenStore(oauth.StoreMode(cfg.TokenStore))
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	if err := store.Remove(alias); err != nil {
		return fmt.Errorf("remove credentials: %w", err)
	}

	if logoutForget {
		if err := cfg.DeleteAccount(alias); err != nil {
			return err
		}
		if err := config.SaveTo(cfg, configPath); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Printf("Logged out and removed account %q\n", alias)
		return nil
	}

	fmt.Printf("Logged out %q (account kept; run 'mcpgate login -a %s' to re-authorize)\n", alias, alias)
	return nil
}
