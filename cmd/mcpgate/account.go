package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/oauth"
)

var (
	accountConfigPath string
	accountSite       string
	accountResourceID string
	accountUser       string
	accountDefault    bool
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage account records",
}

var accountAddCmd = &cobra.Command{
	Use:   "add <alias>",
	Short: "Add an account without logging in",
	Long: `Add an account record to the config. Credentials are added later with
'mcpgate login --account <alias>'.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountAdd,
}

var accountRemoveCmd = &cobra.Command{
	Use:   "remove <alias>",
	Short: "Remove an account and its stored credentials",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountRemove,
}

var accountDefaultCmd = &cobra.Command{
	Use:   "default <alias>",
	Short: "Mark an account as the default",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountDefault,
}

func init() {
	accountCmd.PersistentFlags().StringVarP(&accountConfigPath, "config", "c", "", "Path to config file (default: ~/.config/mcpgate/config.json)")

	accountAddCmd.Flags().StringVar(&accountSite, "site", "", "Site URL this account belongs to")
	accountAddCmd.Flags().StringVar(&accountResourceID, "resource-id", "", "Account-scoped resource id (default: unknown)")
	accountAddCmd.Flags().StringVar(&accountUser, "user", "", "User display name or email")
	accountAddCmd.Flags().BoolVar(&accountDefault, "default", false, "Mark this account as the default")

	accountCmd.AddCommand(accountAddCmd, accountRemoveCmd, accountDefaultCmd)
	rootCmd.AddCommand(accountCmd)
}

func loadAccountConfig() (*config.Config, string, error) {
	configPath, err := resolveConfigPath(accountConfigPath)
	if err != nil {
		return nil, "", fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, configPath, nil
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadAccountConfig()
	if err != nil {
		return err
	}
	if err := cfg.AddAccount(config.Account{
		Alias:      args[0],
		SiteURL:    accountSite,
		ResourceID: accountResourceID,
		User:       accountUser,
		Default:    accountDefault,
	}); err != nil {
		return err
	}
	if err := config.SaveTo(cfg, configPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Added account %q\n", args[0])
	return nil
}

func runAccountRemove(cmd *cobra.Command, args []string) error {
	alias := args[0]
	cfg, configPath, err := loadAccountConfig()
	if err != nil {
		return err
	}
	if err := cfg.DeleteAccount(alias); err != nil {
		return err
	}

	store, err := oauth.NewTokenStore(oauth.StoreMode(cfg.TokenStore))
	if err == nil {
		if rmErr := store.Remove(alias); rmErr != nil {
			fmt.Printf("Warning: could not remove stored credentials: %v\n", rmErr)
		}
	}

	if err := config.SaveTo(cfg, configPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Removed account %q\n", alias)
	return nil
}

func runAccountDefault(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadAccountConfig()
	if err != nil {
		return err
	}
	if err := cfg.SetDefault(args[0]); err != nil {
		return err
	}
	if err := config.SaveTo(cfg, configPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Default account is now %q\n", args[0])
	return nil
}
