package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/oauth"
)

var (
	loginConfigPath   string
	loginAlias        string
	loginSite         string
	loginService      string
	loginUser         string
	loginScopes       []string
	loginNoBrowser    bool
	loginCallbackPort int
	loginDefault      bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize an account via OAuth",
	Long: `Authorize one account against the upstream service and store its tokens.

Opens a browser for the OAuth consent flow. Missing details (alias, site)
are asked for interactively.

Examples:
  mcpgate login --account work --site https://work.example.com
  mcpgate login --account personal --no-browser --callback-port 9321`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVarP(&loginConfigPath, "config", "c", "", "Path to config file (default: ~/.config/mcpgate/config.json)")
	loginCmd.Flags().StringVarP(&loginAlias, "account", "a", "", "Account alias")
	loginCmd.Flags().StringVar(&loginSite, "site", "", "Site URL this account belongs to")
	loginCmd.Flags().StringVar(&loginService, "service", "", "Upstream MCP service URL (persisted in config)")
	loginCmd.Flags().StringVar(&loginUser, "user", "", "User display name or email")
	loginCmd.Flags().StringSliceVar(&loginScopes, "scopes", nil, "OAuth scopes to request (comma-separated)")
	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	loginCmd.Flags().IntVar(&loginCallbackPort, "callback-port", 0, "Override the OAuth callback port")
	loginCmd.Flags().BoolVar(&loginDefault, "default", false, "Mark this account as the default")

	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	configPath, err := resolveConfigPath(loginConfigPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	serviceURL := loginService
	if serviceURL == "" {
		serviceURL = cfg.ServiceURL
	}

	if loginAlias == "" || loginSite == "" || serviceURL == "" {
		if err := loginForm(&serviceURL); err != nil {
			return err
		}
	}
	if err := config.ValidateAlias(loginAlias); err != nil {
		return fmt.Errorf("invalid alias: %w", err)
	}
	if _, err := url.ParseRequestURI(serviceURL); err != nil {
		return fmt.Errorf("invalid service URL %q: %w", serviceURL, err)
	}

	store, err := oauth.NewTokenStore(oauth.StoreMode(cfg.TokenStore))
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	clientCache, err := oauth.NewClientCache()
	if err != nil {
		return fmt.Errorf("open client cache: %w", err)
	}

	callbackPort := loginCallbackPort
	if callbackPort == 0 {
		callbackPort = cfg.CallbackPort
	}

	ts, err := oauth.Login(cmd.Context(), store, clientCache, oauth.LoginOptions{
		Alias:        loginAlias,
		ServerURL:    serviceURL,
		Scopes:       loginScopes,
		NoBrowser:    loginNoBrowser,
		CallbackPort: callbackPort,
	})
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	cfg.ServiceURL = serviceURL
	acct := config.Account{
		Alias:   loginAlias,
		SiteURL: loginSite,
		User:    loginUser,
		Default: loginDefault,
	}
	if existing, ok := cfg.Accounts[loginAlias]; ok {
		acct.ResourceID = existing.ResourceID
		if acct.User == "" {
			acct.User = existing.User
		}
		if !loginDefault {
			acct.Default = existing.Default
		}
		if err := cfg.UpdateAccount(acct); err != nil {
			return err
		}
	} else if err := cfg.AddAccount(acct); err != nil {
		return err
	}
	if err := config.SaveTo(cfg, configPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("Logged in as %q", loginAlias)
	if len(ts.Scopes) > 0 {
		fmt.Printf(" (scopes: %s)", strings.Join(ts.Scopes, " "))
	}
	fmt.Printf("; token valid until %s\n", time.UnixMilli(ts.ExpiresAt).Format(time.RFC3339))
	return nil
}

// loginForm collects missing login details interactively.
func loginForm(serviceURL *string) error {
	var fields []huh.Field
	if loginAlias == "" {
		fields = append(fields, huh.NewInput().
			Title("Account alias").
			Description("Unique name used to route calls to this account").
			Validate(config.ValidateAlias).
			Value(&loginAlias))
	}
	if loginSite == "" {
		fields = append(fields, huh.NewInput().
			Title("Site URL").
			Placeholder("https://yoursite.example.com").
			Validate(huh.ValidateNotEmpty()).
			Value(&loginSite))
	}
	if *serviceURL == "" {
		fields = append(fields, huh.NewInput().
			Title("Service URL").
			Description("Upstream MCP endpoint shared by all accounts").
			Placeholder("https://mcp.example.com/mcp").
			Validate(huh.ValidateNotEmpty()).
			Value(serviceURL))
	}
	if len(fields) == 0 {
		return nil
	}
	form := huh.NewForm(huh.NewGroup(fields...))
	if err := form.Run(); err != nil {
		return fmt.Errorf("login cancelled: %w", err)
	}
	return nil
}
