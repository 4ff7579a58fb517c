package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/oauth"
)

var accountsConfigPath string

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	aliasStyle   = lipgloss.NewStyle().Bold(true)
	defaultStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	statusStyles = map[oauth.AuthStatus]lipgloss.Style{
		oauth.StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		oauth.StatusMissing: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		oauth.StatusExpired: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		oauth.StatusInvalid: lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		oauth.StatusLocked:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List configured accounts and their auth status",
	RunE:  runAccounts,
}

func init() {
	accountsCmd.Flags().StringVarP(&accountsConfigPath, "config", "c", "", "Path to config file (default: ~/.config/mcpgate/config.json)")
	rootCmd.AddCommand(accountsCmd)
}

func runAccounts(cmd *cobra.Command, args []string) error {
	configPath, err := resolveConfigPath(accountsConfigPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Accounts) == 0 {
		fmt.Println(dimStyle.Render("No accounts configured. Run: mcpgate login"))
		return nil
	}

	store, err := oauth.NewTokenStore(oauth.StoreMode(cfg.TokenStore))
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	tokens := oauth.NewTokenManager(store, cfg.ServiceURL, nil)

	aliases := cfg.Aliases()
	sort.Strings(aliases)

	fmt.Println(headerStyle.Render(fmt.Sprintf("%-16s %-8s %-28s %-24s %s", "ALIAS", "STATUS", "SITE", "USER", "")))
	for _, alias := range aliases {
		acct := cfg.Accounts[alias]
		status := tokens.Status(cmd.Context(), alias)

		statusStyle, ok := statusStyles[status]
		if !ok {
			statusStyle = dimStyle
		}
		marker := ""
		if acct.Default {
			marker = defaultStyle.Render("(default)")
		}

		fmt.Printf("%s %s %s %s %s\n",
			aliasStyle.Render(pad(alias, 16)),
			statusStyle.Render(pad(string(status), 8)),
			pad(acct.SiteURL, 28),
			pad(acct.User, 24),
			marker)
	}
	return nil
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
