package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpgate/mcpgate/internal/config"
)

// Version information (set at build time via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "Multi-account MCP gateway",
	Long: `mcpgate holds credentials and live connections for several accounts on the
same MCP service and exposes them through a single local MCP endpoint.

Every exposed tool takes an extra required "account" argument naming the
account the call is routed to.

Use 'mcpgate login' to authorize an account, then point your MCP client at
'mcpgate serve'.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveConfigPath expands a user-provided config path or falls back to
// the default location.
func resolveConfigPath(flagValue string) (string, error) {
	if flagValue != "" {
		return config.ExpandPath(flagValue)
	}
	return config.ConfigPath()
}
