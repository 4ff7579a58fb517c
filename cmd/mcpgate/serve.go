package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/gateway"
	"github.com/mcpgate/mcpgate/internal/oauth"
	"github.com/mcpgate/mcpgate/internal/session"
)

var (
	serveConfigPath string
	serveLogLevel   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run as a local MCP server",
	Long: `Run mcpgate as an MCP server on stdio, exposing the upstream service's
tools for every configured account.

This mode is intended to be spawned by an MCP client:

  {
    "mcpgate": {
      "command": "mcpgate",
      "args": ["serve"]
    }
  }

Each exposed tool gains a required "account" argument selecting which
account's connection handles the call.`,
	RunE: runServe,
}

func init() {
	// --stdio is accepted for client compatibility; stdio is the only transport
	serveCmd.Flags().Bool("stdio", false, "Use stdio transport (default, always enabled)")
	_ = serveCmd.Flags().MarkHidden("stdio")

	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to config file (default: ~/.config/mcpgate/config.json)")
	serveCmd.Flags().StringVarP(&serveLogLevel, "log-level", "l", "info", "Log level (debug, info, error, off)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// stdout carries the MCP protocol; everything else goes to stderr.
	switch serveLogLevel {
	case "debug":
		log.SetOutput(os.Stderr)
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	case "info", "error":
		log.SetOutput(os.Stderr)
		log.SetFlags(log.LstdFlags)
	default:
		log.SetOutput(io.Discard)
	}

	log.Printf("mcpgate serve starting (version=%s)", version)

	configPath, err := resolveConfigPath(serveConfigPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.ServiceURL == "" {
		return fmt.Errorf("no serviceUrl configured; run: mcpgate login")
	}
	log.Printf("Loaded config with %d accounts (store=%s)", len(cfg.Accounts), cfg.TokenStore)

	store, err := oauth.NewTokenStore(oauth.StoreMode(cfg.TokenStore))
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	clientCache, err := oauth.NewClientCache()
	if err != nil {
		return fmt.Errorf("open client cache: %w", err)
	}

	tokens := oauth.NewTokenManager(store, cfg.ServiceURL, clientCache)
	dial := session.NewDialer(cfg.ServiceURL, version)
	mgr := session.NewManager(cfg, tokens, dial)
	defer mgr.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errs := mgr.ConnectAll(ctx); len(errs) > 0 {
		log.Printf("%d of %d accounts failed to connect", len(errs), len(cfg.Accounts))
	}

	gw := gateway.New(cfg, mgr, version)
	gw.RegisterTools(ctx)

	mgr.StartRefresh(cfg.RefreshInterval())

	go func() {
		if err := config.Watch(ctx, configPath, func(newCfg *config.Config) {
			gw.Reload(ctx, newCfg)
		}); err != nil && ctx.Err() == nil {
			log.Printf("Config watcher stopped: %v", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- gw.ServeStdio() }()

	select {
	case <-ctx.Done():
		log.Printf("Shutting down")
		return nil
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}
