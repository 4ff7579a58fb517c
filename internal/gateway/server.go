package gateway

import (
	"context"
	"log"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/session"
)

// Gateway wires the merged catalog onto a local stdio MCP server.
type Gateway struct {
	srv *server.MCPServer

	mu         sync.RWMutex
	cfg        *config.Config
	mgr        *session.Manager
	registered map[string]bool
}

// New creates the gateway server. Tools are registered by RegisterTools
// once sessions are connected.
func New(cfg *config.Config, mgr *session.Manager, version string) *Gateway {
	g := &Gateway{
		cfg:        cfg,
		mgr:        mgr,
		registered: make(map[string]bool),
	}
	g.srv = server.NewMCPServer("mcpgate", version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	g.srv.AddTool(accountsTool(), g.handleAccountsList)
	return g
}

func (g *Gateway) manager() *session.Manager {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mgr
}

// RegisterTools rebuilds the merged catalog and syncs it onto the local
// server: new tools are added, vanished ones removed. Safe to call again
// after a config reload.
func (g *Gateway) RegisterTools(ctx context.Context) {
	catalog := BuildCatalog(ctx, g.manager())

	g.mu.Lock()
	defer g.mu.Unlock()

	current := make(map[string]bool, len(catalog))
	for _, cap := range catalog {
		current[cap.Tool.Name] = true
		cap := cap
		g.srv.AddTool(cap.Tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return g.dispatch(ctx, cap, req)
		})
	}

	var stale []string
	for name := range g.registered {
		if !current[name] {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		g.srv.DeleteTools(stale...)
	}
	g.registered = current
	log.Printf("Registered %d tools (%d removed)", len(current), len(stale))
}

// Reload applies a changed config: sessions are reconciled, newly added
// accounts connected, and the tool catalog re-registered.
func (g *Gateway) Reload(ctx context.Context, cfg *config.Config) {
	g.mu.Lock()
	g.cfg = cfg
	mgr := g.mgr
	g.mu.Unlock()

	added, removed := mgr.Reload(cfg)
	if len(added) > 0 || len(removed) > 0 {
		log.Printf("Config reload: %d accounts added, %d removed", len(added), len(removed))
	}
	for _, alias := range added {
		if s, ok := mgr.Get(alias); ok {
			if err := s.Connect(ctx); err != nil {
				log.Printf("Connect failed for %q: %v", alias, err)
			}
		}
	}
	g.RegisterTools(ctx)
}

// ServeStdio runs the MCP server on stdin/stdout until EOF or a fatal
// transport error. Logging must stay on stderr while this runs.
func (g *Gateway) ServeStdio() error {
	return server.ServeStdio(g.srv)
}
