// Package gateway exposes the merged upstream tool catalog on a local
// stdio MCP endpoint and routes each invocation to the right account's
// session.
package gateway

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpgate/mcpgate/internal/oauth"
	"github.com/mcpgate/mcpgate/internal/session"
)

const (
	accountParam    = "account"
	resourceIDParam = "resourceId"
)

// Capability is one merged catalog entry: the rewritten tool definition
// plus what the router needs to dispatch it.
type Capability struct {
	// Tool is the definition exposed locally, with the account selector
	// injected and resourceId removed.
	Tool mcp.Tool

	// UpstreamName is the tool name on the upstream service.
	UpstreamName string

	// RequiresResourceID records that the upstream schema declared a
	// resourceId parameter, stripped from the local schema.
	RequiresResourceID bool
}

// BuildCatalog lists tools from every session whose credentials are
// usable and merges them into one catalog. All accounts target the same
// backend, so identical names are expected; the first definition wins.
// Accounts that cannot list are skipped with a warning, never fatal.
func BuildCatalog(ctx context.Context, mgr *session.Manager) []Capability {
	var catalog []Capability
	seen := make(map[string]bool)
	aliases := sortedAliases(mgr)

	for _, s := range mgr.Sessions() {
		if st := s.Status(ctx); st != oauth.StatusOK {
			log.Printf("Skipping %q in catalog: auth status %s", s.Alias(), st)
			continue
		}
		tools, err := s.ListCapabilities(ctx)
		if err != nil {
			log.Printf("Skipping %q in catalog: %v", s.Alias(), err)
			continue
		}
		for _, tool := range tools {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			catalog = append(catalog, rewriteTool(tool, aliases))
		}
	}

	sort.Slice(catalog, func(i, j int) bool {
		return catalog[i].Tool.Name < catalog[j].Tool.Name
	})
	return catalog
}

// rewriteTool produces the locally exposed definition: the resourceId
// parameter is dropped (the router fills it from account config) and a
// required account parameter is injected.
func rewriteTool(tool mcp.Tool, aliases []string) Capability {
	cap := Capability{UpstreamName: tool.Name}

	props := make(map[string]any, len(tool.InputSchema.Properties)+1)
	for name, p := range tool.InputSchema.Properties {
		if name == resourceIDParam {
			cap.RequiresResourceID = true
			continue
		}
		props[name] = p
	}
	props[accountParam] = map[string]any{
		"type":        "string",
		"description": accountDescription(aliases),
	}

	required := make([]string, 0, len(tool.InputSchema.Required)+1)
	for _, name := range tool.InputSchema.Required {
		if name == resourceIDParam {
			cap.RequiresResourceID = true
			continue
		}
		required = append(required, name)
	}
	required = append(required, accountParam)

	rewritten := tool
	rewritten.InputSchema = mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
	cap.Tool = rewritten
	return cap
}

func accountDescription(aliases []string) string {
	if len(aliases) == 0 {
		return "Account alias to route this call to"
	}
	return fmt.Sprintf("Account alias to route this call to. One of: %s", strings.Join(aliases, ", "))
}

func sortedAliases(mgr *session.Manager) []string {
	sessions := mgr.Sessions()
	aliases := make([]string, 0, len(sessions))
	for _, s := range sessions {
		aliases = append(aliases, s.Alias())
	}
	return aliases
}
