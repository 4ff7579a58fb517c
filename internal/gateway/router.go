package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpgate/mcpgate/internal/config"
)

// dispatch routes one tool call: it pulls the account selector out of the
// arguments, resolves the session, fills in the account's resource id when
// the upstream schema wants one, and normalizes the result. All
// account-scoped failures come back as tool error results, not transport
// errors.
func (g *Gateway) dispatch(ctx context.Context, cap Capability, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	alias, _ := args[accountParam].(string)
	if alias == "" {
		return mcp.NewToolResultError(g.accountError("account argument is required")), nil
	}
	sess, ok := g.manager().Get(alias)
	if !ok {
		return mcp.NewToolResultError(g.accountError(fmt.Sprintf("unknown account %q", alias))), nil
	}

	upstream := make(map[string]any, len(args))
	for k, v := range args {
		if k == accountParam {
			continue
		}
		upstream[k] = v
	}
	if cap.RequiresResourceID {
		if _, set := upstream[resourceIDParam]; !set {
			rid := sess.Account().ResourceID
			if rid != "" && rid != config.UnknownResourceID {
				upstream[resourceIDParam] = rid
			}
		}
	}

	result, err := sess.Invoke(ctx, cap.UpstreamName, upstream)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed for account %q: %v", cap.UpstreamName, alias, err)), nil
	}
	return normalizeResult(result), nil
}

// accountError appends the known aliases so the caller can self-correct.
func (g *Gateway) accountError(msg string) string {
	aliases := sortedAliases(g.manager())
	if len(aliases) == 0 {
		return msg + " (no accounts configured; run: mcpgate login)"
	}
	return fmt.Sprintf("%s; known accounts: %s", msg, strings.Join(aliases, ", "))
}

// normalizeResult passes native results through untouched and unwraps the
// legacy envelope some upstreams still emit: a single text block whose
// payload is a JSON object with only a "result" key.
func normalizeResult(result *mcp.CallToolResult) *mcp.CallToolResult {
	if result == nil || result.IsError || len(result.Content) != 1 {
		return result
	}
	text, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		return result
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text.Text), &wrapper); err != nil {
		return result
	}
	inner, ok := wrapper["result"]
	if !ok || len(wrapper) != 1 {
		return result
	}

	unwrapped := *result
	var payload any
	if err := json.Unmarshal(inner, &payload); err == nil {
		if s, isStr := payload.(string); isStr {
			unwrapped.Content = []mcp.Content{mcp.NewTextContent(s)}
		} else {
			unwrapped.Content = []mcp.Content{mcp.NewTextContent(string(inner))}
		}
		if unwrapped.StructuredContent == nil {
			unwrapped.StructuredContent = payload
		}
	}
	return &unwrapped
}

// accountsTool is the discovery meta-tool describing the configured
// accounts and their live auth state.
func accountsTool() mcp.Tool {
	return mcp.NewTool("accounts_list",
		mcp.WithDescription("List configured accounts: alias, site, user, auth status, connection state and which account is the default."),
	)
}

type accountInfo struct {
	Alias      string `json:"alias"`
	SiteURL    string `json:"siteUrl,omitempty"`
	ResourceID string `json:"resourceId,omitempty"`
	User       string `json:"user,omitempty"`
	Default    bool   `json:"default,omitempty"`
	AuthStatus string `json:"authStatus"`
	Connected  bool   `json:"connected"`
}

func (g *Gateway) handleAccountsList(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var infos []accountInfo
	for _, s := range g.manager().Sessions() {
		acct := s.Account()
		infos = append(infos, accountInfo{
			Alias:      acct.Alias,
			SiteURL:    acct.SiteURL,
			ResourceID: acct.ResourceID,
			User:       acct.User,
			Default:    acct.Default,
			AuthStatus: string(s.Status(ctx)),
			Connected:  s.Connected(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Alias < infos[j].Alias })

	data, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal accounts: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
