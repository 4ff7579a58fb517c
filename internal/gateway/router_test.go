package gateway

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/oauth"
	"github.com/mcpgate/mcpgate/internal/session"
)

// fakeConn is a minimal scriptable upstream connection.
type fakeConn struct {
	tools     []mcp.Tool
	callCount atomic.Int32
	lastName  string
	lastArgs  map[string]any
}

func (c *fakeConn) ListTools(ctx context.Context, cursor string) ([]mcp.Tool, string, error) {
	return c.tools, "", nil
}

func (c *fakeConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c.callCount.Add(1)
	c.lastName = name
	c.lastArgs = args
	return mcp.NewToolResultText("done"), nil
}

func (c *fakeConn) Close() error { return nil }

// newGateway builds a gateway over fake connections. conns maps the
// account's bearer token suffix (== alias) to its connection.
func newGateway(t *testing.T, accounts []config.Account, conns map[string]*fakeConn) (*Gateway, *session.Manager) {
	t.Helper()

	cfg := config.NewConfig()
	cfg.ServiceURL = "https://mcp.example.com/mcp"
	store := oauth.NewFileStoreAt(filepath.Join(t.TempDir(), "tokens.json"))
	for _, acct := range accounts {
		cfg.Accounts[acct.Alias] = acct
		if _, hasConn := conns[acct.Alias]; hasConn {
			if err := store.Set(acct.Alias, &oauth.TokenSet{
				AccessToken: "tok-" + acct.Alias,
				ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
			}); err != nil {
				t.Fatal(err)
			}
		}
	}

	tokens := oauth.NewTokenManager(store, "http://unused.invalid", nil)
	mgr := session.NewManager(cfg, tokens, func(ctx context.Context, bearer string) (session.Conn, error) {
		alias := strings.TrimPrefix(bearer, "tok-")
		return conns[alias], nil
	})
	t.Cleanup(mgr.CloseAll)

	return New(cfg, mgr, "test"), mgr
}

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		return ""
	}
	text, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		t.Fatalf("content is not text: %#v", result.Content[0])
	}
	return text.Text
}

func TestRewriteToolInjectsAccountAndStripsResourceID(t *testing.T) {
	tool := mcp.Tool{
		Name: "search",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"query":         map[string]any{"type": "string"},
				resourceIDParam: map[string]any{"type": "string"},
			},
			Required: []string{"query", resourceIDParam},
		},
	}

	cap := rewriteTool(tool, []string{"work", "personal"})
	if !cap.RequiresResourceID {
		t.Error("RequiresResourceID not recorded")
	}
	if _, ok := cap.Tool.InputSchema.Properties[resourceIDParam]; ok {
		t.Error("resourceId still in exposed schema")
	}
	if _, ok := cap.Tool.InputSchema.Properties[accountParam]; !ok {
		t.Error("account parameter not injected")
	}

	required := strings.Join(cap.Tool.InputSchema.Required, ",")
	if !strings.Contains(required, accountParam) {
		t.Errorf("required = %q, account missing", required)
	}
	if strings.Contains(required, resourceIDParam) {
		t.Errorf("required = %q, resourceId should be stripped", required)
	}

	desc, _ := cap.Tool.InputSchema.Properties[accountParam].(map[string]any)
	if !strings.Contains(desc["description"].(string), "work, personal") {
		t.Errorf("account description does not list aliases: %v", desc["description"])
	}
}

func TestRewriteToolWithoutResourceID(t *testing.T) {
	tool := mcp.Tool{
		Name: "ping",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}
	cap := rewriteTool(tool, nil)
	if cap.RequiresResourceID {
		t.Error("RequiresResourceID set for tool without resourceId")
	}
	if len(cap.Tool.InputSchema.Required) != 1 || cap.Tool.InputSchema.Required[0] != accountParam {
		t.Errorf("Required = %v, want [account]", cap.Tool.InputSchema.Required)
	}
}

func TestBuildCatalogFirstDefinitionWins(t *testing.T) {
	connA := &fakeConn{tools: []mcp.Tool{
		{Name: "search", Description: "from alpha"},
		{Name: "fetch"},
	}}
	connB := &fakeConn{tools: []mcp.Tool{
		{Name: "search", Description: "from beta"},
		{Name: "delete"},
	}}

	_, mgr := newGateway(t,
		[]config.Account{{Alias: "alpha"}, {Alias: "beta"}},
		map[string]*fakeConn{"alpha": connA, "beta": connB})

	catalog := BuildCatalog(context.Background(), mgr)
	if len(catalog) != 3 {
		t.Fatalf("catalog size = %d, want 3 (search merged)", len(catalog))
	}
	for _, cap := range catalog {
		if cap.Tool.Name == "search" && cap.Tool.Description != "from alpha" {
			t.Errorf("search description = %q, first definition (alpha) should win", cap.Tool.Description)
		}
	}
}

func TestBuildCatalogSkipsAccountsWithoutCredentials(t *testing.T) {
	conn := &fakeConn{tools: []mcp.Tool{{Name: "search"}}}

	// "broke" gets no stored tokens, so its status is missing.
	_, mgr := newGateway(t,
		[]config.Account{{Alias: "ok"}, {Alias: "broke"}},
		map[string]*fakeConn{"ok": conn})

	catalog := BuildCatalog(context.Background(), mgr)
	if len(catalog) != 1 {
		t.Fatalf("catalog size = %d, want 1", len(catalog))
	}
	if catalog[0].UpstreamName != "search" {
		t.Errorf("catalog[0] = %q", catalog[0].UpstreamName)
	}
}

func TestDispatchRequiresAccount(t *testing.T) {
	conn := &fakeConn{}
	g, _ := newGateway(t, []config.Account{{Alias: "work"}}, map[string]*fakeConn{"work": conn})

	cap := Capability{UpstreamName: "search"}
	result, err := g.dispatch(context.Background(), cap, callReq("search", map[string]any{"query": "x"}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error result for missing account")
	}
	if conn.callCount.Load() != 0 {
		t.Error("upstream was contacted despite missing account")
	}
	if !strings.Contains(resultText(t, result), "work") {
		t.Error("error text does not list known accounts")
	}
}

func TestDispatchRejectsUnknownAccount(t *testing.T) {
	conn := &fakeConn{}
	g, _ := newGateway(t, []config.Account{{Alias: "work"}}, map[string]*fakeConn{"work": conn})

	result, err := g.dispatch(context.Background(), Capability{UpstreamName: "search"},
		callReq("search", map[string]any{accountParam: "nope"}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Fatal("expected tool error result for unknown account")
	}
	if conn.callCount.Load() != 0 {
		t.Error("upstream was contacted for unknown account")
	}
}

func TestDispatchStripsAccountAndFillsResourceID(t *testing.T) {
	conn := &fakeConn{}
	g, _ := newGateway(t,
		[]config.Account{{Alias: "work", ResourceID: "R123"}},
		map[string]*fakeConn{"work": conn})

	cap := Capability{UpstreamName: "search", RequiresResourceID: true}
	result, err := g.dispatch(context.Background(), cap,
		callReq("search", map[string]any{accountParam: "work", "query": "x"}))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, result))
	}

	if _, ok := conn.lastArgs[accountParam]; ok {
		t.Error("account selector leaked upstream")
	}
	if conn.lastArgs[resourceIDParam] != "R123" {
		t.Errorf("resourceId = %v, want auto-filled R123", conn.lastArgs[resourceIDParam])
	}
	if conn.lastArgs["query"] != "x" {
		t.Errorf("query = %v, want x", conn.lastArgs["query"])
	}
}

func TestDispatchKeepsCallerResourceID(t *testing.T) {
	conn := &fakeConn{}
	g, _ := newGateway(t,
		[]config.Account{{Alias: "work", ResourceID: "R123"}},
		map[string]*fakeConn{"work": conn})

	cap := Capability{UpstreamName: "search", RequiresResourceID: true}
	if _, err := g.dispatch(context.Background(), cap,
		callReq("search", map[string]any{accountParam: "work", resourceIDParam: "explicit"})); err != nil {
		t.Fatal(err)
	}
	if conn.lastArgs[resourceIDParam] != "explicit" {
		t.Errorf("resourceId = %v, caller's explicit value must win", conn.lastArgs[resourceIDParam])
	}
}

func TestDispatchNeverFillsUnknownResourceID(t *testing.T) {
	conn := &fakeConn{}
	g, _ := newGateway(t,
		[]config.Account{{Alias: "work", ResourceID: config.UnknownResourceID}},
		map[string]*fakeConn{"work": conn})

	cap := Capability{UpstreamName: "search", RequiresResourceID: true}
	if _, err := g.dispatch(context.Background(), cap,
		callReq("search", map[string]any{accountParam: "work"})); err != nil {
		t.Fatal(err)
	}
	if _, ok := conn.lastArgs[resourceIDParam]; ok {
		t.Error("sentinel resource id was auto-filled upstream")
	}
}

func TestNormalizeResultUnwrapsLegacyEnvelope(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"object payload", `{"result": {"items": [1, 2]}}`, `{"items": [1, 2]}`},
		{"string payload", `{"result": "plain text"}`, "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := mcp.NewToolResultText(tt.in)
			got := normalizeResult(in)
			text, _ := mcp.AsTextContent(got.Content[0])
			if text.Text != tt.want {
				t.Errorf("normalized text = %q, want %q", text.Text, tt.want)
			}
			if got.StructuredContent == nil {
				t.Error("structured payload not preserved")
			}
		})
	}
}

func TestNormalizeResultPassesThroughNativeResults(t *testing.T) {
	cases := []*mcp.CallToolResult{
		mcp.NewToolResultText("not json at all"),
		mcp.NewToolResultText(`{"result": 1, "extra": 2}`),
		mcp.NewToolResultText(`[1,2,3]`),
		mcp.NewToolResultError("upstream failed"),
	}
	for _, in := range cases {
		got := normalizeResult(in)
		if got != in {
			t.Errorf("result %v was rewritten, want pass-through", in)
		}
	}
}

func TestAccountsListTool(t *testing.T) {
	conn := &fakeConn{}
	g, _ := newGateway(t,
		[]config.Account{
			{Alias: "work", SiteURL: "https://w.example.com", Default: true},
			{Alias: "personal"},
		},
		map[string]*fakeConn{"work": conn})

	result, err := g.handleAccountsList(context.Background(), callReq("accounts_list", nil))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", resultText(t, result))
	}

	var infos []accountInfo
	if err := json.Unmarshal([]byte(resultText(t, result)), &infos); err != nil {
		t.Fatalf("parse accounts payload: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("accounts = %d, want 2", len(infos))
	}
	if infos[0].Alias != "personal" || infos[1].Alias != "work" {
		t.Errorf("aliases = %v, want sorted [personal work]", []string{infos[0].Alias, infos[1].Alias})
	}
	if infos[1].AuthStatus != string(oauth.StatusOK) {
		t.Errorf("work status = %q, want ok", infos[1].AuthStatus)
	}
	if infos[0].AuthStatus != string(oauth.StatusMissing) {
		t.Errorf("personal status = %q, want missing", infos[0].AuthStatus)
	}
	if !infos[1].Default {
		t.Error("work should be flagged default")
	}
}
