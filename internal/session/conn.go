// Package session manages live upstream MCP connections, one per account,
// with lazy token loading, transport fallback, bounded invocation
// concurrency and a background refresh scheduler.
package session

import (
	"context"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Conn is one initialized upstream MCP connection.
type Conn interface {
	// ListTools returns one page of tool definitions and the next cursor
	// (empty when this is the last page).
	ListTools(ctx context.Context, cursor string) ([]mcp.Tool, string, error)

	// CallTool invokes a tool by its upstream name.
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

	Close() error
}

// DialFunc establishes an authenticated upstream connection.
type DialFunc func(ctx context.Context, bearer string) (Conn, error)

// NewDialer returns a DialFunc for an MCP service URL. It connects over
// streamable HTTP first and falls back to SSE when the primary transport
// fails to start or initialize.
func NewDialer(serverURL, clientVersion string) DialFunc {
	return func(ctx context.Context, bearer string) (Conn, error) {
		headers := map[string]string{"Authorization": "Bearer " + bearer}

		primary, err := transport.NewStreamableHTTP(serverURL, transport.WithHTTPHeaders(headers))
		if err == nil {
			if conn, err := startConn(ctx, primary, clientVersion); err == nil {
				return conn, nil
			} else {
				log.Printf("Streamable HTTP connect to %s failed, trying SSE: %v", serverURL, err)
			}
		}

		fallback, err := transport.NewSSE(serverURL, transport.WithHeaders(headers))
		if err != nil {
			return nil, fmt.Errorf("create sse transport: %w", err)
		}
		conn, err := startConn(ctx, fallback, clientVersion)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", serverURL, err)
		}
		return conn, nil
	}
}

func startConn(ctx context.Context, t transport.Interface, clientVersion string) (Conn, error) {
	c := client.NewClient(t)
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "mcpgate", Version: clientVersion}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return &mcpConn{client: c}, nil
}

// mcpConn adapts an mcp-go client to the Conn interface.
type mcpConn struct {
	client *client.Client
}

func (c *mcpConn) ListTools(ctx context.Context, cursor string) ([]mcp.Tool, string, error) {
	req := mcp.ListToolsRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	res, err := c.client.ListTools(ctx, req)
	if err != nil {
		return nil, "", err
	}
	return res.Tools, string(res.NextCursor), nil
}

func (c *mcpConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return c.client.CallTool(ctx, req)
}

func (c *mcpConn) Close() error {
	return c.client.Close()
}
