package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Static client credentials set via environment skip dynamic registration.
const (
	ClientIDEnv     = "MCPGATE_OAUTH_CLIENT_ID"
	ClientSecretEnv = "MCPGATE_OAUTH_CLIENT_SECRET"
	RedirectURIEnv  = "MCPGATE_OAUTH_REDIRECT_URI"
)

const clientsFile = "clients.json"

// ClientCredentials identifies this gateway to an authorization server.
type ClientCredentials struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`

	// AuthMethod is the token endpoint auth method the client registered
	// with ("none" for public clients, "client_secret_post" otherwise).
	AuthMethod string `json:"token_endpoint_auth_method,omitempty"`
}

// StaticClient returns client credentials from the environment, or nil when
// not configured. A static client always wins over dynamic registration.
func StaticClient() *ClientCredentials {
	id := os.Getenv(ClientIDEnv)
	if id == "" {
		return nil
	}
	creds := &ClientCredentials{ClientID: id, AuthMethod: "none"}
	if secret := os.Getenv(ClientSecretEnv); secret != "" {
		creds.ClientSecret = secret
		creds.AuthMethod = "client_secret_post"
	}
	return creds
}

// ClientCache persists dynamically registered clients keyed by
// authorization server issuer, so registration happens once per server.
type ClientCache struct {
	path string
	gate writeGate
}

// NewClientCache creates the cache at the default location.
func NewClientCache() (*ClientCache, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return NewClientCacheAt(filepath.Join(home, storeDir, clientsFile)), nil
}

// NewClientCacheAt creates the cache at a specific path.
func NewClientCacheAt(path string) *ClientCache {
	return &ClientCache{path: path, gate: newWriteGate()}
}

// Get retrieves cached credentials for an issuer. Returns (nil, nil) if absent.
func (c *ClientCache) Get(issuer string) (*ClientCredentials, error) {
	all, err := c.readAll()
	if err != nil {
		return nil, err
	}
	creds, ok := all[issuer]
	if !ok {
		return nil, nil
	}
	return creds, nil
}

// Put stores credentials for an issuer.
func (c *ClientCache) Put(issuer string, creds *ClientCredentials) error {
	return c.gate.do(func() error {
		all, err := c.readAll()
		if err != nil {
			return err
		}
		all[issuer] = creds
		return c.writeAll(all)
	})
}

func (c *ClientCache) readAll() (map[string]*ClientCredentials, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*ClientCredentials), nil
		}
		return nil, fmt.Errorf("read client cache: %w", err)
	}
	var all map[string]*ClientCredentials
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse client cache: %w", err)
	}
	if all == nil {
		all = make(map[string]*ClientCredentials)
	}
	return all, nil
}

func (c *ClientCache) writeAll(all map[string]*ClientCredentials) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal client cache: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write client cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename client cache: %w", err)
	}
	return nil
}

// clientRegistrationRequest is the RFC 7591 registration payload.
type clientRegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegisterClient performs RFC 7591 dynamic client registration.
func RegisterClient(ctx context.Context, registrationEndpoint, redirectURI string, scopes []string) (*ClientCredentials, error) {
	if registrationEndpoint == "" {
		return nil, fmt.Errorf("authorization server has no registration endpoint; set %s", ClientIDEnv)
	}

	req := clientRegistrationRequest{
		RedirectURIs:            []string{redirectURI},
		ClientName:              "mcpgate",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   strings.Join(scopes, " "),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal registration request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", registrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("MCP-Protocol-Version", MCPProtocolVersion)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("registration request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registration failed: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var reg struct {
		ClientID                string `json:"client_id"`
		ClientSecret            string `json:"client_secret,omitempty"`
		TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`
	}
	if err := json.Unmarshal(respBody, &reg); err != nil {
		return nil, fmt.Errorf("parse registration response: %w", err)
	}
	if reg.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}

	method := reg.TokenEndpointAuthMethod
	if method == "" {
		method = "none"
		if reg.ClientSecret != "" {
			method = "client_secret_post"
		}
	}
	return &ClientCredentials{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURIs: []string{redirectURI},
		AuthMethod:   method,
	}, nil
}
