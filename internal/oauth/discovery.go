package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DiscoveryTimeout bounds each discovery request.
	DiscoveryTimeout = 5 * time.Second

	// MCPProtocolVersion is sent on discovery requests.
	MCPProtocolVersion = "2024-11-05"
)

// AuthorizationServerMetadata holds OAuth server metadata from RFC 8414.
type AuthorizationServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`

	RegistrationEndpoint string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint   string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`

	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// SupportsS256 returns true if the server advertises S256 PKCE.
func (m *AuthorizationServerMetadata) SupportsS256() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	return false
}

// ResourceMetadata holds OAuth Protected Resource Metadata per RFC 9728.
type ResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// Discover resolves the authorization server for an MCP service URL.
//
// It first fetches the service's protected-resource metadata (RFC 9728) and
// runs RFC 8414 discovery against each advertised authorization server. When
// the service publishes no resource metadata, it falls back to RFC 8414
// discovery against the service URL itself. As a last resort it assumes the
// default endpoint layout at the service's origin root.
func Discover(ctx context.Context, serverURL string) (*AuthorizationServerMetadata, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("server URL %q must be absolute", serverURL)
	}

	client := &http.Client{Timeout: DiscoveryTimeout}

	if rm, err := fetchResourceMetadata(ctx, client, parsed); err == nil {
		for _, as := range rm.AuthorizationServers {
			asURL, err := url.Parse(as)
			if err != nil {
				continue
			}
			if md, err := fetchASMetadata(ctx, client, asURL); err == nil {
				return md, nil
			}
		}
	}

	if md, err := fetchASMetadata(ctx, client, parsed); err == nil {
		return md, nil
	}

	// Default endpoint layout at the origin root
	origin := parsed.Scheme + "://" + parsed.Host
	return &AuthorizationServerMetadata{
		Issuer:                origin,
		AuthorizationEndpoint: origin + "/authorize",
		TokenEndpoint:         origin + "/token",
		RegistrationEndpoint:  origin + "/register",
	}, nil
}

// fetchResourceMetadata tries the path-suffixed then root well-known
// locations for protected-resource metadata.
func fetchResourceMetadata(ctx context.Context, client *http.Client, serverURL *url.URL) (*ResourceMetadata, error) {
	base := serverURL.Scheme + "://" + serverURL.Host
	path := strings.TrimSuffix(serverURL.Path, "/")

	var candidates []string
	if path != "" && path != "/" {
		candidates = append(candidates, base+"/.well-known/oauth-protected-resource"+path)
	}
	candidates = append(candidates, base+"/.well-known/oauth-protected-resource")

	var lastErr error
	for _, u := range candidates {
		var rm ResourceMetadata
		if err := fetchJSON(ctx, client, u, &rm); err != nil {
			lastErr = err
			continue
		}
		if len(rm.AuthorizationServers) == 0 {
			lastErr = errors.New("resource metadata has no authorization_servers")
			continue
		}
		return &rm, nil
	}
	return nil, fmt.Errorf("protected resource metadata: %w", lastErr)
}

// fetchASMetadata tries the well-known authorization-server metadata paths
// for a URL, path-suffixed variants first.
func fetchASMetadata(ctx context.Context, client *http.Client, asURL *url.URL) (*AuthorizationServerMetadata, error) {
	base := asURL.Scheme + "://" + asURL.Host
	path := strings.TrimSuffix(asURL.Path, "/")

	var candidates []string
	if path != "" && path != "/" {
		candidates = append(candidates,
			base+"/.well-known/oauth-authorization-server"+path,
			base+path+"/.well-known/oauth-authorization-server")
	}
	candidates = append(candidates, base+"/.well-known/oauth-authorization-server")

	var lastErr error
	for _, u := range candidates {
		var md AuthorizationServerMetadata
		if err := fetchJSON(ctx, client, u, &md); err != nil {
			lastErr = err
			continue
		}
		if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
			lastErr = errors.New("metadata missing required endpoints")
			continue
		}
		return &md, nil
	}
	return nil, fmt.Errorf("authorization server metadata: %w", lastErr)
}

func fetchJSON(ctx context.Context, client *http.Client, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("MCP-Protocol-Version", MCPProtocolVersion)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, u)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse metadata: %w", err)
	}
	return nil
}
