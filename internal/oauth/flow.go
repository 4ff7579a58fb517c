package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// DefaultRedirectURI is used when neither an environment override nor a
// cached registration pins the redirect.
const DefaultRedirectURI = "http://127.0.0.1:5598/callback"

// loginTimeout bounds the wait for the browser callback.
const loginTimeout = 5 * time.Minute

// TokenResponse is the token endpoint response shape.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ToTokenSet converts a token response into a stored token set.
// When the response carries no refresh token, prev's refresh token is kept.
func (r *TokenResponse) ToTokenSet(prev *TokenSet) *TokenSet {
	ts := &TokenSet{
		AccessToken: r.AccessToken,
		TokenType:   r.TokenType,
		ExpiresAt:   time.Now().Add(time.Duration(r.ExpiresIn) * time.Second).UnixMilli(),
	}
	if r.RefreshToken != "" {
		ts.RefreshToken = r.RefreshToken
	} else if prev != nil {
		ts.RefreshToken = prev.RefreshToken
	}
	if r.Scope != "" {
		ts.Scopes = strings.Fields(r.Scope)
	} else if prev != nil {
		ts.Scopes = prev.Scopes
	}
	return ts
}

// TokenAuthMethod selects how the client authenticates to the token endpoint.
type TokenAuthMethod string

const (
	TokenAuthNone        TokenAuthMethod = "none"
	TokenAuthSecretPost  TokenAuthMethod = "client_secret_post"
	TokenAuthSecretBasic TokenAuthMethod = "client_secret_basic"
)

// tokenRequest holds everything needed for one token endpoint call.
type tokenRequest struct {
	Endpoint   string
	Params     url.Values
	Client     *ClientCredentials
	AuthMethod TokenAuthMethod
}

// doTokenRequest performs a token endpoint request. Rejections whose error
// code is invalid_grant are wrapped in ErrInvalidGrant so callers can
// quarantine the refresh token.
func doTokenRequest(ctx context.Context, req tokenRequest) (*TokenResponse, error) {
	params := req.Params
	params.Set("client_id", req.Client.ClientID)
	if req.AuthMethod == TokenAuthSecretPost && req.Client.ClientSecret != "" {
		params.Set("client_secret", req.Client.ClientSecret)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", req.Endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("MCP-Protocol-Version", MCPProtocolVersion)
	if req.AuthMethod == TokenAuthSecretBasic && req.Client.ClientSecret != "" {
		httpReq.SetBasicAuth(req.Client.ClientID, req.Client.ClientSecret)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		if oauthErr.Error == "invalid_grant" || strings.Contains(string(body), "invalid_grant") {
			return nil, fmt.Errorf("token endpoint HTTP %d: %s: %w", resp.StatusCode, oauthErr.ErrorDescription, ErrInvalidGrant)
		}
		return nil, fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("response missing access_token")
	}
	return &tokens, nil
}

// determineAuthMethod picks the token endpoint auth method from server
// metadata and the client's credentials.
func determineAuthMethod(md *AuthorizationServerMetadata, client *ClientCredentials) TokenAuthMethod {
	if client.ClientSecret == "" {
		return TokenAuthNone
	}
	supported := md.TokenEndpointAuthMethods
	if len(supported) == 0 {
		return TokenAuthSecretBasic
	}
	for _, m := range supported {
		if m == "client_secret_post" {
			return TokenAuthSecretPost
		}
	}
	for _, m := range supported {
		if m == "client_secret_basic" {
			return TokenAuthSecretBasic
		}
	}
	return TokenAuthSecretPost
}

// refreshGrant exchanges a refresh token for a new token response.
func refreshGrant(ctx context.Context, md *AuthorizationServerMetadata, client *ClientCredentials, refreshToken string) (*TokenResponse, error) {
	return doTokenRequest(ctx, tokenRequest{
		Endpoint: md.TokenEndpoint,
		Params: url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
		},
		Client:     client,
		AuthMethod: determineAuthMethod(md, client),
	})
}

// LoginOptions configures an interactive login flow.
type LoginOptions struct {
	// Alias is the account alias the resulting token set is stored under.
	Alias string

	// ServerURL is the upstream MCP service URL.
	ServerURL string

	// Scopes to request (may be empty).
	Scopes []string

	// NoBrowser prints the authorization URL instead of opening a browser.
	NoBrowser bool

	// CallbackPort overrides the redirect listener port (0 = derived).
	CallbackPort int
}

// Login runs the full OAuth 2.1 authorization code + PKCE flow for one
// account and stores the resulting token set under opts.Alias.
func Login(ctx context.Context, store TokenStore, cache *ClientCache, opts LoginOptions) (*TokenSet, error) {
	md, err := Discover(ctx, opts.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("oauth discovery: %w", err)
	}

	client, redirectURI, err := resolveClient(ctx, cache, md, opts)
	if err != nil {
		return nil, err
	}

	// Port already in use is fatal; no alternative port is probed.
	callback, err := NewCallbackServer(redirectURI)
	if err != nil {
		return nil, err
	}
	defer func() { _ = callback.Close() }()

	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	authURL := buildAuthorizationURL(md, client, redirectURI, pkce, state, opts.Scopes)
	if opts.NoBrowser {
		fmt.Printf("Open this URL to authorize %s:\n\n  %s\n\n", opts.Alias, authURL)
	} else {
		if err := openBrowser(authURL); err != nil {
			log.Printf("Could not open browser: %v", err)
		}
		fmt.Printf("If your browser did not open, visit:\n\n  %s\n\n", authURL)
	}

	waitCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	result, err := callback.Wait(waitCtx)
	if err != nil {
		return nil, fmt.Errorf("waiting for authorization callback: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("authorization error: %s: %s", result.Error, result.ErrorDescription)
	}
	if result.State != state {
		return nil, fmt.Errorf("state mismatch in authorization callback")
	}
	if result.Code == "" {
		return nil, fmt.Errorf("no authorization code received")
	}

	tokens, err := doTokenRequest(ctx, tokenRequest{
		Endpoint: md.TokenEndpoint,
		Params: url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {result.Code},
			"redirect_uri":  {redirectURI},
			"code_verifier": {pkce.Verifier},
		},
		Client:     client,
		AuthMethod: determineAuthMethod(md, client),
	})
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	ts := tokens.ToTokenSet(nil)
	if len(ts.Scopes) == 0 {
		ts.Scopes = opts.Scopes
	}
	if err := store.Set(opts.Alias, ts); err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}
	return ts, nil
}

// resolveClient picks client credentials and the redirect URI: static env
// client first, then the cached dynamic registration, then a fresh
// registration which is cached for next time.
func resolveClient(ctx context.Context, cache *ClientCache, md *AuthorizationServerMetadata, opts LoginOptions) (*ClientCredentials, string, error) {
	redirect := resolveRedirectURI(nil, opts.CallbackPort)

	if static := StaticClient(); static != nil {
		return static, redirect, nil
	}

	issuer := md.Issuer
	if issuer == "" {
		issuer = md.TokenEndpoint
	}
	if cache != nil {
		cached, err := cache.Get(issuer)
		if err != nil {
			log.Printf("Client cache read failed: %v", err)
		} else if cached != nil {
			return cached, resolveRedirectURI(cached, opts.CallbackPort), nil
		}
	}

	creds, err := RegisterClient(ctx, md.RegistrationEndpoint, redirect, opts.Scopes)
	if err != nil {
		return nil, "", fmt.Errorf("client registration: %w", err)
	}
	if cache != nil {
		if err := cache.Put(issuer, creds); err != nil {
			log.Printf("Client cache write failed: %v", err)
		}
	}
	return creds, redirect, nil
}

// resolveRedirectURI determines the redirect URI: explicit env override,
// then the cached registration's redirect, then the fixed local default.
// A port override rewrites the port of whichever base applies.
func resolveRedirectURI(creds *ClientCredentials, portOverride int) string {
	base := DefaultRedirectURI
	if env := strings.TrimSpace(envRedirectURI()); env != "" {
		base = env
	} else if creds != nil && len(creds.RedirectURIs) > 0 {
		base = creds.RedirectURIs[0]
	}
	if portOverride <= 0 {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	u.Host = fmt.Sprintf("%s:%d", u.Hostname(), portOverride)
	return u.String()
}

// envRedirectURI is indirected for tests.
var envRedirectURI = func() string {
	return os.Getenv(RedirectURIEnv)
}

func buildAuthorizationURL(md *AuthorizationServerMetadata, client *ClientCredentials, redirectURI string, pkce *PKCEParams, state string, scopes []string) string {
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {redirectURI},
		"state":                 {state},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {pkce.Method},
	}
	if len(scopes) > 0 {
		params.Set("scope", strings.Join(scopes, " "))
	}
	return md.AuthorizationEndpoint + "?" + params.Encode()
}

// openBrowser opens the default browser to a URL. Best effort.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return cmd.Start()
}
