package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDiscoverViaProtectedResource(t *testing.T) {
	authServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-authorization-server" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 "https://as.example.com",
			"authorization_endpoint": "https://as.example.com/authorize",
			"token_endpoint":         "https://as.example.com/token",
		})
	}))
	defer authServer.Close()

	service := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/.well-known/oauth-protected-resource") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resource":              "https://service.example.com",
			"authorization_servers": []string{authServer.URL},
		})
	}))
	defer service.Close()

	md, err := Discover(context.Background(), service.URL+"/mcp")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if md.TokenEndpoint != "https://as.example.com/token" {
		t.Errorf("TokenEndpoint = %q, want the advertised auth server's", md.TokenEndpoint)
	}
}

func TestDiscoverFallsBackToServiceMetadata(t *testing.T) {
	service := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-authorization-server" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 "self",
			"authorization_endpoint": "https://self.example.com/authorize",
			"token_endpoint":         "https://self.example.com/token",
		})
	}))
	defer service.Close()

	md, err := Discover(context.Background(), service.URL)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if md.AuthorizationEndpoint != "https://self.example.com/authorize" {
		t.Errorf("AuthorizationEndpoint = %q", md.AuthorizationEndpoint)
	}
}

// With no metadata published anywhere, discovery assumes the default
// endpoint layout at the service origin.
func TestDiscoverSynthesizesOriginDefaults(t *testing.T) {
	service := httptest.NewServer(http.NotFoundHandler())
	defer service.Close()

	md, err := Discover(context.Background(), service.URL+"/v1/mcp")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if md.AuthorizationEndpoint != service.URL+"/authorize" {
		t.Errorf("AuthorizationEndpoint = %q, want origin default", md.AuthorizationEndpoint)
	}
	if md.TokenEndpoint != service.URL+"/token" {
		t.Errorf("TokenEndpoint = %q, want origin default", md.TokenEndpoint)
	}
	if md.RegistrationEndpoint != service.URL+"/register" {
		t.Errorf("RegistrationEndpoint = %q, want origin default", md.RegistrationEndpoint)
	}
}

func TestDiscoverRejectsRelativeURL(t *testing.T) {
	if _, err := Discover(context.Background(), "not-a-url"); err == nil {
		t.Error("expected error for relative server URL")
	}
}
