package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAuthServer is an httptest server exposing OAuth discovery and a
// configurable token endpoint.
type fakeAuthServer struct {
	*httptest.Server
	tokenCalls  atomic.Int32
	handleToken func(w http.ResponseWriter, r *http.Request)
}

func newFakeAuthServer(t *testing.T) *fakeAuthServer {
	t.Helper()
	fake := &fakeAuthServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resource":              fake.URL,
			"authorization_servers": []string{fake.URL},
		})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                           fake.URL,
			"authorization_endpoint":           fake.URL + "/authorize",
			"token_endpoint":                   fake.URL + "/token",
			"registration_endpoint":            fake.URL + "/register",
			"code_challenge_methods_supported": []string{"S256"},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		fake.tokenCalls.Add(1)
		fake.handleToken(w, r)
	})

	fake.Server = httptest.NewServer(mux)
	t.Cleanup(fake.Close)
	return fake
}

func grantTokens(w http.ResponseWriter, access string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "refresh-" + access,
	})
}

func rejectInvalidGrant(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token revoked"}`))
}

// slowStore delays reads so concurrent loads actually overlap.
type slowStore struct {
	TokenStore
	gets  atomic.Int32
	delay time.Duration
}

func (s *slowStore) Get(alias string) (*TokenSet, error) {
	s.gets.Add(1)
	time.Sleep(s.delay)
	return s.TokenStore.Get(alias)
}

func newManagerForTest(t *testing.T, serverURL string) (*TokenManager, *FileStore) {
	t.Helper()
	t.Setenv(ClientIDEnv, "test-client")
	t.Setenv(ClientSecretEnv, "")
	store := NewFileStoreAt(filepath.Join(t.TempDir(), "tokens.json"))
	return NewTokenManager(store, serverURL, nil), store
}

func TestTokenLoadSingleFlight(t *testing.T) {
	store := NewFileStoreAt(filepath.Join(t.TempDir(), "tokens.json"))
	if err := store.Set("work", validToken("tok")); err != nil {
		t.Fatal(err)
	}
	slow := &slowStore{TokenStore: store, delay: 50 * time.Millisecond}
	tm := NewTokenManager(slow, "http://unused.invalid", nil)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts, err := tm.Token(context.Background(), "work")
			if err != nil || ts == nil || ts.AccessToken != "tok" {
				t.Errorf("Token = (%+v, %v)", ts, err)
			}
		}()
	}
	wg.Wait()

	if got := slow.gets.Load(); got != 1 {
		t.Errorf("store reads = %d, want 1", got)
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	fake := newFakeAuthServer(t)
	fake.handleToken = func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		grantTokens(w, "refreshed")
	}

	tm, store := newManagerForTest(t, fake.URL)
	if err := store.Set("work", &TokenSet{
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(2 * time.Minute).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts, err := tm.Refresh(context.Background(), "work")
			if err != nil {
				t.Errorf("Refresh: %v", err)
				return
			}
			if ts.AccessToken != "refreshed" {
				t.Errorf("AccessToken = %q, want refreshed", ts.AccessToken)
			}
		}()
	}
	wg.Wait()

	if got := fake.tokenCalls.Load(); got != 1 {
		t.Errorf("token endpoint calls = %d, want 1", got)
	}

	persisted, err := store.Get("work")
	if err != nil {
		t.Fatal(err)
	}
	if persisted.AccessToken != "refreshed" {
		t.Errorf("persisted token = %q, want refreshed", persisted.AccessToken)
	}
}

func TestRefreshInvalidGrantQuarantines(t *testing.T) {
	fake := newFakeAuthServer(t)
	fake.handleToken = func(w http.ResponseWriter, r *http.Request) {
		rejectInvalidGrant(w)
	}

	tm, store := newManagerForTest(t, fake.URL)
	if err := store.Set("work", &TokenSet{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := tm.Refresh(context.Background(), "work")
	if !errors.Is(err, ErrNeedsLogin) {
		t.Fatalf("Refresh = %v, want ErrNeedsLogin", err)
	}
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("Refresh = %v, want ErrInvalidGrant in chain", err)
	}

	persisted, _ := store.Get("work")
	if persisted == nil || !persisted.InvalidRefresh {
		t.Fatalf("quarantine flag not persisted: %+v", persisted)
	}
	if got := tm.Status(context.Background(), "work"); got != StatusInvalid {
		t.Errorf("Status = %q, want invalid", got)
	}

	// A quarantined refresh token is never tried again.
	calls := fake.tokenCalls.Load()
	if _, err := tm.Refresh(context.Background(), "work"); !errors.Is(err, ErrNeedsLogin) {
		t.Errorf("second Refresh = %v, want ErrNeedsLogin", err)
	}
	if fake.tokenCalls.Load() != calls {
		t.Error("quarantined refresh token was sent to the token endpoint again")
	}
}

// When another process rotated the refresh token under us, the store is
// re-read once and the exchange retried with the fresher token.
func TestRefreshRetriesWithFresherToken(t *testing.T) {
	fake := newFakeAuthServer(t)
	fake.handleToken = func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Form.Get("refresh_token") == "rotated" {
			grantTokens(w, "fresh")
			return
		}
		rejectInvalidGrant(w)
	}

	tm, store := newManagerForTest(t, fake.URL)
	if err := store.Set("work", &TokenSet{
		AccessToken:  "stale",
		RefreshToken: "old",
		ExpiresAt:    time.Now().Add(time.Minute).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}
	// Prime the in-memory cache with the stale entry.
	if _, err := tm.Token(context.Background(), "work"); err != nil {
		t.Fatal(err)
	}
	// Simulate the concurrent rotation.
	if err := store.Set("work", &TokenSet{
		AccessToken:  "other-process",
		RefreshToken: "rotated",
		ExpiresAt:    time.Now().Add(time.Minute).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	ts, err := tm.Refresh(context.Background(), "work")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if ts.AccessToken != "fresh" {
		t.Errorf("AccessToken = %q, want fresh", ts.AccessToken)
	}
	if got := fake.tokenCalls.Load(); got != 2 {
		t.Errorf("token endpoint calls = %d, want 2 (reject + retry)", got)
	}

	persisted, _ := store.Get("work")
	if persisted.InvalidRefresh {
		t.Error("token quarantined despite successful retry")
	}
}

func TestEnsureValidToleratesFailedEarlyRefresh(t *testing.T) {
	fake := newFakeAuthServer(t)
	fake.handleToken = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}

	tm, store := newManagerForTest(t, fake.URL)
	if err := store.Set("work", &TokenSet{
		AccessToken:  "still-good",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(2 * time.Minute).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	ts, err := tm.EnsureValid(context.Background(), "work")
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if ts.AccessToken != "still-good" {
		t.Errorf("AccessToken = %q, want the still-valid token", ts.AccessToken)
	}
}

func TestEnsureValidMissingCredentials(t *testing.T) {
	tm, _ := newManagerForTest(t, "http://unused.invalid")
	_, err := tm.EnsureValid(context.Background(), "ghost")
	if !errors.Is(err, ErrNeedsLogin) {
		t.Errorf("EnsureValid = %v, want ErrNeedsLogin", err)
	}
}

func TestStatusMapping(t *testing.T) {
	tm, store := newManagerForTest(t, "http://unused.invalid")
	ctx := context.Background()

	if got := tm.Status(ctx, "ghost"); got != StatusMissing {
		t.Errorf("Status(ghost) = %q, want missing", got)
	}

	if err := store.Set("ok", validToken("a")); err != nil {
		t.Fatal(err)
	}
	if got := tm.Status(ctx, "ok"); got != StatusOK {
		t.Errorf("Status(ok) = %q, want ok", got)
	}

	if err := store.Set("dead", &TokenSet{
		AccessToken: "x",
		ExpiresAt:   time.Now().Add(-time.Hour).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}
	if got := tm.Status(ctx, "dead"); got != StatusExpired {
		t.Errorf("Status(dead) = %q, want expired", got)
	}
}

func TestStatusLocked(t *testing.T) {
	t.Setenv(MasterPasswordEnv, "")
	store, err := NewEncryptedStoreAt(filepath.Join(t.TempDir(), "tokens.enc.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !store.Locked() {
		t.Skip("stdin is a terminal; cannot exercise locked state")
	}
	tm := NewTokenManager(store, "http://unused.invalid", nil)
	if got := tm.Status(context.Background(), "work"); got != StatusLocked {
		t.Errorf("Status = %q, want locked", got)
	}
}
