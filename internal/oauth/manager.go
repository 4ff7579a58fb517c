package oauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// AuthStatus summarizes the credential state of one account without
// touching the network.
type AuthStatus string

const (
	// StatusOK means a usable token set exists.
	StatusOK AuthStatus = "ok"

	// StatusMissing means no token set is stored for the alias.
	StatusMissing AuthStatus = "missing"

	// StatusExpired means the access token has expired.
	StatusExpired AuthStatus = "expired"

	// StatusInvalid means the refresh token is quarantined; re-login is
	// required.
	StatusInvalid AuthStatus = "invalid"

	// StatusLocked means the encrypted store cannot be opened.
	StatusLocked AuthStatus = "locked"
)

// refreshOpTimeout bounds a detached refresh operation.
const refreshOpTimeout = 60 * time.Second

// flight is one in-progress load or refresh that concurrent callers for
// the same alias attach to instead of starting their own.
type flight struct {
	done chan struct{}
	ts   *TokenSet
	err  error
}

// TokenManager owns token sets for all aliases of one upstream service:
// cached reads, single-flight store loads, and single-flight refresh with
// invalid-grant quarantine.
type TokenManager struct {
	store     TokenStore
	serverURL string
	cache     *ClientCache

	mu        sync.Mutex
	tokens    map[string]*TokenSet
	loads     map[string]*flight
	refreshes map[string]*flight
	metadata  *AuthorizationServerMetadata
}

// NewTokenManager creates a token manager for one service URL.
func NewTokenManager(store TokenStore, serverURL string, cache *ClientCache) *TokenManager {
	return &TokenManager{
		store:     store,
		serverURL: serverURL,
		cache:     cache,
		tokens:    make(map[string]*TokenSet),
		loads:     make(map[string]*flight),
		refreshes: make(map[string]*flight),
	}
}

// Token returns the token set for an alias, loading it from the store on
// first use. Concurrent first loads for the same alias share one store
// read. Returns (nil, nil) when no token set exists.
func (m *TokenManager) Token(ctx context.Context, alias string) (*TokenSet, error) {
	m.mu.Lock()
	if ts, ok := m.tokens[alias]; ok {
		m.mu.Unlock()
		return ts, nil
	}
	if f, ok := m.loads[alias]; ok {
		m.mu.Unlock()
		return waitFlight(ctx, f)
	}
	f := &flight{done: make(chan struct{})}
	m.loads[alias] = f
	m.mu.Unlock()

	go func() {
		ts, err := m.store.Get(alias)
		m.mu.Lock()
		if err == nil && ts != nil {
			m.tokens[alias] = ts
		}
		delete(m.loads, alias)
		m.mu.Unlock()
		f.ts, f.err = ts, err
		close(f.done)
	}()
	return waitFlight(ctx, f)
}

// EnsureValid returns a token set that is usable right now, refreshing
// when the token is within the refresh window. A token past the window but
// not yet expired is returned as-is when refresh is impossible.
func (m *TokenManager) EnsureValid(ctx context.Context, alias string) (*TokenSet, error) {
	ts, err := m.Token(ctx, alias)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		return nil, fmt.Errorf("no credentials for %q: %w", alias, ErrNeedsLogin)
	}
	if !ts.NeedsRefresh() {
		return ts, nil
	}
	if ts.RefreshToken == "" || ts.InvalidRefresh {
		if !ts.IsExpired() {
			return ts, nil
		}
		return nil, fmt.Errorf("token for %q expired and cannot be refreshed: %w", alias, ErrNeedsLogin)
	}
	refreshed, err := m.Refresh(ctx, alias)
	if err != nil {
		// A failed early refresh is tolerable while the token still works.
		if !ts.IsExpired() && !errors.Is(err, ErrNeedsLogin) {
			log.Printf("Refresh failed for %q (token still valid): %v", alias, err)
			return ts, nil
		}
		return nil, err
	}
	return refreshed, nil
}

// Refresh exchanges the refresh token for a new token set. Concurrent
// callers for the same alias share one exchange. On invalid_grant the
// store is re-read once in case another process rotated the token; one
// retry with a fresher token is attempted, otherwise the refresh token is
// quarantined and re-login is required.
func (m *TokenManager) Refresh(ctx context.Context, alias string) (*TokenSet, error) {
	m.mu.Lock()
	if f, ok := m.refreshes[alias]; ok {
		m.mu.Unlock()
		return waitFlight(ctx, f)
	}
	f := &flight{done: make(chan struct{})}
	m.refreshes[alias] = f
	m.mu.Unlock()

	// The exchange runs detached from the initiating caller so one
	// cancelled waiter cannot poison the shared result.
	go func() {
		opCtx, cancel := context.WithTimeout(context.Background(), refreshOpTimeout)
		defer cancel()
		ts, err := m.doRefresh(opCtx, alias)
		m.mu.Lock()
		delete(m.refreshes, alias)
		m.mu.Unlock()
		f.ts, f.err = ts, err
		close(f.done)
	}()
	return waitFlight(ctx, f)
}

func (m *TokenManager) doRefresh(ctx context.Context, alias string) (*TokenSet, error) {
	cur, err := m.Token(ctx, alias)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("no credentials for %q: %w", alias, ErrNeedsLogin)
	}
	if cur.InvalidRefresh {
		return nil, fmt.Errorf("refresh token for %q is quarantined: %w", alias, ErrNeedsLogin)
	}
	if cur.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token for %q: %w", alias, ErrNeedsLogin)
	}

	md, client, err := m.refreshTarget(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := refreshGrant(ctx, md, client, cur.RefreshToken)
	if errors.Is(err, ErrInvalidGrant) {
		// Another process may have rotated the refresh token under us.
		// Re-read the store once; retry only with a genuinely fresher token.
		fresher, readErr := m.store.Get(alias)
		if readErr == nil && fresher != nil && !fresher.InvalidRefresh &&
			fresher.RefreshToken != "" && fresher.RefreshToken != cur.RefreshToken {
			resp2, err2 := refreshGrant(ctx, md, client, fresher.RefreshToken)
			if err2 == nil {
				return m.commit(alias, resp2.ToTokenSet(fresher)), nil
			}
			err = err2
			cur = fresher
		}
		if errors.Is(err, ErrInvalidGrant) {
			m.quarantine(alias, cur)
			return nil, fmt.Errorf("refresh token rejected for %q: %w", alias, errors.Join(ErrInvalidGrant, ErrNeedsLogin))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("refresh %q: %w", alias, err)
	}
	return m.commit(alias, resp.ToTokenSet(cur)), nil
}

// commit persists and caches a refreshed token set. Persistence failure is
// logged but not fatal; the token stays usable in memory.
func (m *TokenManager) commit(alias string, ts *TokenSet) *TokenSet {
	if err := m.store.Set(alias, ts); err != nil {
		log.Printf("Failed to persist refreshed token for %q (re-login needed after restart): %v", alias, err)
	}
	m.mu.Lock()
	m.tokens[alias] = ts
	m.mu.Unlock()
	return ts
}

// quarantine marks the refresh token as confirmed-rejected and persists
// the flag so no future process retries it.
func (m *TokenManager) quarantine(alias string, cur *TokenSet) {
	cur.InvalidRefresh = true
	if err := m.store.Set(alias, cur); err != nil {
		log.Printf("Failed to persist quarantine flag for %q: %v", alias, err)
	}
	m.mu.Lock()
	m.tokens[alias] = cur
	m.mu.Unlock()
}

// refreshTarget resolves the token endpoint and client credentials used
// for refresh exchanges, caching discovery per manager.
func (m *TokenManager) refreshTarget(ctx context.Context) (*AuthorizationServerMetadata, *ClientCredentials, error) {
	m.mu.Lock()
	md := m.metadata
	m.mu.Unlock()
	if md == nil {
		var err error
		md, err = Discover(ctx, m.serverURL)
		if err != nil {
			return nil, nil, fmt.Errorf("discover authorization server: %w", err)
		}
		m.mu.Lock()
		m.metadata = md
		m.mu.Unlock()
	}

	if static := StaticClient(); static != nil {
		return md, static, nil
	}
	if m.cache != nil {
		issuer := md.Issuer
		if issuer == "" {
			issuer = md.TokenEndpoint
		}
		creds, err := m.cache.Get(issuer)
		if err != nil {
			return nil, nil, fmt.Errorf("read client cache: %w", err)
		}
		if creds != nil {
			return md, creds, nil
		}
	}
	return nil, nil, fmt.Errorf("no oauth client registered for %s: %w", m.serverURL, ErrNeedsLogin)
}

// Status reports the credential state for an alias without any network
// calls.
func (m *TokenManager) Status(ctx context.Context, alias string) AuthStatus {
	ts, err := m.Token(ctx, alias)
	if err != nil {
		if errors.Is(err, ErrStoreLocked) {
			return StatusLocked
		}
		log.Printf("Token read failed for %q: %v", alias, err)
		return StatusMissing
	}
	switch {
	case ts == nil:
		return StatusMissing
	case ts.InvalidRefresh:
		return StatusInvalid
	case ts.IsExpired():
		return StatusExpired
	default:
		return StatusOK
	}
}

// Invalidate drops the cached token set for an alias (used after logout).
func (m *TokenManager) Invalidate(alias string) {
	m.mu.Lock()
	delete(m.tokens, alias)
	m.mu.Unlock()
}

func waitFlight(ctx context.Context, f *flight) (*TokenSet, error) {
	select {
	case <-f.done:
		return f.ts, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
