package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/oauth"
)

// invokeConcurrency caps in-flight invocations per session so one noisy
// caller cannot flood a single upstream account.
const invokeConcurrency = 4

// Session is the live connection state for one account.
type Session struct {
	account config.Account
	tokens  *oauth.TokenManager
	dial    DialFunc
	gate    chan struct{}

	mu     sync.Mutex
	conn   Conn
	closed bool
}

// New creates a disconnected session for an account. The connection is
// established lazily on Connect or first use.
func New(acct config.Account, tokens *oauth.TokenManager, dial DialFunc) *Session {
	return &Session{
		account: acct,
		tokens:  tokens,
		dial:    dial,
		gate:    make(chan struct{}, invokeConcurrency),
	}
}

// Alias returns the account alias this session serves.
func (s *Session) Alias() string {
	return s.account.Alias
}

// Account returns the account record.
func (s *Session) Account() config.Account {
	return s.account
}

// Connected reports whether an upstream connection is currently held.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connect establishes the upstream connection. Calling Connect on an
// already-connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.connLocked(ctx)
	return err
}

// connLocked returns the live connection, dialing if necessary.
// Caller holds s.mu.
func (s *Session) connLocked(ctx context.Context) (Conn, error) {
	if s.closed {
		return nil, fmt.Errorf("session %q is closed", s.account.Alias)
	}
	if s.conn != nil {
		return s.conn, nil
	}

	ts, err := s.tokens.EnsureValid(ctx, s.account.Alias)
	if err != nil {
		return nil, fmt.Errorf("connect %q: %w", s.account.Alias, err)
	}
	conn, err := s.dial(ctx, ts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("connect %q: %w", s.account.Alias, err)
	}
	s.conn = conn
	return conn, nil
}

// dropConn discards the current connection so the next use redials.
func (s *Session) dropConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// ListCapabilities returns the full upstream tool catalog, following
// pagination cursors until exhausted.
func (s *Session) ListCapabilities(ctx context.Context) ([]mcp.Tool, error) {
	s.mu.Lock()
	conn, err := s.connLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var all []mcp.Tool
	cursor := ""
	for {
		tools, next, err := conn.ListTools(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("list tools for %q: %w", s.account.Alias, err)
		}
		all = append(all, tools...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

// Invoke calls an upstream tool through the concurrency gate. On an
// auth-shaped failure the session refreshes credentials, redials and
// retries exactly once; a second failure propagates.
func (s *Session) Invoke(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.gate }()

	s.mu.Lock()
	conn, err := s.connLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	result, err := conn.CallTool(ctx, name, args)
	if err == nil || !isAuthError(err) {
		return result, err
	}

	log.Printf("Auth failure invoking %q on %q, refreshing and retrying once: %v", name, s.account.Alias, err)
	s.dropConn()

	ts, rerr := s.tokens.Refresh(ctx, s.account.Alias)
	if rerr != nil {
		// Refresh was impossible (no refresh token, transient failure);
		// retry with whatever token is still usable.
		ts, rerr = s.tokens.EnsureValid(ctx, s.account.Alias)
		if rerr != nil {
			return nil, fmt.Errorf("invoke %q on %q: %w", name, s.account.Alias, rerr)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %q is closed", s.account.Alias)
	}
	conn, err = s.dial(ctx, ts.AccessToken)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("reconnect %q: %w", s.account.Alias, err)
	}
	s.conn = conn
	s.mu.Unlock()

	return conn.CallTool(ctx, name, args)
}

// RefreshInBackground refreshes the token ahead of expiry. It is a no-op
// when the token is not yet in the refresh window or cannot be refreshed.
// Failures are swallowed while the current token still works and reported
// once it is actually expired.
func (s *Session) RefreshInBackground(ctx context.Context) error {
	ts, err := s.tokens.Token(ctx, s.account.Alias)
	if err != nil || ts == nil {
		return err
	}
	if !ts.NeedsRefresh() || ts.RefreshToken == "" || ts.InvalidRefresh {
		return nil
	}
	if _, err := s.tokens.Refresh(ctx, s.account.Alias); err != nil {
		if !ts.IsExpired() {
			log.Printf("Background refresh for %q failed (token still valid): %v", s.account.Alias, err)
			return nil
		}
		return fmt.Errorf("background refresh %q: %w", s.account.Alias, err)
	}
	return nil
}

// Status reports the account's credential state.
func (s *Session) Status(ctx context.Context) oauth.AuthStatus {
	return s.tokens.Status(ctx, s.account.Alias)
}

// Close tears down the connection. Safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// isAuthError recognizes auth-shaped upstream failures worth one
// refresh-and-retry cycle.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "403", "unauthorized", "forbidden", "invalid_token", "token expired"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
