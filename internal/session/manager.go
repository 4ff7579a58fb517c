package session

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/oauth"
)

// Manager owns one Session per configured account and the background
// refresh scheduler.
type Manager struct {
	tokens *oauth.TokenManager
	dial   DialFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	sched    *scheduler
}

// NewManager builds a session for every account in the config. Sessions
// start disconnected.
func NewManager(cfg *config.Config, tokens *oauth.TokenManager, dial DialFunc) *Manager {
	m := &Manager{
		tokens:   tokens,
		dial:     dial,
		sessions: make(map[string]*Session),
	}
	for _, acct := range cfg.Accounts {
		m.sessions[acct.Alias] = New(acct, tokens, dial)
	}
	return m
}

// Get returns the session for an alias.
func (m *Manager) Get(alias string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[alias]
	return s, ok
}

// Sessions returns all sessions sorted by alias for deterministic
// iteration.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias() < out[j].Alias() })
	return out
}

// ConnectAll connects every session concurrently. One account's failure
// never aborts the others; per-alias errors are returned for reporting.
func (m *Manager) ConnectAll(ctx context.Context) map[string]error {
	sessions := m.Sessions()

	var wg sync.WaitGroup
	var errMu sync.Mutex
	errs := make(map[string]error)

	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Connect(ctx); err != nil {
				log.Printf("Connect failed for %q: %v", s.Alias(), err)
				errMu.Lock()
				errs[s.Alias()] = err
				errMu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return errs
}

// RefreshAll runs a background refresh pass over every session.
func (m *Manager) RefreshAll(ctx context.Context) {
	for _, s := range m.Sessions() {
		if err := s.RefreshInBackground(ctx); err != nil {
			log.Printf("Refresh pass: %v", err)
		}
	}
}

// StartRefresh starts the periodic refresh scheduler. A non-positive
// interval disables it.
func (m *Manager) StartRefresh(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sched != nil {
		return
	}
	m.sched = newScheduler(interval, m.RefreshAll)
	m.sched.Start()
}

// StopRefresh stops the scheduler permanently.
func (m *Manager) StopRefresh() {
	m.mu.Lock()
	sched := m.sched
	m.mu.Unlock()
	if sched != nil {
		sched.Stop()
	}
}

// Status reports the credential state for an alias.
func (m *Manager) Status(ctx context.Context, alias string) oauth.AuthStatus {
	return m.tokens.Status(ctx, alias)
}

// Reload reconciles sessions against a new config: sessions for removed
// aliases are closed, new aliases get fresh (disconnected) sessions, and
// sessions whose account record changed are rebuilt. Returns the added and
// removed aliases.
func (m *Manager) Reload(cfg *config.Config) (added, removed []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for alias, s := range m.sessions {
		acct, ok := cfg.Accounts[alias]
		if !ok {
			_ = s.Close()
			delete(m.sessions, alias)
			removed = append(removed, alias)
			continue
		}
		if acct != s.Account() {
			_ = s.Close()
			m.sessions[alias] = New(acct, m.tokens, m.dial)
		}
	}
	for alias, acct := range cfg.Accounts {
		if _, ok := m.sessions[alias]; !ok {
			m.sessions[alias] = New(acct, m.tokens, m.dial)
			added = append(added, alias)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// CloseAll stops the scheduler and closes every session.
func (m *Manager) CloseAll() {
	m.StopRefresh()
	for _, s := range m.Sessions() {
		if err := s.Close(); err != nil {
			log.Printf("Close %q: %v", s.Alias(), err)
		}
	}
}
