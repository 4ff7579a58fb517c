// Package oauth implements the OAuth 2.1 credential lifecycle for mcpgate:
// token storage backends, discovery, dynamic client registration, the
// browser login flow, and per-account refresh with invalid-grant quarantine.
package oauth

import (
	"errors"
	"fmt"
	"time"
)

// RefreshWindow is the look-ahead before expiry at which a token set is
// considered due for refresh.
const RefreshWindow = 5 * time.Minute

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrNeedsLogin means no usable credentials exist for the alias and a
	// fresh interactive login is required.
	ErrNeedsLogin = errors.New("re-login required")

	// ErrInvalidGrant means the authorization server rejected the refresh
	// token as invalid or expired.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrStoreLocked means the encrypted store has no password available
	// and no terminal to prompt on.
	ErrStoreLocked = errors.New("token store locked")
)

// TokenSet is the stored credential bundle for one account alias.
type TokenSet struct {
	// AccessToken is the current bearer token.
	AccessToken string `json:"access_token"`

	// RefreshToken is used to obtain new access tokens (may be empty).
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresAt is when the access token expires (Unix milliseconds).
	ExpiresAt int64 `json:"expires_at"`

	// Scopes are the granted OAuth scopes.
	Scopes []string `json:"scopes,omitempty"`

	// TokenType is the token type reported by the server ("Bearer").
	TokenType string `json:"token_type,omitempty"`

	// InvalidRefresh marks the refresh token as confirmed-rejected. Once
	// set, the refresh token is never used again for this alias until a
	// re-login replaces the whole TokenSet.
	InvalidRefresh bool `json:"invalid_refresh,omitempty"`
}

// Validate checks that required fields are set.
func (t *TokenSet) Validate() error {
	if t.AccessToken == "" {
		return errors.New("tokenset: AccessToken is required")
	}
	if t.ExpiresAt <= 0 {
		return errors.New("tokenset: ExpiresAt must be a positive timestamp")
	}
	return nil
}

// IsExpired returns true if the access token has expired.
func (t TokenSet) IsExpired() bool {
	return time.Now().UnixMilli() >= t.ExpiresAt
}

// NeedsRefresh returns true if the token expires within the refresh window.
func (t TokenSet) NeedsRefresh() bool {
	return time.Now().Add(RefreshWindow).UnixMilli() >= t.ExpiresAt
}

// ExpiresIn returns the duration until the token expires.
func (t TokenSet) ExpiresIn() time.Duration {
	return time.Until(time.UnixMilli(t.ExpiresAt))
}

// TokenStore is the interface for credential storage, keyed by alias.
// All backends behave identically from the caller's perspective.
type TokenStore interface {
	// Get retrieves the token set for an alias. Returns (nil, nil) when
	// no token set is stored.
	Get(alias string) (*TokenSet, error)

	// Set stores the token set for an alias, replacing any previous one.
	Set(alias string, ts *TokenSet) error

	// Remove deletes the token set for an alias. Removing an absent
	// alias is not an error.
	Remove(alias string) error
}

// StoreMode selects the token storage backend.
type StoreMode string

const (
	StoreModeFile      StoreMode = "file"
	StoreModeEncrypted StoreMode = "encrypted"
	StoreModeKeyring   StoreMode = "keyring"
)

// NewTokenStore creates a token store for the given mode. Backend
// availability problems (no keyring integration) are configuration errors
// reported here, never silent fallbacks.
func NewTokenStore(mode StoreMode) (TokenStore, error) {
	switch mode {
	case StoreModeFile, "":
		return NewFileStore()
	case StoreModeEncrypted:
		return NewEncryptedStore()
	case StoreModeKeyring:
		return NewKeyringStore()
	default:
		return nil, fmt.Errorf("unknown token store mode %q", mode)
	}
}

// writeGate serializes mutating operations on file-backed stores through a
// concurrency-1 queue, so concurrent writers never interleave their
// read-modify-write cycles. Reads do not take the gate.
type writeGate chan struct{}

func newWriteGate() writeGate {
	return make(writeGate, 1)
}

func (g writeGate) do(fn func() error) error {
	g <- struct{}{}
	defer func() { <-g }()
	return fn()
}
