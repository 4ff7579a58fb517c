package oauth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const keyringService = "mcpgate"

// KeyringStore persists token sets in the operating system keychain,
// one secret per alias under the "mcpgate" service.
type KeyringStore struct{}

// NewKeyringStore creates a keyring store after probing that a keychain
// backend is actually reachable. An unavailable keychain is a hard
// configuration error, never a silent fallback to a file.
func NewKeyringStore() (*KeyringStore, error) {
	const probe = "mcpgate-availability-probe"
	if err := keyring.Set(keyringService, probe, "ok"); err != nil {
		return nil, fmt.Errorf("system keyring unavailable: %w", err)
	}
	_ = keyring.Delete(keyringService, probe)
	return &KeyringStore{}, nil
}

// Get retrieves the token set for an alias. Returns (nil, nil) if not found.
func (s *KeyringStore) Get(alias string) (*TokenSet, error) {
	data, err := keyring.Get(keyringService, alias)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("keyring get %q: %w", alias, err)
	}
	var ts TokenSet
	if err := json.Unmarshal([]byte(data), &ts); err != nil {
		return nil, fmt.Errorf("parse keyring entry %q: %w", alias, err)
	}
	return &ts, nil
}

// Set stores the token set for an alias.
func (s *KeyringStore) Set(alias string, ts *TokenSet) error {
	if err := ts.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("marshal token set: %w", err)
	}
	if err := keyring.Set(keyringService, alias, string(data)); err != nil {
		return fmt.Errorf("keyring set %q: %w", alias, err)
	}
	return nil
}

// Remove deletes the token set for an alias.
func (s *KeyringStore) Remove(alias string) error {
	if err := keyring.Delete(keyringService, alias); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("keyring delete %q: %w", alias, err)
	}
	return nil
}
