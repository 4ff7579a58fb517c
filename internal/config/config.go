// Package config provides configuration schema and persistence for mcpgate.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	configDir  = ".config/mcpgate"
	configFile = "config.json"
)

// SchemaVersion is the current config schema version.
const SchemaVersion = 1

// StoreMode selects the token storage backend.
type StoreMode string

const (
	// StoreModeFile stores token sets in a plaintext JSON file.
	StoreModeFile StoreMode = "file"

	// StoreModeEncrypted stores token sets in a password-encrypted file.
	StoreModeEncrypted StoreMode = "encrypted"

	// StoreModeKeyring stores token sets in the system keychain.
	StoreModeKeyring StoreMode = "keyring"
)

// UnknownResourceID is the sentinel for accounts whose account-scoped
// resource id has not been resolved. The router never auto-fills it.
const UnknownResourceID = "unknown"

// Account describes one remote account on the upstream service.
type Account struct {
	// Alias is the unique caller-chosen key for this account.
	Alias string `json:"alias"`

	// SiteURL identifies the site this account belongs to.
	SiteURL string `json:"siteUrl"`

	// ResourceID is the account-scoped resource identifier required by
	// some upstream capabilities. May be "unknown".
	ResourceID string `json:"resourceId,omitempty"`

	// User is the display name or email of the authorized user.
	User string `json:"user,omitempty"`

	// Default marks the account suggested to callers that don't care.
	Default bool `json:"default,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Version int `json:"version"`

	// ServiceURL is the upstream MCP endpoint shared by all accounts.
	ServiceURL string `json:"serviceUrl"`

	// Accounts is keyed by alias.
	Accounts map[string]Account `json:"accounts"`

	// TokenStore selects the credential storage backend.
	TokenStore StoreMode `json:"tokenStore,omitempty"`

	// RefreshIntervalSeconds configures the background token refresh
	// scheduler. Zero or negative disables it.
	RefreshIntervalSeconds int `json:"refreshIntervalSeconds,omitempty"`

	// CallbackPort pins the OAuth redirect listener port (0 = random).
	CallbackPort int `json:"callbackPort,omitempty"`

	LastModified time.Time `json:"lastModified,omitempty"`
}

// NewConfig returns an empty config with defaults applied.
func NewConfig() *Config {
	return &Config{
		Version:    SchemaVersion,
		Accounts:   make(map[string]Account),
		TokenStore: StoreModeFile,
	}
}

// RefreshInterval returns the scheduler interval, or 0 when disabled.
func (c *Config) RefreshInterval() time.Duration {
	if c.RefreshIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// ConfigPath returns the full path to the config file.
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, configDir, configFile), nil
}

// Load reads the configuration from the default path.
// Returns a new empty config if the file doesn't exist.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the configuration from a specific path.
// Returns a new empty config if the file doesn't exist.
func LoadFrom(path string) (*Config, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Accounts == nil {
		cfg.Accounts = make(map[string]Account)
	}
	if cfg.TokenStore == "" {
		cfg.TokenStore = StoreModeFile
	}

	// Backfill Account.Alias from map keys
	for alias, acct := range cfg.Accounts {
		if acct.Alias == "" {
			acct.Alias = alias
			cfg.Accounts[alias] = acct
		}
	}

	return &cfg, nil
}

// Save writes the configuration to the default path atomically.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes the configuration to a specific path atomically.
// Uses a temp file + rename pattern for atomic writes.
func SaveTo(cfg *Config, path string) error {
	path, err := ExpandPath(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	cfg.LastModified = time.Now()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("rename config: %w", err)
	}

	return nil
}

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// ValidateAlias checks that an alias is usable as a map key and tool argument.
func ValidateAlias(alias string) error {
	if alias == "" {
		return errors.New("alias must not be empty")
	}
	for _, c := range alias {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
			return errors.New("alias must contain only [a-zA-Z0-9_-]")
		}
	}
	return nil
}

// AddAccount adds a new account to the config.
// Returns an error if the alias is invalid or already taken.
func (c *Config) AddAccount(acct Account) error {
	if err := ValidateAlias(acct.Alias); err != nil {
		return fmt.Errorf("invalid alias: %w", err)
	}
	if _, exists := c.Accounts[acct.Alias]; exists {
		return fmt.Errorf("account %q already exists", acct.Alias)
	}
	if acct.ResourceID == "" {
		acct.ResourceID = UnknownResourceID
	}
	if acct.Default {
		c.clearDefault()
	}
	c.Accounts[acct.Alias] = acct
	return nil
}

// UpdateAccount replaces an existing account.
func (c *Config) UpdateAccount(acct Account) error {
	if _, exists := c.Accounts[acct.Alias]; !exists {
		return fmt.Errorf("account %q not found", acct.Alias)
	}
	if acct.Default {
		c.clearDefault()
	}
	c.Accounts[acct.Alias] = acct
	return nil
}

// DeleteAccount removes an account from the config.
func (c *Config) DeleteAccount(alias string) error {
	if _, exists := c.Accounts[alias]; !exists {
		return fmt.Errorf("account %q not found", alias)
	}
	delete(c.Accounts, alias)
	return nil
}

// clearDefault removes the default flag from every account.
func (c *Config) clearDefault() {
	for alias, acct := range c.Accounts {
		if acct.Default {
			acct.Default = false
			c.Accounts[alias] = acct
		}
	}
}

// SetDefault marks one account as the default, clearing any previous one.
func (c *Config) SetDefault(alias string) error {
	acct, exists := c.Accounts[alias]
	if !exists {
		return fmt.Errorf("account %q not found", alias)
	}
	c.clearDefault()
	acct.Default = true
	c.Accounts[alias] = acct
	return nil
}

// DefaultAccount returns the account marked default, or nil.
func (c *Config) DefaultAccount() *Account {
	for _, acct := range c.Accounts {
		if acct.Default {
			return &acct
		}
	}
	return nil
}

// Aliases returns all account aliases in no particular order.
func (c *Config) Aliases() []string {
	aliases := make([]string, 0, len(c.Accounts))
	for alias := range c.Accounts {
		aliases = append(aliases, alias)
	}
	return aliases
}
