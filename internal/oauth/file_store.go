package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	storeDir      = ".config/mcpgate"
	tokensFile    = "tokens.json"
	encryptedFile = "tokens.enc.json"
)

// FileStore persists token sets as a plaintext JSON map keyed by alias.
type FileStore struct {
	path string
	gate writeGate
}

// NewFileStore creates a file store at the default location.
func NewFileStore() (*FileStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return NewFileStoreAt(filepath.Join(home, storeDir, tokensFile)), nil
}

// NewFileStoreAt creates a file store at a specific path.
func NewFileStoreAt(path string) *FileStore {
	return &FileStore{path: path, gate: newWriteGate()}
}

// Get retrieves the token set for an alias. Returns (nil, nil) if not found.
func (s *FileStore) Get(alias string) (*TokenSet, error) {
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	ts, ok := all[alias]
	if !ok {
		return nil, nil
	}
	return ts, nil
}

// Set stores the token set for an alias. Mutations are serialized so
// concurrent writers cannot lose each other's entries.
func (s *FileStore) Set(alias string, ts *TokenSet) error {
	if err := ts.Validate(); err != nil {
		return err
	}
	return s.gate.do(func() error {
		all, err := s.readAll()
		if err != nil {
			return err
		}
		all[alias] = ts
		return s.writeAll(all)
	})
}

// Remove deletes the token set for an alias.
func (s *FileStore) Remove(alias string) error {
	return s.gate.do(func() error {
		all, err := s.readAll()
		if err != nil {
			return err
		}
		if _, ok := all[alias]; !ok {
			return nil
		}
		delete(all, alias)
		return s.writeAll(all)
	})
}

func (s *FileStore) readAll() (map[string]*TokenSet, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*TokenSet), nil
		}
		return nil, fmt.Errorf("read token store: %w", err)
	}
	var all map[string]*TokenSet
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse token store: %w", err)
	}
	if all == nil {
		all = make(map[string]*TokenSet)
	}
	return all, nil
}

func (s *FileStore) writeAll(all map[string]*TokenSet) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write token store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename token store: %w", err)
	}
	return nil
}
