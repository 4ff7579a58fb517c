package oauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/term"
)

// MasterPasswordEnv supplies the encrypted store password non-interactively.
const MasterPasswordEnv = "MCPGATE_MASTER_PASSWORD"

const (
	envelopeVersion = 1
	scryptN         = 32768
	scryptR         = 8
	scryptP         = 1
	keyLen          = 32
	saltLen         = 16
	gcmTagLen       = 16
)

// envelope is the on-disk format of the encrypted store. All byte fields
// are base64-encoded. The GCM auth tag is kept separate from the ciphertext.
type envelope struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	AuthTag    string `json:"authTag"`
	Ciphertext string `json:"ciphertext"`
}

// EncryptedStore persists token sets in a password-encrypted file.
// The key is derived with scrypt and the payload sealed with AES-256-GCM.
// A fresh salt and nonce are generated on every save.
type EncryptedStore struct {
	path     string
	gate     writeGate
	password []byte // resolved once per instance
	locked   bool
}

// NewEncryptedStore creates an encrypted store at the default location.
// The password comes from MCPGATE_MASTER_PASSWORD, or an interactive
// prompt when stdin is a terminal. With neither available the store is
// locked and every operation fails with ErrStoreLocked.
func NewEncryptedStore() (*EncryptedStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return NewEncryptedStoreAt(filepath.Join(home, storeDir, encryptedFile))
}

// NewEncryptedStoreAt creates an encrypted store at a specific path.
func NewEncryptedStoreAt(path string) (*EncryptedStore, error) {
	s := &EncryptedStore{path: path, gate: newWriteGate()}
	if pw := os.Getenv(MasterPasswordEnv); pw != "" {
		s.password = []byte(pw)
		return s, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		s.locked = true
		return s, nil
	}
	fmt.Fprint(os.Stderr, "Master password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read master password: %w", err)
	}
	if len(pw) == 0 {
		s.locked = true
		return s, nil
	}
	s.password = pw
	return s, nil
}

// Locked reports whether the store has no password available.
func (s *EncryptedStore) Locked() bool {
	return s.locked
}

// Get retrieves the token set for an alias. Returns (nil, nil) if not found.
func (s *EncryptedStore) Get(alias string) (*TokenSet, error) {
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

// Set stores the token set for an alias.
func (s *EncryptedStore) Set(alias string, ts *TokenSet) error {
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
func (s *EncryptedStore) Remove(alias string) error {
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

func (s *EncryptedStore) readAll() (map[string]*TokenSet, error) {
	if s.locked {
		return nil, ErrStoreLocked
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*TokenSet), nil
		}
		return nil, fmt.Errorf("read token store: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse token store envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported token store version %d", env.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("decode auth tag: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := s.cipher(salt)
	if err != nil {
		return nil, err
	}
	// GCM expects ciphertext||tag
	plain, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt token store (wrong password?): %w", err)
	}

	var all map[string]*TokenSet
	if err := json.Unmarshal(plain, &all); err != nil {
		return nil, fmt.Errorf("parse token store: %w", err)
	}
	if all == nil {
		all = make(map[string]*TokenSet)
	}
	return all, nil
}

func (s *EncryptedStore) writeAll(all map[string]*TokenSet) error {
	if s.locked {
		return ErrStoreLocked
	}
	plain, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("marshal token store: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := s.cipher(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plain, nil)
	ct := sealed[:len(sealed)-gcmTagLen]
	tag := sealed[len(sealed)-gcmTagLen:]

	env := envelope{
		Version:    envelopeVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token store envelope: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
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

func (s *EncryptedStore) cipher(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(s.password, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
