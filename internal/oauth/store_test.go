package oauth

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func validToken(access string) *TokenSet {
	return &TokenSet{
		AccessToken:  access,
		RefreshToken: "refresh-" + access,
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}
}

func TestFileStoreRoundtrip(t *testing.T) {
	store := NewFileStoreAt(filepath.Join(t.TempDir(), "tokens.json"))

	if ts, err := store.Get("work"); err != nil || ts != nil {
		t.Fatalf("Get on empty store = (%v, %v), want (nil, nil)", ts, err)
	}

	want := validToken("tok-1")
	if err := store.Set("work", want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := store.Get("work")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken {
		t.Errorf("Get = %+v, want %+v", got, want)
	}

	if err := store.Remove("work"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ts, _ := store.Get("work"); ts != nil {
		t.Error("token still present after Remove")
	}
	if err := store.Remove("work"); err != nil {
		t.Errorf("Remove of absent alias: %v", err)
	}
}

func TestFileStoreRejectsInvalidTokenSet(t *testing.T) {
	store := NewFileStoreAt(filepath.Join(t.TempDir(), "tokens.json"))
	if err := store.Set("work", &TokenSet{}); err == nil {
		t.Error("expected validation error for empty token set")
	}
}

// Concurrent writers to different aliases must not lose each other's
// entries.
func TestFileStoreConcurrentWriters(t *testing.T) {
	store := NewFileStoreAt(filepath.Join(t.TempDir(), "tokens.json"))

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			alias := fmt.Sprintf("acct-%d", i)
			if err := store.Set(alias, validToken(alias)); err != nil {
				t.Errorf("Set %s: %v", alias, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		alias := fmt.Sprintf("acct-%d", i)
		ts, err := store.Get(alias)
		if err != nil {
			t.Fatalf("Get %s: %v", alias, err)
		}
		if ts == nil || ts.AccessToken != alias {
			t.Errorf("entry for %s lost or wrong: %+v", alias, ts)
		}
	}
}

func TestEncryptedStoreRoundtrip(t *testing.T) {
	t.Setenv(MasterPasswordEnv, "hunter2")
	path := filepath.Join(t.TempDir(), "tokens.enc.json")

	store, err := NewEncryptedStoreAt(path)
	if err != nil {
		t.Fatalf("NewEncryptedStoreAt: %v", err)
	}
	want := validToken("secret-tok")
	if err := store.Set("work", want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// A second instance with the same password reads it back.
	store2, err := NewEncryptedStoreAt(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := store2.Get("work")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.AccessToken != want.AccessToken {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
}

func TestEncryptedStoreWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.enc.json")

	t.Setenv(MasterPasswordEnv, "correct")
	store, err := NewEncryptedStoreAt(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set("work", validToken("tok")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	t.Setenv(MasterPasswordEnv, "wrong")
	store2, err := NewEncryptedStoreAt(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store2.Get("work"); err == nil {
		t.Error("expected decryption error with wrong password")
	}
}

func TestEncryptedStoreLockedWithoutPassword(t *testing.T) {
	// No env password, and test processes have no terminal on stdin.
	t.Setenv(MasterPasswordEnv, "")
	store, err := NewEncryptedStoreAt(filepath.Join(t.TempDir(), "tokens.enc.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !store.Locked() {
		t.Skip("stdin is a terminal; cannot exercise locked state")
	}

	if _, err := store.Get("work"); !errors.Is(err, ErrStoreLocked) {
		t.Errorf("Get = %v, want ErrStoreLocked", err)
	}
	if err := store.Set("work", validToken("tok")); !errors.Is(err, ErrStoreLocked) {
		t.Errorf("Set = %v, want ErrStoreLocked", err)
	}
	if err := store.Remove("work"); !errors.Is(err, ErrStoreLocked) {
		t.Errorf("Remove = %v, want ErrStoreLocked", err)
	}
}

func TestTokenSetRefreshWindow(t *testing.T) {
	tests := []struct {
		name         string
		expiresIn    time.Duration
		needsRefresh bool
		expired      bool
	}{
		{"fresh", time.Hour, false, false},
		{"inside window", 2 * time.Minute, true, false},
		{"expired", -time.Minute, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := TokenSet{
				AccessToken: "tok",
				ExpiresAt:   time.Now().Add(tt.expiresIn).UnixMilli(),
			}
			if got := ts.NeedsRefresh(); got != tt.needsRefresh {
				t.Errorf("NeedsRefresh = %v, want %v", got, tt.needsRefresh)
			}
			if got := ts.IsExpired(); got != tt.expired {
				t.Errorf("IsExpired = %v, want %v", got, tt.expired)
			}
		})
	}
}
