package vault

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSealAndOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.vault")
	v, err := Open(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	doc := &Document{
		Settings:   map[string]string{"cloud_api_key": "sk-test-123", "escalation": "ask"},
		ModifiedAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := v.Save(doc); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A fresh vault handle must re-derive the key from the file header.
	v2, err := Open(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := v2.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Settings["cloud_api_key"] != "sk-test-123" {
		t.Errorf("settings = %v", got.Settings)
	}
	if !got.ModifiedAt.Equal(doc.ModifiedAt) {
		t.Errorf("modified at = %v, want %v", got.ModifiedAt, doc.ModifiedAt)
	}
}

func TestWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.vault")
	v, err := Open(path, "right")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := v.Save(&Document{Settings: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	wrong, err := Open(path, "wrong")
	if err != nil {
		t.Fatalf("open with wrong passphrase: %v", err)
	}
	if _, err := wrong.Load(); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("want ErrBadPassphrase, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	v, err := Open(filepath.Join(t.TempDir(), "absent.vault"), "pass")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := v.Load(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.vault")
	if err := os.WriteFile(path, []byte("not a vault file at all, but long enough to pass the length check......."), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := Open(path, "pass")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := v.Load(); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("want ErrBadPassphrase, got %v", err)
	}
}

func TestSetAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "settings.vault")
	v, err := Open(path, "pass")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Get against a vault that does not exist yet is empty, not an error.
	if got, err := v.Get("anything"); err != nil || got != "" {
		t.Fatalf("get on missing vault = (%q, %v)", got, err)
	}

	if err := v.Set("cloud_api_key", "sk-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := v.Set("other", "value"); err != nil {
		t.Fatalf("set second key: %v", err)
	}

	got, err := v.Get("cloud_api_key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "sk-1" {
		t.Errorf("get = %q, want sk-1", got)
	}

	doc, err := v.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(doc.Settings) != 2 {
		t.Errorf("settings = %v", doc.Settings)
	}
	if doc.ModifiedAt.IsZero() {
		t.Error("Set should touch ModifiedAt")
	}

	// The sealed file is private to the owner.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("vault file mode = %o, want 600", perm)
	}
}
