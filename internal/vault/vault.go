// Package vault stores the small sensitive settings document —
// third-party API keys, the escalation policy — in a sealed file on
// disk. Secrets never touch the general sqlite database; the sync
// engine mirrors this document through the same save/fetch shape as
// any other record family.
package vault

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// ErrNotFound is returned by Load when no vault file exists yet.
var ErrNotFound = errors.New("vault: no settings document")

// ErrBadPassphrase is returned when the sealed payload does not open
// with the derived key.
var ErrBadPassphrase = errors.New("vault: wrong passphrase or corrupt file")

const (
	magic    = "HAVENV1\x00"
	saltLen  = 16
	nonceLen = 24

	// scrypt cost parameters. Interactive-grade: the vault is opened
	// once per process, not per request.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Document is the settings payload the vault seals.
type Document struct {
	Settings   map[string]string `json:"settings"`
	ModifiedAt time.Time         `json:"modified_at"`
}

// Vault seals and opens the settings document at a fixed path.
type Vault struct {
	mu   sync.Mutex
	path string
	pass []byte

	// key is derived lazily because the salt lives in the file header
	// and may not exist until the first Save.
	key  *[32]byte
	salt []byte
}

// Open prepares a vault at path. The file is not required to exist
// yet; the passphrase is verified on first Load.
func Open(path, passphrase string) (*Vault, error) {
	if path == "" {
		return nil, errors.New("vault: empty path")
	}
	if passphrase == "" {
		return nil, errors.New("vault: empty passphrase")
	}
	return &Vault{path: path, pass: []byte(passphrase)}, nil
}

// Load reads and opens the sealed document.
func (v *Vault) Load() (*Document, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	raw, err := os.ReadFile(v.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", v.path, err)
	}
	if len(raw) < len(magic)+saltLen+nonceLen+secretbox.Overhead || string(raw[:len(magic)]) != magic {
		return nil, ErrBadPassphrase
	}

	salt := raw[len(magic) : len(magic)+saltLen]
	if err := v.deriveKey(salt); err != nil {
		return nil, err
	}

	var nonce [nonceLen]byte
	copy(nonce[:], raw[len(magic)+saltLen:])
	sealed := raw[len(magic)+saltLen+nonceLen:]

	plain, ok := secretbox.Open(nil, sealed, &nonce, v.key)
	if !ok {
		return nil, ErrBadPassphrase
	}

	var doc Document
	if err := json.Unmarshal(plain, &doc); err != nil {
		return nil, fmt.Errorf("vault: decode document: %w", err)
	}
	if doc.Settings == nil {
		doc.Settings = map[string]string{}
	}
	return &doc, nil
}

// Save seals the document and writes it atomically (temp file +
// rename) so a crash never leaves a truncated vault.
func (v *Vault) Save(doc *Document) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.salt == nil {
		salt := make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("vault: generate salt: %w", err)
		}
		if err := v.deriveKey(salt); err != nil {
			return err
		}
	}

	plain, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("vault: encode document: %w", err)
	}

	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("vault: generate nonce: %w", err)
	}

	out := make([]byte, 0, len(magic)+saltLen+nonceLen+len(plain)+secretbox.Overhead)
	out = append(out, magic...)
	out = append(out, v.salt...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plain, &nonce, v.key)

	dir := filepath.Dir(v.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("vault: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return fmt.Errorf("vault: temp file: %w", err)
	}
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("vault: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("vault: close: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("vault: chmod: %w", err)
	}
	if err := os.Rename(tmp.Name(), v.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("vault: rename: %w", err)
	}
	return nil
}

// Set updates one key and reseals. Missing vaults are created.
func (v *Vault) Set(key, value string) error {
	doc, err := v.Load()
	if errors.Is(err, ErrNotFound) {
		doc = &Document{Settings: map[string]string{}}
	} else if err != nil {
		return err
	}
	doc.Settings[key] = value
	doc.ModifiedAt = time.Now().UTC()
	return v.Save(doc)
}

// Get fetches one key. Missing keys and missing vaults both return
// the empty string.
func (v *Vault) Get(key string) (string, error) {
	doc, err := v.Load()
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return doc.Settings[key], nil
}

func (v *Vault) deriveKey(salt []byte) error {
	if v.key != nil {
		return nil
	}
	raw, err := scrypt.Key(v.pass, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return fmt.Errorf("vault: derive key: %w", err)
	}
	var key [32]byte
	copy(key[:], raw)
	v.key = &key
	v.salt = append([]byte(nil), salt...)
	return nil
}
