// Package vault persists the upstream credential across restarts. The
// default store encrypts at rest with a key derived from an operator
// passphrase; the plaintext store exists only for environments that opt in
// explicitly.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/technosupport/ts-cloudcam/internal/crypto"
	"github.com/technosupport/ts-cloudcam/internal/upstream"
)

var (
	ErrNotFound  = errors.New("vault: no stored credential")
	ErrCorrupt   = errors.New("vault: stored credential unreadable")
	ErrBadFormat = errors.New("vault: unrecognized file format")
)

// Store loads and persists the single credential record.
type Store interface {
	Load() (upstream.Credential, error)
	Save(upstream.Credential) error
	Clear() error
	Path() string
}

// Encrypted file layout: magic, argon2 salt, then an AES-GCM blob over the
// JSON credential. The magic doubles as the AAD so a file can't be replayed
// under a different format version.
var vaultMagic = []byte("CCVLT1")

// EncryptedFileStore keeps the credential sealed under a passphrase-derived
// key. A fresh salt is drawn on every save.
type EncryptedFileStore struct {
	path       string
	passphrase string
}

func NewEncryptedFileStore(path, passphrase string) (*EncryptedFileStore, error) {
	if passphrase == "" {
		return nil, crypto.ErrEmptyPassphrase
	}
	return &EncryptedFileStore{path: path, passphrase: passphrase}, nil
}

func (s *EncryptedFileStore) Path() string { return s.path }

func (s *EncryptedFileStore) Load() (upstream.Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return upstream.Credential{}, ErrNotFound
		}
		return upstream.Credential{}, err
	}

	minLen := len(vaultMagic) + crypto.SaltLength
	if len(data) <= minLen || string(data[:len(vaultMagic)]) != string(vaultMagic) {
		return upstream.Credential{}, ErrBadFormat
	}
	salt := data[len(vaultMagic) : len(vaultMagic)+crypto.SaltLength]
	blob := data[minLen:]

	key, err := crypto.DeriveKey(s.passphrase, salt)
	if err != nil {
		return upstream.Credential{}, err
	}
	plain, err := crypto.OpenGCM(key, blob, vaultMagic)
	if err != nil {
		return upstream.Credential{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var cred upstream.Credential
	if err := json.Unmarshal(plain, &cred); err != nil {
		return upstream.Credential{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return cred, nil
}

func (s *EncryptedFileStore) Save(cred upstream.Credential) error {
	plain, err := json.Marshal(cred)
	if err != nil {
		return err
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	key, err := crypto.DeriveKey(s.passphrase, salt)
	if err != nil {
		return err
	}
	blob, err := crypto.SealGCM(key, plain, vaultMagic)
	if err != nil {
		return err
	}

	out := make([]byte, 0, len(vaultMagic)+len(salt)+len(blob))
	out = append(out, vaultMagic...)
	out = append(out, salt...)
	out = append(out, blob...)
	return writeAtomic(s.path, out)
}

func (s *EncryptedFileStore) Clear() error {
	return removeIfPresent(s.path)
}

// PlainFileStore writes the credential as readable JSON. Only wired up when
// the operator sets vault.allow_plaintext; the daemon logs loudly on boot.
type PlainFileStore struct {
	path string
}

func NewPlainFileStore(path string) *PlainFileStore {
	return &PlainFileStore{path: path}
}

func (s *PlainFileStore) Path() string { return s.path }

func (s *PlainFileStore) Load() (upstream.Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return upstream.Credential{}, ErrNotFound
		}
		return upstream.Credential{}, err
	}
	var cred upstream.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return upstream.Credential{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return cred, nil
}

func (s *PlainFileStore) Save(cred upstream.Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.path, data)
}

func (s *PlainFileStore) Clear() error {
	return removeIfPresent(s.path)
}

// writeAtomic stages into a sibling temp file and renames over the target,
// so a crash mid-save never leaves a torn vault.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func removeIfPresent(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
