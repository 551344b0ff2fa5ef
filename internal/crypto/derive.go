package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for deriving the vault key from a passphrase.
// Memory-hard on purpose: the vault file may end up in backups.
const (
	deriveMemory      = 64 * 1024 // 64 MB
	deriveIterations  = 1
	deriveParallelism = 4
	SaltLength        = 16
	KeyLength         = 32
)

var ErrEmptyPassphrase = errors.New("vault passphrase is empty")

// DeriveKey stretches a passphrase into an AES-256 key using Argon2id.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if len(salt) != SaltLength {
		return nil, errors.New("invalid salt length")
	}
	key := argon2.IDKey([]byte(passphrase), salt, deriveIterations, deriveMemory, deriveParallelism, KeyLength)
	return key, nil
}

// NewSalt returns a fresh random salt for DeriveKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
