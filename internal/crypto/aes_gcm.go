package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

var (
	ErrInvalidKeySize = errors.New("invalid key size: must be 32 bytes for AES-256")
	ErrDecryption     = errors.New("decryption failed: invalid key or corrupted blob")
)

// SealGCM encrypts plaintext using AES-256-GCM. The returned blob is
// nonce || ciphertext || tag, suitable for writing to disk as a single field.
func SealGCM(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	// Seal appends the tag to the ciphertext; prefixing the nonce gives one
	// self-contained blob.
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// OpenGCM decrypts a blob produced by SealGCM.
func OpenGCM(key, blob, aad []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(blob) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrDecryption
	}

	nonce, sealed := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		// Generic error to the caller; the real cause is not actionable and
		// could leak key material hints into API responses.
		return nil, ErrDecryption
	}
	return plaintext, nil
}
