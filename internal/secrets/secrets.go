// Package secrets decrypts tenant-scoped provider API keys stored in the
// provider_credentials table. Keys are sealed with AES-256-GCM; the ciphertext
// layout is nonce || sealed bytes.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

var ErrNoKey = errors.New("credentials encryption key not configured")

// Box seals and opens provider API keys with a single symmetric key.
type Box struct {
	aead cipher.AEAD
}

// NewBox creates a Box from a 32-byte key. A nil/empty key yields a Box whose
// operations return ErrNoKey, so deployments without tenant credentials can
// still run on environment-level provider keys.
func NewBox(key []byte) (*Box, error) {
	if len(key) == 0 {
		return &Box{}, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts a raw API key for storage.
func (b *Box) Seal(plaintext string) ([]byte, error) {
	if b.aead == nil {
		return nil, ErrNoKey
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts a stored API key.
func (b *Box) Open(ciphertext []byte) (string, error) {
	if b.aead == nil {
		return "", ErrNoKey
	}
	if len(ciphertext) < b.aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:b.aead.NonceSize()], ciphertext[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	return string(plaintext), nil
}
