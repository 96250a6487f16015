package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// ErrCiphertext indicates a sealed payload is truncated or was not produced by this key.
var ErrCiphertext = errors.New("crypto: invalid ciphertext")

// Box seals and opens secrets with AES-256-GCM. The nonce is prepended to the ciphertext.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives a 32 byte key from secret using SHA-256.
func NewBox(secret string) (*Box, error) {
	if secret == "" {
		return nil, errors.New("crypto: empty secret")
	}
	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext.
func (b *Box) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts a payload produced by Seal.
func (b *Box) Open(payload []byte) (string, error) {
	size := b.aead.NonceSize()
	if len(payload) < size {
		return "", ErrCiphertext
	}
	plain, err := b.aead.Open(nil, payload[:size], payload[size:], nil)
	if err != nil {
		return "", ErrCiphertext
	}
	return string(plain), nil
}
