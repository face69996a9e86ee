// Package crypto provides authenticated encryption for sensitive credential
// material, currently the per-user TOTP secrets. AES-256-GCM with a random
// nonce per encryption; ciphertexts are stored as "enc:" + base64.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const encPrefix = "enc:"

// SecretBox seals and opens short secrets with a single 32-byte key. The key
// is injected at construction; nothing in this package touches the
// environment.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox builds a SecretBox from a 32-byte AES key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM mode: %w", err)
	}

	return &SecretBox{aead: aead}, nil
}

// Seal encrypts plaintext and returns "enc:" + base64(nonce || ciphertext).
// The nonce is fresh random bytes per call; reuse would break GCM entirely.
func (b *SecretBox) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal. It rejects values without the
// "enc:" prefix so a plaintext column value can never be mistaken for
// ciphertext, and fails on any tampering (GCM authentication).
func (b *SecretBox) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, encPrefix) {
		return "", fmt.Errorf("invalid encrypted format (missing %q prefix)", encPrefix)
	}

	raw, err := base64.StdEncoding.DecodeString(sealed[len(encPrefix):])
	if err != nil {
		return "", fmt.Errorf("invalid base64 encoding: %w", err)
	}

	nonceSize := b.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}

	return string(plaintext), nil
}

// GenerateKey returns a new random 32-byte key in hex, for ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating random key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
