// Package credentials decrypts stored secret material for pipelines. Secrets
// are kept as AES-256-GCM ciphertexts; the master key never leaves process
// memory.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidCiphertext indicates malformed or truncated secret material
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrDecryptFailed indicates authentication failure during decryption
	ErrDecryptFailed = errors.New("decryption failed")
)

// Vault decrypts stored secret material
type Vault interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
	Encrypt(ctx context.Context, plaintext string) (string, error)
}

// AESVault implements Vault with AES-256-GCM and a static master key
type AESVault struct {
	aead cipher.AEAD
}

// NewAESVault creates a vault from a hex-encoded 32-byte master key
func NewAESVault(masterKeyHex string) (*AESVault, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESVault{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext)
func (v *AESVault) Encrypt(ctx context.Context, plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens base64(nonce || ciphertext) back into plaintext
func (v *AESVault) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	plaintext, err := v.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}
