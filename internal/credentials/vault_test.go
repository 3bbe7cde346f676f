package credentials

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() string {
	return hex.EncodeToString(make([]byte, 32))
}

func TestNewAESVault_RejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"not hex", "zzzz"},
		{"too short", "deadbeef"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESVault(tt.key)
			assert.Error(t, err)
		})
	}
}

func TestVault_RoundTrip(t *testing.T) {
	vault, err := NewAESVault(testKey())
	require.NoError(t, err)

	ctx := context.Background()
	ciphertext, err := vault.Encrypt(ctx, "sk-secret-value")
	require.NoError(t, err)
	assert.NotEqual(t, "sk-secret-value", ciphertext)

	plaintext, err := vault.Decrypt(ctx, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-value", plaintext)
}

func TestVault_DecryptRejectsGarbage(t *testing.T) {
	vault, err := NewAESVault(testKey())
	require.NoError(t, err)

	ctx := context.Background()

	_, err = vault.Decrypt(ctx, "not-base64!!!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = vault.Decrypt(ctx, "c2hvcnQ=") // valid base64, too short for a nonce
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	ciphertext, err := vault.Encrypt(ctx, "value")
	require.NoError(t, err)
	tampered := ciphertext[:len(ciphertext)-4] + "AAAA"
	_, err = vault.Decrypt(ctx, tampered)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}
