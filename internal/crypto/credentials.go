// Package crypto holds the AES-GCM cipher for stored n8n API keys and the
// HMAC helpers used to authenticate inbound webhooks.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/flowdash-app/flowdash-backend/internal/slogging"
)

const sealedPrefix = "enc:v1:"

// ErrNotSealed is returned by Open for values that were never encrypted
var ErrNotSealed = errors.New("value is not sealed")

// CredentialCipher seals n8n API keys before they reach the record store.
// A cipher built without a key is disabled and stores values verbatim.
type CredentialCipher struct {
	aead cipher.AEAD
}

// NewCredentialCipher parses a 64 character hex key. An empty key yields a
// disabled cipher.
func NewCredentialCipher(hexKey string) (*CredentialCipher, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		slogging.Get().Warn("No credential encryption key configured; instance API keys are stored in plaintext")
		return &CredentialCipher{}, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("credential key must be hex-encoded: %w", err)
	}
	return NewCredentialCipherFromKey(key)
}

func NewCredentialCipherFromKey(key []byte) (*CredentialCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &CredentialCipher{aead: aead}, nil
}

func (c *CredentialCipher) Enabled() bool { return c.aead != nil }

// Seal encrypts plaintext into "enc:v1:<base64(nonce|ciphertext|tag)>".
func (c *CredentialCipher) Seal(plaintext string) (string, error) {
	if !c.Enabled() {
		return plaintext, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Plain values pass through when the cipher is disabled;
// an enabled cipher rejects them with ErrNotSealed.
func (c *CredentialCipher) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		if c.Enabled() {
			return "", ErrNotSealed
		}
		return value, nil
	}
	if !c.Enabled() {
		return "", errors.New("sealed value found but no credential key is configured")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("sealed value too short")
	}
	plain, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed value: %w", err)
	}
	return string(plain), nil
}
