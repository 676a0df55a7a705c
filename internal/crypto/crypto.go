// Package crypto encrypts OAuth tokens and secret config values at rest.
//
// Ciphertext layout is base64(iv) ":" base64(tag) ":" base64(ct) with a
// 12-byte IV, AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	keySize = 32
	ivSize  = 12
	tagSize = 16
)

// Cipher encrypts and decrypts short secrets with a fixed key.
type Cipher struct {
	aead cipher.AEAD
}

// New creates a Cipher from a key given as hex, base64, or 32 raw bytes.
func New(key string) (*Cipher, error) {
	raw, err := parseKey(key)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// parseKey accepts a 64-char hex string, a base64 string decoding to 32
// bytes, or 32 raw bytes.
func parseKey(key string) ([]byte, error) {
	if len(key) == keySize*2 {
		if raw, err := hex.DecodeString(key); err == nil {
			return raw, nil
		}
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err == nil && len(raw) == keySize {
		return raw, nil
	}
	if len(key) == keySize {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("encryption key must be 32 bytes (hex, base64, or raw); got %d chars", len(key))
}

// Encrypt seals plaintext and returns the iv:tag:ct string.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	// Seal appends the 16-byte tag to the ciphertext; split it back out
	// to match the iv:tag:ct layout.
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt opens an iv:tag:ct string produced by Encrypt.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed ciphertext: want iv:tag:ct, got %d parts", len(parts))
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode tag: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(iv) != ivSize {
		return "", fmt.Errorf("iv must be %d bytes, got %d", ivSize, len(iv))
	}

	plaintext, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// LooksEncrypted reports whether a config value has the iv:tag:ct shape,
// with the iv segment decoding to the expected 12 bytes. Plaintext secrets
// containing colons do not false-positive on the length check.
func LooksEncrypted(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return false
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	return err == nil && len(iv) == ivSize
}
