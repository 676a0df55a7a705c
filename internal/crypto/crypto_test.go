package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

const hexKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New(hexKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, plaintext := range []string{"", "short", "a much longer secret value with spaces and symbols !@#"} {
		ct, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		got, err := c.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", plaintext, err)
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestCiphertextLayout(t *testing.T) {
	c, _ := New(hexKey)
	ct, err := c.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	parts := strings.Split(ct, ":")
	if len(parts) != 3 {
		t.Fatalf("ciphertext has %d parts, want iv:tag:ct", len(parts))
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(iv) != 12 {
		t.Errorf("iv = %d bytes (err %v), want 12", len(iv), err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(tag) != 16 {
		t.Errorf("tag = %d bytes (err %v), want 16", len(tag), err)
	}
}

func TestKeyFormats(t *testing.T) {
	raw := "0123456789abcdef0123456789abcdef" // 32 ascii bytes
	b64 := base64.StdEncoding.EncodeToString([]byte(raw))

	for _, key := range []string{hexKey, raw, b64} {
		if _, err := New(key); err != nil {
			t.Errorf("New(%q): %v", key, err)
		}
	}
	if _, err := New("too short"); err == nil {
		t.Error("short key accepted")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	c, _ := New(hexKey)
	ct, _ := c.Encrypt("secret")

	parts := strings.Split(ct, ":")
	body, _ := base64.StdEncoding.DecodeString(parts[2])
	if len(body) > 0 {
		body[0] ^= 0xff
	}
	parts[2] = base64.StdEncoding.EncodeToString(body)

	if _, err := c.Decrypt(strings.Join(parts, ":")); err == nil {
		t.Error("tampered ciphertext accepted")
	}
}

func TestDecryptMalformed(t *testing.T) {
	c, _ := New(hexKey)
	for _, bad := range []string{"", "a:b", "a:b:c:d", "!!!:!!!:!!!"} {
		if _, err := c.Decrypt(bad); err == nil {
			t.Errorf("Decrypt(%q) accepted", bad)
		}
	}
}
