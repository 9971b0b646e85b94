// Package secret seals credentials at rest with nacl secretbox
// (XSalsa20-Poly1305). Ciphertexts are versioned so the format can rotate.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const cipherPrefix = "sb1:"

var (
	// ErrNoKey is returned when no field encryption key is configured.
	ErrNoKey = errors.New("field encryption key not configured")
	// ErrDecrypt is returned when a ciphertext fails authentication.
	ErrDecrypt = errors.New("ciphertext authentication failed")
)

// Box encrypts and decrypts small credential strings.
type Box struct {
	key [32]byte
}

// NewBox creates a Box from key material: FIELD_ENCRYPTION_KEY directly, or
// the contents of FIELD_ENCRYPTION_KEY_FILE when the former is empty.
func NewBox(key, keyFile string) (*Box, error) {
	if key == "" && keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read encryption key file: %w", err)
		}
		key = strings.TrimSpace(string(data))
	}
	if key == "" {
		return nil, ErrNoKey
	}
	raw, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// ParseKey accepts a 64-char hex or 44-char base64 encoding of 32 bytes.
func ParseKey(s string) ([]byte, error) {
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == 32 {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == 32 {
		return raw, nil
	}
	return nil, fmt.Errorf("encryption key must decode to 32 bytes (hex or base64)")
}

// Seal encrypts plaintext and returns a versioned, base64 ciphertext.
func (b *Box) Seal(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return cipherPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a ciphertext produced by Seal.
func (b *Box) Open(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, cipherPrefix) {
		return "", fmt.Errorf("unrecognized ciphertext format")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, cipherPrefix))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < 24+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &b.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Mask keeps a visual hint of a credential: first 4 and last 4 characters.
func Mask(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", 4) + s[len(s)-4:]
}
