//go:build !integration && !e2e
// +build !integration,!e2e

package secret

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestBox_SealOpenRoundtrip(t *testing.T) {
	box, err := NewBox(testKeyHex, "")
	require.NoError(t, err)

	for _, plain := range []string{"", "refresh-token-xyz", strings.Repeat("x", 4096)} {
		sealed, err := box.Seal(plain)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(sealed, "sb1:"))
		if plain != "" {
			assert.NotContains(t, sealed, plain)
		}

		opened, err := box.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plain, opened)
	}
}

func TestBox_SealNonDeterministic(t *testing.T) {
	box, err := NewBox(testKeyHex, "")
	require.NoError(t, err)

	a, err := box.Seal("same input")
	require.NoError(t, err)
	b, err := box.Seal("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh nonce per seal")
}

func TestBox_OpenRejectsTamperedCiphertext(t *testing.T) {
	box, err := NewBox(testKeyHex, "")
	require.NoError(t, err)

	sealed, err := box.Seal("secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, "sb1:"))
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := "sb1:" + base64.StdEncoding.EncodeToString(raw)

	_, err = box.Open(tampered)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = box.Open("plaintext-not-a-ciphertext")
	assert.Error(t, err)

	_, err = box.Open("sb1:dG9vc2hvcnQ=")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestBox_WrongKeyFailsAuthentication(t *testing.T) {
	box, err := NewBox(testKeyHex, "")
	require.NoError(t, err)
	other, err := NewBox(strings.Repeat("ff", 32), "")
	require.NoError(t, err)

	sealed, err := box.Seal("secret")
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNewBox_KeySources(t *testing.T) {
	_, err := NewBox("", "")
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = NewBox("too-short", "")
	assert.Error(t, err)

	// Base64-encoded 32 bytes is accepted.
	b64 := base64.StdEncoding.EncodeToString(make([]byte, 32))
	_, err = NewBox(b64, "")
	assert.NoError(t, err)

	// Key file fallback, with surrounding whitespace trimmed.
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte(testKeyHex+"\n"), 0o600))
	box, err := NewBox("", path)
	require.NoError(t, err)
	sealed, err := box.Seal("x")
	require.NoError(t, err)
	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "x", opened)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "********", Mask("12345678"))
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "abcd****wxyz", Mask("abcdefghijklmnopqrstuvwxyz"))
}
