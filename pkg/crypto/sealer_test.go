// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer([]byte("0123456789abcdef0123456789abcdef"), "test-context")
	require.NoError(t, err)
	return s
}

func TestSealerRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t)

	sealed, err := s.Seal([]byte("session-id:user-id"))
	require.NoError(t, err)

	// Wire format: base64url(iv) ":" base64url(ciphertext||tag)
	parts := strings.Split(sealed, ":")
	require.Len(t, parts, 2)
	iv, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	assert.Len(t, iv, 12)

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "session-id:user-id", string(plain))
}

func TestSealerUniqueIVs(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t)

	a, err := s.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := s.Seal([]byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestSealerRejectsTampering(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t)

	sealed, err := s.Seal([]byte("payload"))
	require.NoError(t, err)

	// Flip one bit in the ciphertext portion.
	_, ctPart, ok := strings.Cut(sealed, ":")
	require.True(t, ok)
	raw, err := base64.RawURLEncoding.DecodeString(ctPart)
	require.NoError(t, err)
	raw[0] ^= 0x01
	tampered := strings.SplitN(sealed, ":", 2)[0] + ":" + base64.RawURLEncoding.EncodeToString(raw)

	_, err = s.Open(tampered)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSealerRejectsMalformedInput(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t)

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no separator", "abcdef"},
		{"bad iv encoding", "!!!:" + base64.RawURLEncoding.EncodeToString([]byte("x"))},
		{"bad ciphertext encoding", base64.RawURLEncoding.EncodeToString(make([]byte, 12)) + ":!!!"},
		{"short iv", base64.RawURLEncoding.EncodeToString([]byte("short")) + ":" + base64.RawURLEncoding.EncodeToString(make([]byte, 32))},
		{"short ciphertext", base64.RawURLEncoding.EncodeToString(make([]byte, 12)) + ":" + base64.RawURLEncoding.EncodeToString([]byte("x"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := s.Open(tt.input)
			assert.ErrorIs(t, err, ErrInvalidCiphertext)
		})
	}
}

func TestSealersWithDifferentContextsDoNotInteroperate(t *testing.T) {
	t.Parallel()

	secret := []byte("0123456789abcdef0123456789abcdef")
	a, err := NewSealer(secret, "context-a")
	require.NoError(t, err)
	b, err := NewSealer(secret, "context-b")
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestNewSealerRejectsShortSecret(t *testing.T) {
	t.Parallel()

	_, err := NewSealer([]byte("short"), "ctx")
	assert.Error(t, err)
}

func TestClientSecretHashing(t *testing.T) {
	t.Parallel()

	hash, err := HashClientSecret("s3cret-value")
	require.NoError(t, err)
	assert.NotContains(t, hash, "s3cret-value")

	assert.NoError(t, VerifyClientSecret(hash, "s3cret-value"))
	assert.ErrorIs(t, VerifyClientSecret(hash, "wrong"), ErrSecretMismatch)
}
