// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrInvalidCiphertext indicates the sealed value is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrDecryptionFailed indicates authentication failed during open.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Sealer provides AES-256-GCM authenticated encryption for session cookies.
// The encryption key is derived from the configured session secret via
// HKDF-SHA256 so that different contexts never share a key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 256-bit key from secret under the given derivation
// context and returns a Sealer around AES-GCM.
func NewSealer(secret []byte, context string) (*Sealer, error) {
	if len(secret) < 16 {
		return nil, errors.New("sealer secret must be at least 16 bytes")
	}

	key, err := DeriveKey(secret, context, 32)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM cipher: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns the wire form
// base64url(iv) ":" base64url(ciphertext||tag) with a random 12-byte IV.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	iv := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	ct := s.aead.Seal(nil, iv, plaintext, nil)

	return base64.RawURLEncoding.EncodeToString(iv) + ":" +
		base64.RawURLEncoding.EncodeToString(ct), nil
}

// Open decrypts a sealed value. Tampered or malformed input yields
// ErrInvalidCiphertext or ErrDecryptionFailed; it never panics.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	ivPart, ctPart, ok := strings.Cut(sealed, ":")
	if !ok {
		return nil, fmt.Errorf("%w: expected two parts", ErrInvalidCiphertext)
	}

	iv, err := base64.RawURLEncoding.DecodeString(ivPart)
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv encoding", ErrInvalidCiphertext)
	}
	if len(iv) != s.aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad iv length", ErrInvalidCiphertext)
	}

	ct, err := base64.RawURLEncoding.DecodeString(ctPart)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrInvalidCiphertext)
	}
	if len(ct) < s.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrInvalidCiphertext)
	}

	plaintext, err := s.aead.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}
