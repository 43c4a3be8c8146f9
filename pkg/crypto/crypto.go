// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto collects the primitives every ceremony shares: random
// generation, token hashing, key derivation, authenticated encryption,
// constant-time comparison, PKCE verification, and client-secret hashing.
// Nothing in this package logs; no key material ever leaves it in cleartext.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// RandomBytes returns n cryptographically strong random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// RandomToken returns a URL-safe token built from n random bytes,
// base64url-encoded without padding. 32 bytes yields 43 characters.
func RandomToken(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// RandomDigits returns a string of n decimal digits drawn uniformly,
// zero-padded. Used for magic codes.
func RandomDigits(n int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("reading random digits: %w", err)
	}
	return fmt.Sprintf("%0*d", n, v), nil
}

// RandomFromAlphabet returns an n-character string drawn uniformly from the
// given alphabet. Used for device user codes.
func RandomFromAlphabet(alphabet string, n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("reading random index: %w", err)
		}
		out[i] = alphabet[v.Int64()]
	}
	return string(out), nil
}

// HashToken returns the storage form of an opaque token: base64url of its
// SHA-256. Refresh tokens and device codes are stored only in this form.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ConstantTimeEquals compares two strings without leaking the position of
// the first difference.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// DeriveKey derives keyLen bytes from secret via HKDF-SHA256. The context
// string separates uses of the same secret (cookie encryption vs legacy HMAC).
func DeriveKey(secret []byte, context string, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(context))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// SignHMAC computes HMAC-SHA256 of msg under key.
func SignHMAC(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

// VerifyHMAC reports whether sig is the HMAC-SHA256 of msg under key,
// in constant time.
func VerifyHMAC(key []byte, msg string, sig []byte) bool {
	return hmac.Equal(SignHMAC(key, msg), sig)
}
