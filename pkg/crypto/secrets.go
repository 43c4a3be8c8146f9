// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// clientSecretCost is the bcrypt work factor for client secrets. Client
// authentication happens once per token exchange, so the slow hash is
// affordable on that path.
const clientSecretCost = 12

// ErrSecretMismatch indicates the presented secret does not match the hash.
var ErrSecretMismatch = errors.New("secret mismatch")

// HashClientSecret hashes a client secret for storage. The salt is embedded
// in the bcrypt output; the cleartext is never persisted.
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), clientSecretCost)
	if err != nil {
		return "", fmt.Errorf("hashing client secret: %w", err)
	}
	return string(hash), nil
}

// VerifyClientSecret checks a presented secret against its stored hash.
// bcrypt's comparison is constant-time over the derived digest.
func VerifyClientSecret(hash, secret string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrSecretMismatch
	}
	return nil
}
