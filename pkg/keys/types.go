// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys provides signing key management for the authorization server.
// It handles key lifecycle including loading from files, generation, and
// exposure of the public set for the JWKS endpoint.
package keys

import (
	"crypto"
	"time"
)

// DefaultAlgorithm is the signing algorithm for issued access tokens.
// Other services verify tokens against the JWKS assuming RS256; changing
// this breaks the interoperable token contract.
const DefaultAlgorithm = "RS256"

// SigningKeyData represents a signing key with its metadata.
// This contains private key material and should not be exposed externally.
type SigningKeyData struct {
	// KeyID is the unique identifier for this key (RFC 7638 thumbprint).
	KeyID string

	// Algorithm is the signing algorithm (e.g., "RS256").
	Algorithm string

	// Key is the private key used for signing.
	Key crypto.Signer

	// CreatedAt is when this key was generated or loaded.
	CreatedAt time.Time
}

// PublicKeyData represents the public portion of a signing key.
// This is safe to expose via the JWKS endpoint.
type PublicKeyData struct {
	// KeyID is the unique identifier for this key (RFC 7638 thumbprint).
	KeyID string

	// Algorithm is the signing algorithm (e.g., "RS256").
	Algorithm string

	// PublicKey is the public key for verification.
	PublicKey crypto.PublicKey

	// CreatedAt is when this key was generated or loaded.
	CreatedAt time.Time
}
