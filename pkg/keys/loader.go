// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// minRSABits is the smallest RSA modulus accepted for token signing.
const minRSABits = 2048

// LoadSigningKey loads an RSA private key from a PEM file.
// Supports PKCS1 and PKCS8 formats. Returns a crypto.Signer for JWT signing.
func LoadSigningKey(keyPath string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(keyPath) // #nosec G304 - keyPath is provided by user via CLI flag or config
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	// Try PKCS1 first
	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return validateRSAKey(rsaKey)
	}

	// Try PKCS8
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key must be RSA for RS256, got %T", key)
	}

	return validateRSAKey(rsaKey)
}

func validateRSAKey(key *rsa.PrivateKey) (crypto.Signer, error) {
	if bits := key.N.BitLen(); bits < minRSABits {
		return nil, fmt.Errorf("RSA key too small: %d bits, need at least %d", bits, minRSABits)
	}
	return key, nil
}

// DeriveKeyID computes a key ID from the public key using RFC 7638 JWK Thumbprint.
// The thumbprint is computed as base64url(SHA-256(JWK canonical form)).
func DeriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{
		Key: key.Public(),
	}

	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// BuildJWKS assembles a go-jose key set from public key data for the JWKS
// endpoint. Only public material enters the set.
func BuildJWKS(pubKeys []*PublicKeyData) *jose.JSONWebKeySet {
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(pubKeys))}
	for _, pk := range pubKeys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       pk.PublicKey,
			KeyID:     pk.KeyID,
			Algorithm: pk.Algorithm,
			Use:       "sig",
		})
	}
	return set
}
