// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// Provider provides signing keys for JWT operations.
// Implementations handle key sourcing (file, memory, generation).
type Provider interface {
	// SigningKey returns the current signing key.
	SigningKey(ctx context.Context) (*SigningKeyData, error)

	// PublicKeys returns all public keys for the JWKS endpoint.
	// May return multiple keys during rotation periods.
	PublicKeys(ctx context.Context) ([]*PublicKeyData, error)
}

// Config describes where a FileProvider finds its keys.
type Config struct {
	// KeyDir is the directory holding PEM key files.
	KeyDir string

	// SigningKeyFile is the primary key used for signing new tokens.
	SigningKeyFile string

	// FallbackKeyFiles are additional keys exposed via JWKS so tokens
	// signed before a rotation keep verifying.
	FallbackKeyFiles []string
}

// FileProvider loads signing keys from PEM files in a directory.
// The signing key is used for signing new tokens.
// All keys (signing + fallback) are exposed via PublicKeys() for JWKS.
// Keys are loaded once at construction time; changes require restart.
type FileProvider struct {
	signingKey *SigningKeyData
	allKeys    []*SigningKeyData
}

// NewFileProvider creates a provider that loads keys from a directory.
// All keys are loaded immediately and validated.
func NewFileProvider(cfg Config) (*FileProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signingKeyPath := filepath.Join(cfg.KeyDir, cfg.SigningKeyFile)
	signingKey, err := loadKeyFromFile(signingKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	allKeys := []*SigningKeyData{signingKey}

	for _, filename := range cfg.FallbackKeyFiles {
		keyPath := filepath.Join(cfg.KeyDir, filename)
		key, err := loadKeyFromFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", filename, err)
		}
		allKeys = append(allKeys, key)
	}

	return &FileProvider{
		signingKey: signingKey,
		allKeys:    allKeys,
	}, nil
}

// loadKeyFromFile loads a single key from a PEM file.
func loadKeyFromFile(keyPath string) (*SigningKeyData, error) {
	signer, err := LoadSigningKey(keyPath)
	if err != nil {
		return nil, err
	}

	keyID, err := DeriveKeyID(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key ID: %w", err)
	}

	return &SigningKeyData{
		KeyID:     keyID,
		Algorithm: DefaultAlgorithm,
		Key:       signer,
		CreatedAt: time.Now(),
	}, nil
}

// SigningKey returns the primary signing key used for signing new tokens.
// Returns a copy to prevent external mutation of internal state.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	return &SigningKeyData{
		KeyID:     p.signingKey.KeyID,
		Algorithm: p.signingKey.Algorithm,
		Key:       p.signingKey.Key,
		CreatedAt: p.signingKey.CreatedAt,
	}, nil
}

// PublicKeys returns public keys for all loaded keys (signing + fallback).
// This enables verification of tokens signed with any of the loaded keys,
// supporting key rotation scenarios where old keys must remain valid.
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	pubKeys := make([]*PublicKeyData, 0, len(p.allKeys))
	for _, key := range p.allKeys {
		pubKeys = append(pubKeys, &PublicKeyData{
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			PublicKey: key.Key.Public(),
			CreatedAt: key.CreatedAt,
		})
	}
	return pubKeys, nil
}

// GeneratingProvider generates an ephemeral RSA key on first access.
// Suitable for development but NOT recommended for production.
// Generated keys are lost on restart, invalidating all issued tokens.
type GeneratingProvider struct {
	mu  sync.Mutex
	key *SigningKeyData
}

// NewGeneratingProvider creates a provider that generates an ephemeral key.
// The key is generated lazily on first SigningKey() call.
func NewGeneratingProvider() *GeneratingProvider {
	return &GeneratingProvider{}
}

// SigningKey returns the signing key, generating one if needed.
// Thread-safe: uses mutex to ensure only one key is generated.
// Returns a copy to prevent external mutation of internal state.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		key, err := generateKey()
		if err != nil {
			return nil, err
		}

		slog.Warn("generated ephemeral signing key - tokens will be invalid after restart",
			"algorithm", key.Algorithm,
			"key_id", key.KeyID,
		)

		p.key = key
	}

	return &SigningKeyData{
		KeyID:     p.key.KeyID,
		Algorithm: p.key.Algorithm,
		Key:       p.key.Key,
		CreatedAt: p.key.CreatedAt,
	}, nil
}

// PublicKeys returns the public key for JWKS.
// Generates the signing key if it hasn't been generated yet.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*PublicKeyData{{
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		PublicKey: key.Key.Public(),
		CreatedAt: key.CreatedAt,
	}}, nil
}

func generateKey() (*SigningKeyData, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	keyID, err := DeriveKeyID(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key ID: %w", err)
	}

	return &SigningKeyData{
		KeyID:     keyID,
		Algorithm: DefaultAlgorithm,
		Key:       privateKey,
		CreatedAt: time.Now(),
	}, nil
}

// Compile-time interface checks.
var (
	_ Provider = (*FileProvider)(nil)
	_ Provider = (*GeneratingProvider)(nil)
)
