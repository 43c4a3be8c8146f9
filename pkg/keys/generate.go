// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const generateLockTimeout = 5 * time.Second

// GenerateAndSave creates a new RSA-2048 signing key and writes it to
// keyPath in PKCS8 PEM form with 0600 permissions. A sibling lock file
// serializes concurrent invocations so two processes cannot clobber each
// other's key. An existing key file is never overwritten.
func GenerateAndSave(ctx context.Context, keyPath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0750); err != nil {
		return "", fmt.Errorf("creating key directory: %w", err)
	}

	fileLock := flock.New(keyPath + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, generateLockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return "", fmt.Errorf("failed to acquire lock: timeout after %v", generateLockTimeout)
	}
	defer func() { _ = fileLock.Unlock() }()

	// Check for an existing key after acquiring the lock to avoid races.
	if _, err := os.Stat(keyPath); err == nil {
		return "", fmt.Errorf("key file %s already exists", keyPath)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("marshaling key: %w", err)
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyPath, pemBytes, 0600); err != nil {
		return "", fmt.Errorf("writing key file: %w", err)
	}

	keyID, err := DeriveKeyID(privateKey)
	if err != nil {
		return "", fmt.Errorf("deriving key id: %w", err)
	}

	return keyID, nil
}
