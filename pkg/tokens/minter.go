// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens is the token minter. It issues the three credentials the
// server hands out: RS256-signed access tokens, opaque refresh tokens stored
// only as hashes, and encrypted session cookies. A legacy signed-but-
// unencrypted cookie form is accepted read-only and never minted.
package tokens

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/grovelabs/groveauth/pkg/crypto"
	"github.com/grovelabs/groveauth/pkg/keys"
	"github.com/grovelabs/groveauth/pkg/storage"
)

// refreshTokenBytes is the entropy of a refresh token before encoding.
const refreshTokenBytes = 32

// Key-derivation contexts separating the two uses of the session secret.
const (
	sealContext   = "groveauth-session-cookie"
	legacyContext = "groveauth-session-hmac"
)

// Config configures a Minter.
type Config struct {
	// Issuer is the iss claim of every minted access token.
	Issuer string

	// AccessTokenTTL is the access token lifetime.
	// Zero means storage.DefaultAccessTokenTTL.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime.
	// Zero means storage.DefaultRefreshTokenTTL.
	RefreshTokenTTL time.Duration

	// SessionSecret seals session cookies. Both the AES key and the legacy
	// HMAC key are derived from it, never used raw.
	SessionSecret []byte
}

// AccessClaims is the claim set of a minted access token.
type AccessClaims struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// Minter issues access tokens, refresh tokens, and session cookies.
type Minter struct {
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	provider   keys.Provider
	sealer     *crypto.Sealer
	legacyKey  []byte
}

// NewMinter creates a Minter signing with keys from the provider.
func NewMinter(cfg Config, provider keys.Provider) (*Minter, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if provider == nil {
		return nil, errors.New("key provider is required")
	}

	accessTTL := cfg.AccessTokenTTL
	if accessTTL == 0 {
		accessTTL = storage.DefaultAccessTokenTTL
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL == 0 {
		refreshTTL = storage.DefaultRefreshTokenTTL
	}

	sealer, err := crypto.NewSealer(cfg.SessionSecret, sealContext)
	if err != nil {
		return nil, fmt.Errorf("creating cookie sealer: %w", err)
	}

	legacyKey, err := crypto.DeriveKey(cfg.SessionSecret, legacyContext, 32)
	if err != nil {
		return nil, fmt.Errorf("deriving legacy cookie key: %w", err)
	}

	return &Minter{
		issuer:     cfg.Issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		provider:   provider,
		sealer:     sealer,
		legacyKey:  legacyKey,
	}, nil
}

// AccessTokenTTL returns the configured access token lifetime, which the
// token endpoint reports as expires_in.
func (m *Minter) AccessTokenTTL() time.Duration {
	return m.accessTTL
}

// MintAccessToken signs an access token for the user and client and returns
// the compact JWT along with its expiry.
func (m *Minter) MintAccessToken(ctx context.Context, user *storage.User, clientID string) (string, time.Time, error) {
	key, err := m.provider.SigningKey(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("getting signing key: %w", err)
	}

	now := time.Now()
	expiresAt := now.Add(m.accessTTL)

	claims := AccessClaims{
		Email:    user.Email,
		Name:     user.Name,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.KeyID

	signed, err := token.SignedString(key.Key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}

	return signed, expiresAt, nil
}

// VerifyAccessToken parses and validates an access token minted by this
// server, returning its claims.
func (m *Minter) VerifyAccessToken(ctx context.Context, tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}

	_, err := jwt.ParseWithClaims(tokenString, claims, m.keyfunc(ctx),
		jwt.WithValidMethods([]string{keys.DefaultAlgorithm}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("validating access token: %w", err)
	}

	return claims, nil
}

// keyfunc resolves the verification key by the token's kid header.
func (m *Minter) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("token header missing kid")
		}

		pubKeys, err := m.provider.PublicKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading public keys: %w", err)
		}

		for _, pk := range pubKeys {
			if pk.KeyID == kid {
				return pk.PublicKey, nil
			}
		}

		return nil, fmt.Errorf("key ID %s not found", kid)
	}
}

// MintRefreshToken generates a fresh refresh token, returning the cleartext
// to hand to the client and the hashed row to persist. The cleartext never
// touches storage.
func (m *Minter) MintRefreshToken(userID, clientID string) (string, *storage.RefreshToken, error) {
	raw, err := crypto.RandomToken(refreshTokenBytes)
	if err != nil {
		return "", nil, fmt.Errorf("generating refresh token: %w", err)
	}

	now := time.Now()
	row := &storage.RefreshToken{
		TokenHash: crypto.HashToken(raw),
		UserID:    userID,
		ClientID:  clientID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.refreshTTL),
	}

	return raw, row, nil
}

// SealSessionCookie encrypts "sessionID:userID" into the cookie wire form.
func (m *Minter) SealSessionCookie(sessionID, userID string) (string, error) {
	if sessionID == "" || userID == "" {
		return "", errors.New("session id and user id are required")
	}
	return m.sealer.Seal([]byte(sessionID + ":" + userID))
}

// OpenSessionCookie recovers (sessionID, userID) from a cookie value.
// Both the sealed form and the legacy three-part HMAC form are accepted.
// Any tampering, truncation, or garbage yields ok=false; it never panics
// and never returns an error for the caller to mishandle.
func (m *Minter) OpenSessionCookie(value string) (sessionID, userID string, ok bool) {
	if value == "" {
		return "", "", false
	}

	switch parts := strings.Split(value, ":"); len(parts) {
	case 2:
		return m.openSealedCookie(value)
	case 3:
		return m.openLegacyCookie(parts)
	default:
		return "", "", false
	}
}

func (m *Minter) openSealedCookie(value string) (string, string, bool) {
	plaintext, err := m.sealer.Open(value)
	if err != nil {
		return "", "", false
	}

	sessionID, userID, found := strings.Cut(string(plaintext), ":")
	if !found || sessionID == "" || userID == "" {
		return "", "", false
	}

	return sessionID, userID, true
}

// openLegacyCookie verifies the deprecated "sessionID:userID:signature"
// form, where the signature is base64url HMAC-SHA256 over the first two
// parts. New cookies are never minted in this form.
func (m *Minter) openLegacyCookie(parts []string) (string, string, bool) {
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", "", false
	}

	msg := parts[0] + ":" + parts[1]
	if !crypto.VerifyHMAC(m.legacyKey, msg, sig) {
		return "", "", false
	}
	if parts[0] == "" || parts[1] == "" {
		return "", "", false
	}

	return parts[0], parts[1], true
}
