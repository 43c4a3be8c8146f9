// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authcode mints and redeems single-use authorization codes.
//
// The engine sits between the two halves of the authorization-code grant:
// an authenticated front-channel ceremony mints a code bound to a client,
// user, redirect URI, and PKCE challenge, and the token endpoint redeems it
// exactly once. Redemption collapses every failure mode into ErrInvalidGrant
// so a caller probing the token endpoint cannot tell an unknown code from an
// expired one, a replayed one, or a failing verifier.
package authcode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grovelabs/groveauth/pkg/crypto"
	"github.com/grovelabs/groveauth/pkg/storage"
)

// codeBytes is the entropy of a freshly minted code. 32 bytes encodes to a
// 43-character base64url string.
const codeBytes = 32

// ErrInvalidGrant is returned for every redemption failure: unknown code,
// expired code, replayed code, wrong client, wrong redirect URI, missing
// challenge, or failing verifier. Handlers surface it as the OAuth
// invalid_grant error.
var ErrInvalidGrant = errors.New("authorization grant is invalid")

// Request carries the bindings for a new authorization code. The caller must
// have validated the client and redirect URI before minting.
type Request struct {
	// ClientID is the client the code is minted for.
	ClientID string

	// UserID is the authenticated user.
	UserID string

	// RedirectURI is stored byte-for-byte and must match exactly at
	// redemption.
	RedirectURI string

	// CodeChallenge and ChallengeMethod bind the client's PKCE challenge.
	// Both may be empty at mint time, but a code minted without a challenge
	// can never be redeemed.
	CodeChallenge   string
	ChallengeMethod string
}

// Redemption carries what the token endpoint presents when exchanging a code.
type Redemption struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// Engine mints and redeems authorization codes over a backing store.
type Engine struct {
	codes storage.AuthorizationCodeStore
	ttl   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithTTL overrides the default code lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.ttl = ttl
	}
}

// New returns an Engine minting codes with the default five-minute lifetime.
func New(codes storage.AuthorizationCodeStore, opts ...Option) *Engine {
	e := &Engine{
		codes: codes,
		ttl:   storage.DefaultAuthorizationCodeTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mint creates a single-use code bound to the request and returns it.
func (e *Engine) Mint(ctx context.Context, req Request) (string, error) {
	if req.ClientID == "" {
		return "", errors.New("client id is required")
	}
	if req.UserID == "" {
		return "", errors.New("user id is required")
	}
	if (req.CodeChallenge == "") != (req.ChallengeMethod == "") {
		return "", errors.New("code challenge and method must be set together")
	}
	if req.ChallengeMethod != "" && req.ChallengeMethod != crypto.PKCEChallengeMethodS256 {
		return "", fmt.Errorf("unsupported code challenge method %q", req.ChallengeMethod)
	}

	code, err := crypto.RandomToken(codeBytes)
	if err != nil {
		return "", fmt.Errorf("generating authorization code: %w", err)
	}
	now := time.Now()
	row := &storage.AuthorizationCode{
		Code:            code,
		ClientID:        req.ClientID,
		UserID:          req.UserID,
		RedirectURI:     req.RedirectURI,
		CodeChallenge:   req.CodeChallenge,
		ChallengeMethod: req.ChallengeMethod,
		CreatedAt:       now,
		ExpiresAt:       now.Add(e.ttl),
	}
	if err := e.codes.CreateAuthorizationCode(ctx, row); err != nil {
		return "", fmt.Errorf("storing authorization code: %w", err)
	}
	return code, nil
}

// Redeem atomically consumes the code and enforces its bindings: exact
// redirect match and a verifier satisfying the stored S256 challenge. The
// consume happens first, so a redemption that fails a later gate still burns
// the code. For two concurrent redemptions of one code, at most one succeeds.
func (e *Engine) Redeem(ctx context.Context, red Redemption) (*storage.AuthorizationCode, error) {
	row, err := e.codes.ConsumeAuthorizationCode(ctx, red.Code, red.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}
	if row.RedirectURI != red.RedirectURI {
		return nil, ErrInvalidGrant
	}
	if row.CodeChallenge == "" || row.ChallengeMethod == "" {
		return nil, ErrInvalidGrant
	}
	if row.ChallengeMethod != crypto.PKCEChallengeMethodS256 {
		return nil, ErrInvalidGrant
	}
	if !crypto.VerifyPKCEChallenge(red.CodeVerifier, row.CodeChallenge) {
		return nil, ErrInvalidGrant
	}
	return row, nil
}
