// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"golang.org/x/oauth2"

	"github.com/grovelabs/groveauth/pkg/crypto"
	"github.com/grovelabs/groveauth/pkg/storage"
)

const (
	// stateBytes sizes the internal state token.
	stateBytes = 32

	// nonceBytes sizes the per-attempt OIDC nonce.
	nonceBytes = 16
)

// ErrUnknownProvider means the request named a provider the engine does not
// serve.
var ErrUnknownProvider = errors.New("unknown identity provider")

// ErrInvalidState means the callback state is unknown, expired, or already
// consumed. The three are indistinguishable.
var ErrInvalidState = errors.New("authorization state is invalid")

// ErrNotAllowed means the upstream identity verified but its email is not
// on the allowlist.
var ErrNotAllowed = errors.New("email is not allowed to authenticate")

// Store is the storage surface the engine needs.
type Store interface {
	storage.PendingAuthorizationStore
	storage.AllowlistStore
	storage.UserStore
}

// Engine drives the federated login ceremony across its providers. Callers
// validate the requesting client and own redirects and auditing.
type Engine struct {
	store     Store
	providers map[string]Provider
	ttl       time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithTTL overrides the default ten-minute pending-request lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.ttl = ttl
	}
}

// New returns an Engine serving the given providers.
func New(store Store, providers []Provider, opts ...Option) *Engine {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	e := &Engine{
		store:     store,
		providers: byName,
		ttl:       storage.DefaultPendingAuthorizationTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Provider returns the named provider.
func (e *Engine) Provider(name string) (Provider, bool) {
	p, ok := e.providers[name]
	return p, ok
}

// Names returns the provider names in sorted order.
func (e *Engine) Names() []string {
	return slices.Sorted(maps.Keys(e.providers))
}

// BeginRequest carries a client's authorization request into the ceremony.
// The caller has already checked the client and redirect URI against the
// client registry.
type BeginRequest struct {
	// Provider names which upstream IdP handles the login.
	Provider string

	// ClientID is the requesting OAuth client.
	ClientID string

	// RedirectURI is the client's callback.
	RedirectURI string

	// ClientState is the client's own state, echoed back on the final
	// redirect.
	ClientState string

	// CodeChallenge and ChallengeMethod are the client's PKCE parameters,
	// carried through to the authorization code minted at the end of the
	// ceremony.
	CodeChallenge   string
	ChallengeMethod string
}

// Begin persists the request under a fresh internal state token and returns
// the upstream URL to redirect the user to.
func (e *Engine) Begin(ctx context.Context, req BeginRequest) (string, error) {
	prov, ok := e.providers[req.Provider]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}
	if req.ClientID == "" {
		return "", errors.New("client id is required")
	}
	if req.RedirectURI == "" {
		return "", errors.New("redirect uri is required")
	}
	if req.ClientState == "" {
		return "", errors.New("state is required")
	}
	if (req.CodeChallenge == "") != (req.ChallengeMethod == "") {
		return "", errors.New("code challenge and method must be set together")
	}
	if req.ChallengeMethod != "" && req.ChallengeMethod != crypto.PKCEChallengeMethodS256 {
		return "", fmt.Errorf("unsupported code challenge method %q", req.ChallengeMethod)
	}

	state, err := crypto.RandomToken(stateBytes)
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	nonce, err := crypto.RandomToken(nonceBytes)
	if err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	redirect, err := prov.AuthorizationURL(state, verifier, nonce)
	if err != nil {
		return "", fmt.Errorf("building authorization url: %w", err)
	}

	now := time.Now()
	pending := &storage.PendingAuthorization{
		InternalState:    state,
		ClientID:         req.ClientID,
		RedirectURI:      req.RedirectURI,
		ClientState:      req.ClientState,
		CodeChallenge:    req.CodeChallenge,
		ChallengeMethod:  req.ChallengeMethod,
		Provider:         req.Provider,
		UpstreamVerifier: verifier,
		UpstreamNonce:    nonce,
		CreatedAt:        now,
		ExpiresAt:        now.Add(e.ttl),
	}
	if err := e.store.CreatePendingAuthorization(ctx, pending); err != nil {
		return "", fmt.Errorf("storing pending authorization: %w", err)
	}
	return redirect, nil
}

// Consume retrieves and deletes the pending request for a callback state.
// It works for error callbacks too: the caller needs the client's redirect
// URI and state to report an upstream failure.
func (e *Engine) Consume(ctx context.Context, internalState string) (*storage.PendingAuthorization, error) {
	if internalState == "" {
		return nil, ErrInvalidState
	}
	pending, err := e.store.ConsumePendingAuthorization(ctx, internalState)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("consuming pending authorization: %w", err)
	}
	return pending, nil
}

// Complete exchanges the upstream code for the consumed request and
// materializes the local user. ErrNotAllowed reports an identity whose
// email is off the allowlist; ErrNoEmail one the upstream left anonymous.
func (e *Engine) Complete(ctx context.Context, pending *storage.PendingAuthorization, code string) (*storage.User, error) {
	if pending == nil {
		return nil, errors.New("pending authorization is required")
	}
	if code == "" {
		return nil, errors.New("code is required")
	}
	prov, ok := e.providers[pending.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, pending.Provider)
	}

	ident, err := prov.Exchange(ctx, code, pending.UpstreamVerifier, pending.UpstreamNonce)
	if err != nil {
		return nil, fmt.Errorf("resolving upstream identity: %w", err)
	}

	email := storage.NormalizeEmail(ident.Email)
	if email == "" {
		return nil, ErrNoEmail
	}
	allowed, err := e.store.IsEmailAllowed(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("checking allowlist: %w", err)
	}
	if !allowed {
		return nil, ErrNotAllowed
	}

	return e.materializeUser(ctx, email, ident)
}

// materializeUser upserts the account for a resolved identity. Profile
// fields come fresh from the provider on every login; the admin flag is
// local state and is carried forward, as are profile fields the provider
// left empty.
func (e *Engine) materializeUser(ctx context.Context, email string, ident *Identity) (*storage.User, error) {
	incoming := &storage.User{
		Email:     email,
		Name:      ident.Name,
		AvatarURL: ident.AvatarURL,
		Provider:  ident.Provider,
	}

	existing, err := e.store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		incoming.IsAdmin = existing.IsAdmin
		if incoming.Name == "" {
			incoming.Name = existing.Name
		}
		if incoming.AvatarURL == "" {
			incoming.AvatarURL = existing.AvatarURL
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	user, err := e.store.UpsertUserByEmail(ctx, incoming)
	if err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}
	return user, nil
}
