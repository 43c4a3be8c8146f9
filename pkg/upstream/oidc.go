// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/grovelabs/groveauth/pkg/logger"
)

// defaultOIDCScopes is requested when the config does not name its own.
var defaultOIDCScopes = []string{oidc.ScopeOpenID, "profile", "email"}

// ErrNonceMissing means the ID token carried no nonce claim to check.
var ErrNonceMissing = errors.New("id token has no nonce")

// ErrNonceMismatch means the ID token's nonce does not match this attempt.
var ErrNonceMismatch = errors.New("id token nonce mismatch")

// Compile-time interface compliance check.
var _ Provider = (*OIDCProvider)(nil)

// OIDCProvider authenticates against an IdP discovered from its issuer URL.
// Identity comes from the verified ID token; the userinfo endpoint fills in
// claims the token omits.
type OIDCProvider struct {
	name     string
	oauth    *oauth2.Config
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	client   *http.Client
}

// NewOIDCProvider discovers the issuer's endpoints and builds a provider.
// Discovery happens once, here; a misconfigured issuer fails at startup
// rather than on the first login.
func NewOIDCProvider(ctx context.Context, cfg Config, opts ...ProviderOption) (*OIDCProvider, error) {
	if cfg.Type != ProviderTypeOIDC {
		return nil, fmt.Errorf("config type must be %q, got %q", ProviderTypeOIDC, cfg.Type)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}

	options := newProviderOptions(opts...)
	ctx = oidc.ClientContext(ctx, options.httpClient)

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering oidc endpoints for %q: %w", cfg.Issuer, err)
	}

	// openid is not negotiable: without it the token response has no ID
	// token and the nonce binding cannot be checked.
	scopes := slices.Clone(cfg.Scopes)
	if len(scopes) == 0 {
		scopes = slices.Clone(defaultOIDCScopes)
	} else if !slices.Contains(scopes, oidc.ScopeOpenID) {
		scopes = append(scopes, oidc.ScopeOpenID)
	}

	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	logger.Infow("configured oidc provider",
		"provider", cfg.Name,
		"issuer", cfg.Issuer,
		"scopes", scopes,
	)

	return &OIDCProvider{
		name: cfg.Name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		client:   options.httpClient,
	}, nil
}

// Name returns the provider key.
func (p *OIDCProvider) Name() string {
	return p.name
}

// AuthorizationURL builds the issuer redirect carrying our PKCE challenge
// and the attempt's nonce.
func (p *OIDCProvider) AuthorizationURL(state, verifier, nonce string) (string, error) {
	if state == "" {
		return "", errors.New("state is required")
	}
	if verifier == "" {
		return "", errors.New("verifier is required")
	}

	authOpts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if nonce != "" {
		authOpts = append(authOpts, oidc.Nonce(nonce))
	}
	return p.oauth.AuthCodeURL(state, authOpts...), nil
}

// Exchange redeems the code, verifies the ID token against the attempt's
// nonce, and resolves the identity from its claims.
func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier, nonce string) (*Identity, error) {
	if code == "" {
		return nil, errors.New("code is required")
	}
	ctx = oidc.ClientContext(ctx, p.client)

	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging code with %q: %w", p.name, err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%q returned no id token", p.name)
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verifying id token from %q: %w", p.name, err)
	}
	if nonce != "" {
		if idToken.Nonce == "" {
			return nil, ErrNonceMissing
		}
		if idToken.Nonce != nonce {
			return nil, ErrNonceMismatch
		}
	}

	var claims struct {
		Email             string `json:"email"`
		Name              string `json:"name"`
		Picture           string `json:"picture"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding id token claims: %w", err)
	}

	ident := &Identity{
		Email:      claims.Email,
		Name:       claims.Name,
		AvatarURL:  claims.Picture,
		Provider:   p.name,
		ProviderID: idToken.Subject,
	}
	if ident.Name == "" {
		ident.Name = claims.PreferredUsername
	}
	if ident.Email == "" {
		if err := p.fillFromUserInfo(ctx, tok, ident); err != nil {
			return nil, err
		}
	}
	if ident.Email == "" {
		return nil, ErrNoEmail
	}
	return ident, nil
}

// fillFromUserInfo consults the userinfo endpoint for claims the ID token
// omitted.
func (p *OIDCProvider) fillFromUserInfo(ctx context.Context, tok *oauth2.Token, ident *Identity) error {
	info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		return fmt.Errorf("fetching userinfo from %q: %w", p.name, err)
	}

	var claims struct {
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := info.Claims(&claims); err != nil {
		return fmt.Errorf("decoding userinfo claims: %w", err)
	}

	ident.Email = info.Email
	if ident.Name == "" {
		ident.Name = claims.Name
	}
	if ident.AvatarURL == "" {
		ident.AvatarURL = claims.Picture
	}
	return nil
}
