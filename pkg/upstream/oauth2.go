// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/grovelabs/groveauth/pkg/logger"
)

// maxUserInfoSize caps how much of a userinfo response is read.
const maxUserInfoSize = 1 << 20

// Compile-time interface compliance check.
var _ Provider = (*OAuth2Provider)(nil)

// OAuth2Provider authenticates against an IdP that speaks plain OAuth 2.0
// with no discovery and no ID tokens. Identity is probed out of the
// userinfo JSON document with configurable paths.
type OAuth2Provider struct {
	name        string
	oauth       *oauth2.Config
	userInfoURL string
	client      *http.Client

	emailPath  string
	namePath   string
	avatarPath string
	idPath     string
}

// NewOAuth2Provider builds a provider from explicit endpoints.
func NewOAuth2Provider(cfg Config, opts ...ProviderOption) (*OAuth2Provider, error) {
	if cfg.Type != ProviderTypeOAuth2 {
		return nil, fmt.Errorf("config type must be %q, got %q", ProviderTypeOAuth2, cfg.Type)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}
	options := newProviderOptions(opts...)

	logger.Infow("configured oauth2 provider",
		"provider", cfg.Name,
		"auth_url", cfg.AuthURL,
		"token_url", cfg.TokenURL,
	)

	p := &OAuth2Provider{
		name: cfg.Name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userInfoURL: cfg.UserInfoURL,
		client:      options.httpClient,
		emailPath:   "email",
		namePath:    "name",
		avatarPath:  "picture",
		idPath:      "sub",
	}
	if cfg.EmailPath != "" {
		p.emailPath = cfg.EmailPath
	}
	if cfg.NamePath != "" {
		p.namePath = cfg.NamePath
	}
	if cfg.AvatarPath != "" {
		p.avatarPath = cfg.AvatarPath
	}
	if cfg.IDPath != "" {
		p.idPath = cfg.IDPath
	}
	return p, nil
}

// Name returns the provider key.
func (p *OAuth2Provider) Name() string {
	return p.name
}

// AuthorizationURL builds the upstream redirect. Without discovery metadata
// there is no way to know whether the IdP honors PKCE; the challenge is sent
// regardless and the IdP accepts or ignores it. The nonce has no meaning
// without ID tokens and is ignored.
func (p *OAuth2Provider) AuthorizationURL(state, verifier, _ string) (string, error) {
	if state == "" {
		return "", errors.New("state is required")
	}
	if verifier == "" {
		return "", errors.New("verifier is required")
	}
	return p.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// Exchange redeems the code and probes the userinfo document for the
// identity.
func (p *OAuth2Provider) Exchange(ctx context.Context, code, verifier, _ string) (*Identity, error) {
	if code == "" {
		return nil, errors.New("code is required")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging code with %q: %w", p.name, err)
	}

	body, err := p.fetchUserInfo(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	doc := gjson.ParseBytes(body)
	ident := &Identity{
		Email:      doc.Get(p.emailPath).String(),
		Name:       doc.Get(p.namePath).String(),
		AvatarURL:  doc.Get(p.avatarPath).String(),
		Provider:   p.name,
		ProviderID: doc.Get(p.idPath).String(),
	}
	if ident.Email == "" {
		return nil, ErrNoEmail
	}
	return ident, nil
}

// fetchUserInfo retrieves the userinfo document with the access token.
func (p *OAuth2Provider) fetchUserInfo(ctx context.Context, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching userinfo from %q: %w", p.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoSize))
	if err != nil {
		return nil, fmt.Errorf("reading userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo endpoint of %q returned %s", p.name, resp.Status)
	}
	return body, nil
}
