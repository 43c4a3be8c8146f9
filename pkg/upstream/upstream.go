// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// defaultHTTPTimeout bounds every discovery, token, and userinfo request.
const defaultHTTPTimeout = 10 * time.Second

// ErrNoEmail means the upstream authenticated the user but asserted no email
// address, so there is nothing to key the local account on.
var ErrNoEmail = errors.New("upstream identity has no email")

// ProviderType selects the protocol an upstream speaks.
type ProviderType string

const (
	// ProviderTypeOIDC discovers endpoints from the issuer URL and
	// verifies ID tokens.
	ProviderTypeOIDC ProviderType = "oidc"

	// ProviderTypeOAuth2 uses explicit endpoints and a userinfo document.
	ProviderTypeOAuth2 ProviderType = "oauth2"
)

// Identity is the normalized view of the user an upstream provider
// authenticated.
type Identity struct {
	// Email is the address the provider asserted.
	Email string

	// Name is the display name, if the provider exposes one.
	Name string

	// AvatarURL is the profile picture, if any.
	AvatarURL string

	// Provider is the name of the provider that authenticated the user.
	Provider string

	// ProviderID is the provider's stable subject identifier.
	ProviderID string
}

// Provider abstracts one upstream identity provider.
type Provider interface {
	// Name returns the key the provider is routed and recorded under.
	Name() string

	// AuthorizationURL builds the upstream redirect for one authorization
	// attempt. verifier is this server's PKCE verifier for the later
	// exchange; nonce binds the resulting ID token to the attempt and is
	// ignored by providers without OIDC support.
	AuthorizationURL(state, verifier, nonce string) (string, error)

	// Exchange redeems the callback code against the token endpoint and
	// resolves who authenticated. verifier and nonce must be the values
	// carried since the matching AuthorizationURL call.
	Exchange(ctx context.Context, code, verifier, nonce string) (*Identity, error)
}

// Config describes one upstream identity provider.
type Config struct {
	// Name keys the provider in routes and is recorded on user rows.
	Name string

	// Type selects OIDC discovery or explicit OAuth2 endpoints.
	Type ProviderType

	// ClientID identifies this server at the upstream.
	ClientID string

	// ClientSecret authenticates the token exchange. Optional for
	// upstreams that accept PKCE-only public clients.
	ClientSecret string

	// RedirectURL is this server's callback, for example
	// https://auth.example.com/oauth/google/callback.
	RedirectURL string

	// Scopes override the per-type defaults.
	Scopes []string

	// Issuer is the OIDC issuer URL (Type oidc).
	Issuer string

	// AuthURL, TokenURL, and UserInfoURL are the explicit endpoints
	// (Type oauth2).
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// EmailPath, NamePath, AvatarPath, and IDPath are gjson paths into
	// the userinfo document (Type oauth2). Unset paths fall back to the
	// standard OIDC claim names.
	EmailPath  string
	NamePath   string
	AvatarPath string
	IDPath     string
}

// Validate checks the config for the fields its type requires.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("provider name is required")
	}
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	if c.RedirectURL == "" {
		return errors.New("redirect url is required")
	}
	if err := validateEndpointURL(c.RedirectURL); err != nil {
		return fmt.Errorf("redirect url: %w", err)
	}

	switch c.Type {
	case ProviderTypeOIDC:
		if c.Issuer == "" {
			return errors.New("issuer is required for oidc providers")
		}
		if err := validateEndpointURL(c.Issuer); err != nil {
			return fmt.Errorf("issuer: %w", err)
		}
	case ProviderTypeOAuth2:
		endpoints := []struct {
			name  string
			value string
		}{
			{"auth url", c.AuthURL},
			{"token url", c.TokenURL},
			{"userinfo url", c.UserInfoURL},
		}
		for _, ep := range endpoints {
			if ep.value == "" {
				return fmt.Errorf("%s is required for oauth2 providers", ep.name)
			}
			if err := validateEndpointURL(ep.value); err != nil {
				return fmt.Errorf("%s: %w", ep.name, err)
			}
		}
	default:
		return fmt.Errorf("unknown provider type %q", c.Type)
	}
	return nil
}

// NewProvider builds the provider the config describes.
func NewProvider(ctx context.Context, cfg Config, opts ...ProviderOption) (Provider, error) {
	switch cfg.Type {
	case ProviderTypeOIDC:
		return NewOIDCProvider(ctx, cfg, opts...)
	case ProviderTypeOAuth2:
		return NewOAuth2Provider(cfg, opts...)
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// ProviderOption configures a provider constructor.
type ProviderOption func(*providerOptions)

type providerOptions struct {
	httpClient *http.Client
}

// WithHTTPClient sets the HTTP client used for discovery, token, and
// userinfo requests.
func WithHTTPClient(client *http.Client) ProviderOption {
	return func(o *providerOptions) {
		o.httpClient = client
	}
}

func newProviderOptions(opts ...ProviderOption) *providerOptions {
	o := &providerOptions{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// validateEndpointURL requires an absolute http(s) URL and refuses plain
// http for anything but loopback hosts.
func validateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("%q must use https", raw)
	default:
		return fmt.Errorf("%q must use http or https", raw)
	}
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
