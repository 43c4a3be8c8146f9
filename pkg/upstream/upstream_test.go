// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOIDCConfig() Config {
	return Config{
		Name:        "mock",
		Type:        ProviderTypeOIDC,
		ClientID:    "client",
		RedirectURL: "https://auth.example.com/oauth/mock/callback",
		Issuer:      "https://idp.example.com",
	}
}

func validOAuth2Config() Config {
	return Config{
		Name:        "hub",
		Type:        ProviderTypeOAuth2,
		ClientID:    "client",
		RedirectURL: "https://auth.example.com/oauth/hub/callback",
		AuthURL:     "https://idp.example.com/authorize",
		TokenURL:    "https://idp.example.com/token",
		UserInfoURL: "https://idp.example.com/user",
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"valid oidc", validOIDCConfig(), ""},
		{"valid oauth2", validOAuth2Config(), ""},
		{"missing name", func() Config { c := validOIDCConfig(); c.Name = ""; return c }(), "provider name is required"},
		{"missing client id", func() Config { c := validOIDCConfig(); c.ClientID = ""; return c }(), "client id is required"},
		{"missing redirect url", func() Config { c := validOIDCConfig(); c.RedirectURL = ""; return c }(), "redirect url is required"},
		{"relative redirect url", func() Config { c := validOIDCConfig(); c.RedirectURL = "/callback"; return c }(), "not an absolute URL"},
		{"missing issuer", func() Config { c := validOIDCConfig(); c.Issuer = ""; return c }(), "issuer is required"},
		{"plain http issuer", func() Config { c := validOIDCConfig(); c.Issuer = "http://idp.example.com"; return c }(), "must use https"},
		{"missing auth url", func() Config { c := validOAuth2Config(); c.AuthURL = ""; return c }(), "auth url is required"},
		{"missing token url", func() Config { c := validOAuth2Config(); c.TokenURL = ""; return c }(), "token url is required"},
		{"missing userinfo url", func() Config { c := validOAuth2Config(); c.UserInfoURL = ""; return c }(), "userinfo url is required"},
		{"unknown type", func() Config { c := validOIDCConfig(); c.Type = "saml"; return c }(), "unknown provider type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.config.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateEndpointURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		wantErr  string
	}{
		{"https", "https://idp.example.com/token", ""},
		{"http localhost", "http://localhost:8080/token", ""},
		{"http loopback v4", "http://127.0.0.1:8080/token", ""},
		{"http loopback v6", "http://[::1]:8080/token", ""},
		{"http remote", "http://idp.example.com/token", "must use https"},
		{"ftp", "ftp://idp.example.com/token", "must use http or https"},
		{"relative", "idp.example.com/token", "not an absolute URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateEndpointURL(tt.endpoint)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewProviderDispatchesOnType(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(context.Background(), GitHub("id", "secret", "https://auth.example.com/oauth/github/callback"))
	require.NoError(t, err)
	assert.IsType(t, &OAuth2Provider{}, p)
	assert.Equal(t, "github", p.Name())

	_, err = NewProvider(context.Background(), Config{Name: "x", Type: "saml"})
	assert.ErrorContains(t, err, "unknown provider type")
}

func TestGooglePreset(t *testing.T) {
	t.Parallel()

	cfg := Google("id", "secret", "https://auth.example.com/oauth/google/callback")
	assert.Equal(t, "google", cfg.Name)
	assert.Equal(t, ProviderTypeOIDC, cfg.Type)
	assert.Equal(t, "https://accounts.google.com", cfg.Issuer)
	require.NoError(t, cfg.Validate())
}

func TestGitHubPreset(t *testing.T) {
	t.Parallel()

	cfg := GitHub("id", "secret", "https://auth.example.com/oauth/github/callback")
	assert.Equal(t, "github", cfg.Name)
	assert.Equal(t, ProviderTypeOAuth2, cfg.Type)
	assert.Equal(t, "https://github.com/login/oauth/authorize", cfg.AuthURL)
	assert.Equal(t, "https://github.com/login/oauth/access_token", cfg.TokenURL)
	assert.Equal(t, "https://api.github.com/user", cfg.UserInfoURL)
	assert.Equal(t, "avatar_url", cfg.AvatarPath)
	assert.Equal(t, "id", cfg.IDPath)
	assert.Contains(t, cfg.Scopes, "user:email")
	require.NoError(t, cfg.Validate())
}
