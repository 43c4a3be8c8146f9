// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/grovelabs/groveauth/pkg/crypto"
	"github.com/grovelabs/groveauth/pkg/email"
	"github.com/grovelabs/groveauth/pkg/keys"
	"github.com/grovelabs/groveauth/pkg/logger"
	"github.com/grovelabs/groveauth/pkg/upstream"
)

const (
	// DefaultListenAddr is the address the server binds when none is
	// configured.
	DefaultListenAddr = ":8080"

	// MinSessionSecretBytes is the minimum session secret length.
	// 32 bytes (256 bits) per OWASP/NIST guidance.
	MinSessionSecretBytes = 32
)

// RunConfig is the serializable server configuration. Values arrive through
// viper resolution (flags over env over config file over defaults, env prefix
// GROVEAUTH_); secret fields support file indirection, the file winning over
// the inline value.
type RunConfig struct {
	// Issuer is the public base URL of this server, e.g.
	// https://auth.grove.example. Required.
	Issuer string `mapstructure:"issuer"`

	// ListenAddr is the bind address, host:port. Defaults to ":8080".
	ListenAddr string `mapstructure:"listen_addr"`

	// Debug enables debug logging.
	Debug bool `mapstructure:"debug"`

	// SessionSecret seals session cookies. SessionSecretFile wins when both
	// are set; when neither is, an ephemeral secret is generated and every
	// session dies with the process.
	SessionSecret     string `mapstructure:"session_secret"`
	SessionSecretFile string `mapstructure:"session_secret_file"`

	// StorageURL selects the backend by scheme: memory://, sqlite:///path,
	// redis://host:port. Defaults to memory://.
	StorageURL string `mapstructure:"storage_url"`

	// KeyDir, SigningKeyFile, and FallbackKeyFiles configure the file-backed
	// key provider. An empty SigningKeyFile means an ephemeral dev key.
	KeyDir           string   `mapstructure:"key_dir"`
	SigningKeyFile   string   `mapstructure:"signing_key_file"`
	FallbackKeyFiles []string `mapstructure:"fallback_key_files"`

	// ClientsFile is the path to the clients.yaml registry. Required.
	ClientsFile string `mapstructure:"clients_file"`

	// LoginClientID names the registered client the hosted login page acts
	// as. Federated callbacks for this client mint a browser session and
	// cookies instead of a relying-party code redirect.
	LoginClientID string `mapstructure:"login_client_id"`

	// CookieDomain scopes auth cookies, e.g. ".grove.example".
	CookieDomain string `mapstructure:"cookie_domain"`

	// CookieSecure marks auth cookies Secure. Defaults to true; disable
	// only for plain-http local development.
	CookieSecure bool `mapstructure:"cookie_secure"`

	// PublicSignup disables the email allowlist so any upstream-verified
	// address may authenticate.
	PublicSignup bool `mapstructure:"public_signup"`

	// AccessTokenTTL and RefreshTokenTTL override the token lifetimes.
	// Zero means the storage defaults.
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`

	// JWKSURL overrides where the admin bearer validator fetches this
	// server's own JWKS. Empty derives it from the issuer; set it when the
	// process cannot reach its public URL.
	JWKSURL string `mapstructure:"jwks_url"`

	// Email configures outbound magic-code delivery.
	Email EmailRunConfig `mapstructure:"email"`

	// Providers lists the upstream identity providers.
	Providers []ProviderRunConfig `mapstructure:"providers"`
}

// EmailRunConfig configures the mail-provider sender. An empty endpoint
// selects the development log sender.
type EmailRunConfig struct {
	// Endpoint is the provider's JSON send API.
	Endpoint string `mapstructure:"endpoint"`

	// APIKey authenticates against the provider; APIKeyFile wins over the
	// inline value.
	APIKey     string `mapstructure:"api_key"`
	APIKeyFile string `mapstructure:"api_key_file"`

	// From is the sender address.
	From string `mapstructure:"from"`
}

// ProviderRunConfig describes one upstream identity provider. Type google
// and github select presets; oidc and oauth2 take the explicit fields.
type ProviderRunConfig struct {
	// Name keys the provider in routes. Presets default it to the type.
	Name string `mapstructure:"name"`

	// Type is google, github, oidc, or oauth2.
	Type string `mapstructure:"type"`

	// ClientID and ClientSecret identify this server at the upstream;
	// ClientSecretFile wins over the inline secret.
	ClientID         string `mapstructure:"client_id"`
	ClientSecret     string `mapstructure:"client_secret"`
	ClientSecretFile string `mapstructure:"client_secret_file"`

	// Issuer is the OIDC issuer URL (type oidc).
	Issuer string `mapstructure:"issuer"`

	// AuthURL, TokenURL, and UserInfoURL are the explicit endpoints
	// (type oauth2).
	AuthURL     string `mapstructure:"auth_url"`
	TokenURL    string `mapstructure:"token_url"`
	UserInfoURL string `mapstructure:"userinfo_url"`

	// Scopes override the per-type defaults.
	Scopes []string `mapstructure:"scopes"`

	// EmailPath, NamePath, AvatarPath, and IDPath are gjson paths into the
	// userinfo document (type oauth2).
	EmailPath  string `mapstructure:"email_path"`
	NamePath   string `mapstructure:"name_path"`
	AvatarPath string `mapstructure:"avatar_path"`
	IDPath     string `mapstructure:"id_path"`
}

// Validate checks the fields every deployment needs. Provider and storage
// specifics are validated where they are built.
func (c *RunConfig) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if u.Scheme != "https" && !(u.Scheme == "http" && isLoopbackHost(u.Hostname())) {
		return fmt.Errorf("issuer must be https (plain http is allowed for loopback only), got %q", c.Issuer)
	}
	if c.ClientsFile == "" {
		return fmt.Errorf("clients_file is required")
	}
	if c.Email.Endpoint != "" && c.Email.From == "" {
		return fmt.Errorf("email.from is required when email.endpoint is set")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// resolveSecret reads a secret from file or falls back to the inline value,
// trimming whitespace either way. Secret mounts tend to carry trailing
// newlines.
func resolveSecret(value, file string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(file) // #nosec G304 - path comes from operator configuration
		if err != nil {
			return "", fmt.Errorf("reading secret file %q: %w", file, err)
		}
		return string(bytes.TrimSpace(data)), nil
	}
	return strings.TrimSpace(value), nil
}

// sessionSecret resolves the cookie-sealing secret, generating an ephemeral
// one for development when none is configured.
func sessionSecret(cfg *RunConfig) ([]byte, error) {
	secret, err := resolveSecret(cfg.SessionSecret, cfg.SessionSecretFile)
	if err != nil {
		return nil, err
	}
	if secret == "" {
		logger.Warn("no session secret configured, generating an ephemeral one; sessions will not survive a restart")
		return crypto.RandomBytes(MinSessionSecretBytes)
	}
	if len(secret) < MinSessionSecretBytes {
		return nil, fmt.Errorf("session secret must be at least %d bytes, got %d", MinSessionSecretBytes, len(secret))
	}
	return []byte(secret), nil
}

// newKeyProvider selects the file-backed provider, or an ephemeral dev key
// when no signing key is configured.
func newKeyProvider(cfg *RunConfig) (keys.Provider, error) {
	if cfg.SigningKeyFile == "" {
		logger.Warn("no signing key configured, using an ephemeral development key; issued tokens will not survive a restart")
		return keys.NewGeneratingProvider(), nil
	}
	return keys.NewFileProvider(keys.Config{
		KeyDir:           cfg.KeyDir,
		SigningKeyFile:   cfg.SigningKeyFile,
		FallbackKeyFiles: cfg.FallbackKeyFiles,
	})
}

// newSender builds the outbound mail sender, falling back to the log sender
// so development deployments surface codes without a provider account.
func newSender(cfg EmailRunConfig) (email.Sender, error) {
	if cfg.Endpoint == "" {
		logger.Info("no email endpoint configured, login codes will be logged")
		return email.NewLogSender(), nil
	}
	apiKey, err := resolveSecret(cfg.APIKey, cfg.APIKeyFile)
	if err != nil {
		return nil, fmt.Errorf("resolving email API key: %w", err)
	}
	return email.NewHTTPSender(email.Config{
		Endpoint: cfg.Endpoint,
		APIKey:   apiKey,
		From:     cfg.From,
	})
}

// buildProviders constructs the upstream providers. OIDC discovery runs here,
// so a misconfigured issuer fails the process at startup.
func buildProviders(ctx context.Context, issuer string, cfgs []ProviderRunConfig) ([]upstream.Provider, error) {
	providers := make([]upstream.Provider, 0, len(cfgs))
	for i, pc := range cfgs {
		p, err := buildProvider(ctx, issuer, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %d (%s): %w", i, pc.Name, err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

func buildProvider(ctx context.Context, issuer string, pc ProviderRunConfig) (upstream.Provider, error) {
	secret, err := resolveSecret(pc.ClientSecret, pc.ClientSecretFile)
	if err != nil {
		return nil, err
	}

	name := pc.Name
	if name == "" {
		switch pc.Type {
		case "google", "github":
			name = pc.Type
		default:
			return nil, fmt.Errorf("name is required for %s providers", pc.Type)
		}
	}
	redirect := fmt.Sprintf("%s/oauth/%s/callback", strings.TrimRight(issuer, "/"), name)

	var cfg upstream.Config
	switch pc.Type {
	case "google":
		cfg = upstream.Google(pc.ClientID, secret, redirect)
	case "github":
		cfg = upstream.GitHub(pc.ClientID, secret, redirect)
	case string(upstream.ProviderTypeOIDC), string(upstream.ProviderTypeOAuth2):
		cfg = upstream.Config{
			Name:         name,
			Type:         upstream.ProviderType(pc.Type),
			ClientID:     pc.ClientID,
			ClientSecret: secret,
			RedirectURL:  redirect,
			Scopes:       pc.Scopes,
			Issuer:       pc.Issuer,
			AuthURL:      pc.AuthURL,
			TokenURL:     pc.TokenURL,
			UserInfoURL:  pc.UserInfoURL,
			EmailPath:    pc.EmailPath,
			NamePath:     pc.NamePath,
			AvatarPath:   pc.AvatarPath,
			IDPath:       pc.IDPath,
		}
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
	cfg.Name = name
	if len(pc.Scopes) > 0 {
		cfg.Scopes = pc.Scopes
	}

	return upstream.NewProvider(ctx, cfg)
}
