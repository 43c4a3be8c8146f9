// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/grovelabs/groveauth/pkg/audit"
	"github.com/grovelabs/groveauth/pkg/authcode"
	"github.com/grovelabs/groveauth/pkg/deviceauth"
	"github.com/grovelabs/groveauth/pkg/keys"
	"github.com/grovelabs/groveauth/pkg/magic"
	"github.com/grovelabs/groveauth/pkg/oautherr"
	"github.com/grovelabs/groveauth/pkg/ratelimit"
	"github.com/grovelabs/groveauth/pkg/server/middleware"
	"github.com/grovelabs/groveauth/pkg/sessions"
	"github.com/grovelabs/groveauth/pkg/storage"
	"github.com/grovelabs/groveauth/pkg/tokens"
	"github.com/grovelabs/groveauth/pkg/upstream"
)

// Handler provides the HTTP handlers for every authorization-server endpoint.
type Handler struct {
	issuer         string
	store          storage.Storage
	sessions       *sessions.Store
	minter         *tokens.Minter
	keys           keys.Provider
	codes          *authcode.Engine
	devices        *deviceauth.Engine
	magic          *magic.Engine
	upstream       *upstream.Engine
	limiter        *ratelimit.Limiter
	audit          *audit.Logger
	adminValidator *middleware.TokenValidator
	loginClientID  string
	cookieDomain   string
	cookieSecure   bool
}

// Config carries the dependencies and settings for New.
type Config struct {
	// Issuer is the public base URL of this server, without a trailing
	// slash. It appears in minted tokens, discovery documents, and the
	// device verification URI.
	Issuer string

	// Store is the persistent backend.
	Store storage.Storage

	// Sessions is the in-memory session store.
	Sessions *sessions.Store

	// Minter signs access tokens and seals session cookies.
	Minter *tokens.Minter

	// Keys serves the public JWKS.
	Keys keys.Provider

	// Codes is the authorization-code engine.
	Codes *authcode.Engine

	// Devices is the device-authorization engine.
	Devices *deviceauth.Engine

	// Magic is the magic-code engine.
	Magic *magic.Engine

	// Upstream is the federated login engine.
	Upstream *upstream.Engine

	// Limiter enforces the rate scopes keyed on request-body subjects.
	Limiter *ratelimit.Limiter

	// Audit records security events.
	Audit *audit.Logger

	// AdminValidator authenticates bearer tokens on the admin surface.
	AdminValidator *middleware.TokenValidator

	// LoginClientID is the client the server's own login page acts as.
	// When empty the login page renders without provider links.
	LoginClientID string

	// CookieDomain scopes auth cookies, e.g. ".grove.example".
	// Empty means host-only cookies.
	CookieDomain string

	// CookieSecure marks auth cookies Secure.
	CookieSecure bool
}

// New validates the configuration and returns a Handler.
func New(cfg Config) (*Handler, error) {
	switch {
	case cfg.Issuer == "":
		return nil, errors.New("issuer is required")
	case cfg.Store == nil:
		return nil, errors.New("storage backend is required")
	case cfg.Sessions == nil:
		return nil, errors.New("session store is required")
	case cfg.Minter == nil:
		return nil, errors.New("token minter is required")
	case cfg.Keys == nil:
		return nil, errors.New("key provider is required")
	case cfg.Codes == nil:
		return nil, errors.New("authorization-code engine is required")
	case cfg.Devices == nil:
		return nil, errors.New("device-authorization engine is required")
	case cfg.Magic == nil:
		return nil, errors.New("magic-code engine is required")
	case cfg.Upstream == nil:
		return nil, errors.New("upstream engine is required")
	case cfg.Limiter == nil:
		return nil, errors.New("rate limiter is required")
	case cfg.Audit == nil:
		return nil, errors.New("audit logger is required")
	case cfg.AdminValidator == nil:
		return nil, errors.New("admin token validator is required")
	}

	return &Handler{
		issuer:         strings.TrimRight(cfg.Issuer, "/"),
		store:          cfg.Store,
		sessions:       cfg.Sessions,
		minter:         cfg.Minter,
		keys:           cfg.Keys,
		codes:          cfg.Codes,
		devices:        cfg.Devices,
		magic:          cfg.Magic,
		upstream:       cfg.Upstream,
		limiter:        cfg.Limiter,
		audit:          cfg.Audit,
		adminValidator: cfg.AdminValidator,
		loginClientID:  cfg.LoginClientID,
		cookieDomain:   cfg.CookieDomain,
		cookieSecure:   cfg.CookieSecure,
	}, nil
}

// Routes returns a router with every endpoint registered. Per-route rate
// scopes and admin authentication are applied here; process-wide middleware
// (security headers, CORS, metrics, recovery) is the server's concern.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		oautherr.NotFound().Write(w)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		e := oautherr.InvalidRequest("method not allowed")
		e.Status = http.StatusMethodNotAllowed
		e.Write(w)
	})
	h.OAuthRoutes(r)
	h.MagicRoutes(r)
	h.TokenRoutes(r)
	h.DeviceRoutes(r)
	h.SessionRoutes(r)
	h.AdminRoutes(r)
	h.WellKnownRoutes(r)
	r.Get("/health", h.Health)
	return r
}

// OAuthRoutes registers the federated login endpoints and the login page.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/auth/login", h.LoginPage)
	r.Get("/oauth/{provider}", h.OAuthBegin)
	r.Get("/oauth/{provider}/callback", h.OAuthCallback)
}

// MagicRoutes registers the magic-code endpoints with their IP rate scopes.
// The per-address send limit is enforced inside MagicSend once the body is
// parsed.
func (h *Handler) MagicRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.IPLimit(ratelimit.ScopeMagicIP))
		r.Post("/magic/send", h.MagicSend)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.IPLimit(ratelimit.ScopeVerify))
		r.Post("/magic/verify", h.MagicVerify)
	})
}

// TokenRoutes registers the token endpoints. Their rate scope keys on the
// IP and client pair, so it is enforced in the handler after form parsing
// rather than in middleware.
func (h *Handler) TokenRoutes(r chi.Router) {
	r.Post("/token", h.Token)
	r.Post("/token/refresh", h.TokenRefresh)
	r.Post("/token/revoke", h.TokenRevoke)
}

// DeviceRoutes registers the device-authorization endpoints.
func (h *Handler) DeviceRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.IPLimit(ratelimit.ScopeDeviceInit))
		r.Post("/auth/device-code", h.DeviceCodeInit)
	})
	r.Get("/auth/device", h.DevicePage)
	r.Post("/auth/device/authorize", h.DeviceDecision)
}

// SessionRoutes registers the session endpoints, one rate scope each.
func (h *Handler) SessionRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.IPLimit(ratelimit.ScopeSessionValidate))
		r.Post("/session/validate", h.SessionValidate)
		r.Post("/session/validate-service", h.SessionValidateService)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.IPLimit(ratelimit.ScopeSessionList))
		r.Get("/session/list", h.SessionList)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.IPLimit(ratelimit.ScopeSessionRevoke))
		r.Post("/session/revoke", h.SessionRevoke)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.IPLimit(ratelimit.ScopeSessionRevokeAll))
		r.Post("/session/revoke-all", h.SessionRevokeAll)
	})
}

// AdminRoutes registers the administrative endpoints behind bearer-token
// authentication and the admin rate scope.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.IPLimit(ratelimit.ScopeAdmin))
		r.Use(middleware.RequireAdmin(h.adminValidator, h.store))
		r.Get("/audit", h.AdminAudit)
		r.Get("/allowlist", h.AdminAllowlist)
		r.Post("/allowlist", h.AdminAllowlistAdd)
		r.Delete("/allowlist", h.AdminAllowlistRemove)
	})
}

// WellKnownRoutes registers the discovery documents.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.JWKS)
	r.Get("/.well-known/openid-configuration", h.OpenIDConfiguration)
}
