// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the authorization server: it resolves RunConfig
// into live components, wires the HTTP surface, and owns process lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/grovelabs/groveauth/pkg/audit"
	"github.com/grovelabs/groveauth/pkg/authcode"
	"github.com/grovelabs/groveauth/pkg/deviceauth"
	"github.com/grovelabs/groveauth/pkg/logger"
	"github.com/grovelabs/groveauth/pkg/magic"
	"github.com/grovelabs/groveauth/pkg/ratelimit"
	"github.com/grovelabs/groveauth/pkg/server/handlers"
	"github.com/grovelabs/groveauth/pkg/server/middleware"
	"github.com/grovelabs/groveauth/pkg/sessions"
	"github.com/grovelabs/groveauth/pkg/storage"
	"github.com/grovelabs/groveauth/pkg/tokens"
	"github.com/grovelabs/groveauth/pkg/upstream"
)

const (
	readHeaderTimeout = 10 * time.Second
	requestTimeout    = 30 * time.Second
	shutdownGrace     = 10 * time.Second

	// maxRequestBody caps request bodies. The largest legitimate request is
	// a token form; 64 KiB leaves room without inviting abuse.
	maxRequestBody = 64 << 10
)

// Server is the assembled authorization server.
type Server struct {
	issuer   string
	addr     string
	store    storage.Storage
	sessions *sessions.Store
	auditor  *audit.Logger
	router   http.Handler
	sweep    time.Duration
}

// New resolves the RunConfig into live components and assembles the server.
// OIDC provider discovery and client-registry loading happen here, so a bad
// deployment fails at startup rather than on the first login.
func New(ctx context.Context, cfg *RunConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	issuer := strings.TrimRight(cfg.Issuer, "/")

	keyProvider, err := newKeyProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating key provider: %w", err)
	}

	secret, err := sessionSecret(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolving session secret: %w", err)
	}

	minter, err := tokens.NewMinter(tokens.Config{
		Issuer:          issuer,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		SessionSecret:   secret,
	}, keyProvider)
	if err != nil {
		return nil, fmt.Errorf("creating token minter: %w", err)
	}

	store, err := NewStorage(ctx, cfg.StorageURL)
	if err != nil {
		return nil, fmt.Errorf("creating storage: %w", err)
	}

	registry, err := LoadClientRegistry(cfg.ClientsFile)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := SyncClients(ctx, store, registry); err != nil {
		_ = store.Close()
		return nil, err
	}
	if cfg.LoginClientID != "" && !slices.ContainsFunc(registry, func(c *storage.Client) bool { return c.ID == cfg.LoginClientID }) {
		_ = store.Close()
		return nil, fmt.Errorf("login_client_id %q is not in the client registry", cfg.LoginClientID)
	}

	sender, err := newSender(cfg.Email)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("creating email sender: %w", err)
	}

	providers, err := buildProviders(ctx, issuer, cfg.Providers)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = issuer + "/.well-known/jwks.json"
	}
	validator, err := middleware.NewTokenValidator(ctx, middleware.ValidatorConfig{
		Issuer:  issuer,
		JWKSURL: jwksURL,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("creating admin token validator: %w", err)
	}

	sessionStore := sessions.NewStore()
	auditor := audit.New(store)

	// Public signup is applied here, once, as a store wrapper: every ceremony
	// that consults the allowlist through its store sees membership for all.
	gate := storage.Storage(store)
	if cfg.PublicSignup {
		gate = openSignup{store}
	}

	h, err := handlers.New(handlers.Config{
		Issuer:         issuer,
		Store:          store,
		Sessions:       sessionStore,
		Minter:         minter,
		Keys:           keyProvider,
		Codes:          authcode.New(store),
		Devices:        deviceauth.New(gate),
		Magic:          magic.New(gate, sender),
		Upstream:       upstream.New(gate, providers),
		Limiter:        ratelimit.New(store),
		Audit:          auditor,
		AdminValidator: validator,
		LoginClientID:  cfg.LoginClientID,
		CookieDomain:   cfg.CookieDomain,
		CookieSecure:   cfg.CookieSecure,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("creating handlers: %w", err)
	}

	addr := cfg.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}

	s := &Server{
		issuer:   issuer,
		addr:     addr,
		store:    store,
		sessions: sessionStore,
		auditor:  auditor,
		sweep:    janitorInterval,
	}
	s.router = s.buildRouter(h, registry)
	return s, nil
}

// openSignup wraps a store so every allowlist check passes.
type openSignup struct {
	storage.Storage
}

func (openSignup) IsEmailAllowed(context.Context, string) (bool, error) {
	return true, nil
}

// buildRouter wraps the endpoint routes in the process-wide middleware and
// adds the operational endpoints.
func (s *Server) buildRouter(h *handlers.Handler, registry []*storage.Client) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(middleware.NewOriginSet(registry)))
	r.Use(middleware.MaxBodyBytes(maxRequestBody))
	r.Use(chimw.Timeout(requestTimeout))

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Mount("/", h.Routes())
	return r
}

// Handler returns the fully assembled router. Tests serve it directly.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Close releases the server's stores. Run closes them itself on exit; Close
// is for callers that serve the Handler directly. Both are idempotent.
func (s *Server) Close() error {
	err := s.sessions.Close()
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully:
// in-flight requests get the grace period, the audit buffer drains, and the
// stores close. The audit logger is started here.
func (s *Server) Run(ctx context.Context) error {
	s.auditor.Start()

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("serving %s on %s", s.issuer, s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		s.janitor(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		logger.Info("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	})

	err := group.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.auditor.Shutdown(drainCtx)

	if cerr := s.sessions.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing session store: %w", cerr)
	}
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing storage: %w", cerr)
	}
	logger.Info("stopped")
	return err
}
