// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/grovelabs/groveauth/pkg/logger"
	"github.com/grovelabs/groveauth/pkg/oautherr"
	"github.com/grovelabs/groveauth/pkg/storage"
)

// jwksRegisterTimeout bounds the first fetch of the key set.
const jwksRegisterTimeout = 5 * time.Second

// ErrMissingValidatorConfig is returned when the validator is constructed
// without an issuer or JWKS URL.
var ErrMissingValidatorConfig = errors.New("issuer and JWKS URL are required")

// ValidatorConfig configures a TokenValidator.
type ValidatorConfig struct {
	// Issuer is the expected iss claim, the server's own issuer URI.
	Issuer string

	// JWKSURL is where the public keys are published. For this server that
	// is its own /.well-known/jwks.json.
	JWKSURL string

	// HTTPClient fetches the JWKS. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// TokenValidator verifies RS256 access tokens against a cached JWKS. The
// key set is fetched lazily on first use and refreshed by the cache, so the
// validator can be constructed before the server is listening.
type TokenValidator struct {
	issuer  string
	jwksURL string
	cache   *jwk.Cache

	registerMu  sync.Mutex
	registered  bool
	registerErr error
}

// NewTokenValidator creates a validator over a JWKS cache.
func NewTokenValidator(ctx context.Context, config ValidatorConfig) (*TokenValidator, error) {
	if config.Issuer == "" || config.JWKSURL == "" {
		return nil, ErrMissingValidatorConfig
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("creating JWKS cache: %w", err)
	}

	return &TokenValidator{
		issuer:  config.Issuer,
		jwksURL: config.JWKSURL,
		cache:   cache,
	}, nil
}

// ensureRegistered registers the JWKS URL with the cache once. The outcome
// is remembered so every request after the first is a pure cache lookup.
func (v *TokenValidator) ensureRegistered(ctx context.Context) error {
	v.registerMu.Lock()
	defer v.registerMu.Unlock()

	if v.registered {
		return v.registerErr
	}

	registerCtx, cancel := context.WithTimeout(ctx, jwksRegisterTimeout)
	defer cancel()

	if err := v.cache.Register(registerCtx, v.jwksURL); err != nil {
		v.registerErr = fmt.Errorf("registering JWKS URL: %w", err)
	}

	v.registered = true
	return v.registerErr
}

// keyFor resolves the verification key named by the token's kid header.
func (v *TokenValidator) keyFor(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token header missing kid")
	}

	keySet, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("looking up JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key id %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("exporting raw key: %w", err)
	}
	return rawKey, nil
}

// Validate parses and verifies a compact RS256 token, checking signature,
// issuer, and expiry. It returns the claim set on success.
func (v *TokenValidator) Validate(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(
		tokenString,
		func(token *jwt.Token) (any, error) { return v.keyFor(ctx, token) },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	return claims, nil
}

// adminUserContextKey keys the authenticated admin user in the request
// context. An empty struct type cannot collide with keys of other packages.
type adminUserContextKey struct{}

// WithAdminUser stores the authenticated admin user in the context.
func WithAdminUser(ctx context.Context, user *storage.User) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, adminUserContextKey{}, user)
}

// AdminUserFromContext retrieves the authenticated admin user, if any.
func AdminUserFromContext(ctx context.Context) (*storage.User, bool) {
	user, ok := ctx.Value(adminUserContextKey{}).(*storage.User)
	return user, ok
}

// RequireAdmin gates the administrative surface: a valid Bearer access
// token whose subject resolves to an admin-flagged user. The user is placed
// in the request context for the handler.
func RequireAdmin(validator *TokenValidator, users storage.UserStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				oautherr.InvalidToken("missing bearer token").Write(w)
				return
			}

			claims, err := validator.Validate(r.Context(), raw)
			if err != nil {
				logger.Debugf("admin token rejected: %v", err)
				oautherr.InvalidToken("token is invalid or expired").Write(w)
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				oautherr.InvalidToken("token has no subject").Write(w)
				return
			}

			user, err := users.GetUser(r.Context(), subject)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					oautherr.InvalidToken("token subject is unknown").Write(w)
					return
				}
				logger.Errorf("admin user lookup failed: %v", err)
				oautherr.ServerError().Write(w)
				return
			}

			if !user.IsAdmin {
				oautherr.AccessDenied("administrative access required").Write(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAdminUser(r.Context(), user)))
		})
	}
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}
