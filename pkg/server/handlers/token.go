// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/grovelabs/groveauth/pkg/audit"
	"github.com/grovelabs/groveauth/pkg/authcode"
	"github.com/grovelabs/groveauth/pkg/crypto"
	"github.com/grovelabs/groveauth/pkg/deviceauth"
	"github.com/grovelabs/groveauth/pkg/logger"
	"github.com/grovelabs/groveauth/pkg/oautherr"
	"github.com/grovelabs/groveauth/pkg/ratelimit"
	"github.com/grovelabs/groveauth/pkg/storage"
)

// Grant types accepted at the token endpoint.
const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
	grantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// DefaultScope is attached to issued tokens when the grant carries no scope
// of its own.
const DefaultScope = "openid email profile"

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Token handles POST /token.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	h.token(w, r, "")
}

// TokenRefresh handles POST /token/refresh, a fixed-grant alias of /token.
func (h *Handler) TokenRefresh(w http.ResponseWriter, r *http.Request) {
	h.token(w, r, grantRefreshToken)
}

func (h *Handler) token(w http.ResponseWriter, r *http.Request, forcedGrant string) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		oautherr.InvalidRequest("request body must be form encoded").Write(w)
		return
	}

	clientID, _ := formClientCredentials(r)
	subject := ratelimit.TokenSubject(audit.ClientIP(r), clientID)
	if oe := h.checkLimit(ctx, ratelimit.ScopeToken, subject); oe != nil {
		oe.Write(w)
		return
	}

	grantType := forcedGrant
	if grantType == "" {
		grantType = r.PostFormValue("grant_type")
	}
	switch grantType {
	case grantAuthorizationCode:
		h.tokenAuthorizationCode(ctx, w, r)
	case grantRefreshToken:
		h.tokenRefreshGrant(ctx, w, r)
	case grantDeviceCode:
		h.tokenDeviceCode(ctx, w, r)
	case "":
		oautherr.InvalidRequest("grant_type is required").Write(w)
	default:
		oautherr.UnsupportedGrantType(grantType).Write(w)
	}
}

func (h *Handler) tokenAuthorizationCode(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	client, oe := h.authenticateClient(ctx, r)
	if oe != nil {
		oe.Write(w)
		return
	}

	code := r.PostFormValue("code")
	if code == "" {
		oautherr.InvalidRequest("code is required").Write(w)
		return
	}

	row, err := h.codes.Redeem(ctx, authcode.Redemption{
		Code:         code,
		ClientID:     client.ID,
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
	})
	if err != nil {
		if errors.Is(err, authcode.ErrInvalidGrant) {
			oautherr.InvalidGrant().Write(w)
			return
		}
		logger.Errorf("redeeming authorization code: %v", err)
		oautherr.ServerError().Write(w)
		return
	}

	user, oe := h.loadGrantUser(ctx, row.UserID)
	if oe != nil {
		oe.Write(w)
		return
	}

	access, _, err := h.minter.MintAccessToken(ctx, user, client.ID)
	if err != nil {
		logger.Errorf("minting access token: %v", err)
		oautherr.ServerError().Write(w)
		return
	}
	rawRefresh, refreshRow, err := h.minter.MintRefreshToken(user.ID, client.ID)
	if err != nil {
		logger.Errorf("minting refresh token: %v", err)
		oautherr.ServerError().Write(w)
		return
	}
	if err := h.store.CreateRefreshToken(ctx, refreshRow); err != nil {
		logger.Errorf("storing refresh token: %v", err)
		oautherr.ServerError().Write(w)
		return
	}

	h.auditGrant(r, audit.KindTokenExchange, user.ID, client.ID, grantAuthorizationCode)
	h.writeTokenResponse(w, access, rawRefresh, "")
}

func (h *Handler) tokenRefreshGrant(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	client, oe := h.authenticateClient(ctx, r)
	if oe != nil {
		oe.Write(w)
		return
	}

	raw := r.PostFormValue("refresh_token")
	if raw == "" {
		oautherr.InvalidRequest("refresh_token is required").Write(w)
		return
	}

	hash := crypto.HashToken(raw)
	current, err := h.store.GetRefreshToken(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			oautherr.InvalidGrant().Write(w)
			return
		}
		logger.Errorf("loading refresh token: %v", err)
		oautherr.ServerError().Write(w)
		return
	}
	if current.ClientID != client.ID {
		oautherr.InvalidGrant().Write(w)
		return
	}
	if current.Revoked {
		h.handleRefreshReplay(ctx, r, current)
		oautherr.InvalidGrant().Write(w)
		return
	}

	user, oe := h.loadGrantUser(ctx, current.UserID)
	if oe != nil {
		oe.Write(w)
		return
	}

	access, _, err := h.minter.MintAccessToken(ctx, user, client.ID)
	if err != nil {
		logger.Errorf("minting access token: %v", err)
		oautherr.ServerError().Write(w)
		return
	}
	rawNext, next, err := h.minter.MintRefreshToken(current.UserID, current.ClientID)
	if err != nil {
		logger.Errorf("minting refresh token: %v", err)
		oautherr.ServerError().Write(w)
		return
	}

	if _, err := h.store.RotateRefreshToken(ctx, hash, next); err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenRevoked):
			// A concurrent use of the same token won the rotation.
			h.handleRefreshReplay(ctx, r, current)
			oautherr.InvalidGrant().Write(w)
		case errors.Is(err, storage.ErrNotFound):
			oautherr.InvalidGrant().Write(w)
		default:
			logger.Errorf("rotating refresh token: %v", err)
			oautherr.ServerError().Write(w)
		}
		return
	}

	h.auditGrant(r, audit.KindTokenRefresh, user.ID, client.ID, grantRefreshToken)
	h.writeTokenResponse(w, access, rawNext, "")
}

func (h *Handler) tokenDeviceCode(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	client, oe := h.resolvePollingClient(ctx, r)
	if oe != nil {
		oe.Write(w)
		return
	}

	deviceCode := r.PostFormValue("device_code")
	if deviceCode == "" {
		oautherr.InvalidRequest("device_code is required").Write(w)
		return
	}

	row, err := h.devices.Poll(ctx, deviceCode, client.ID)
	if err != nil {
		switch {
		case errors.Is(err, deviceauth.ErrAuthorizationPending):
			oautherr.AuthorizationPending().Write(w)
		case errors.Is(err, deviceauth.ErrSlowDown):
			oautherr.SlowDown(storage.DefaultDevicePollInterval).Write(w)
		case errors.Is(err, deviceauth.ErrAccessDenied):
			oautherr.AccessDenied("the user denied the request").Write(w)
		case errors.Is(err, deviceauth.ErrExpiredToken):
			oautherr.ExpiredToken().Write(w)
		case errors.Is(err, deviceauth.ErrInvalidGrant):
			oautherr.InvalidGrant().Write(w)
		default:
			logger.Errorf("polling device grant: %v", err)
			oautherr.ServerError().Write(w)
		}
		return
	}

	user, oe := h.loadGrantUser(ctx, row.UserID)
	if oe != nil {
		oe.Write(w)
		return
	}

	access, _, err := h.minter.MintAccessToken(ctx, user, client.ID)
	if err != nil {
		logger.Errorf("minting access token: %v", err)
		oautherr.ServerError().Write(w)
		return
	}
	rawRefresh, refreshRow, err := h.minter.MintRefreshToken(user.ID, client.ID)
	if err != nil {
		logger.Errorf("minting refresh token: %v", err)
		oautherr.ServerError().Write(w)
		return
	}
	if err := h.store.CreateRefreshToken(ctx, refreshRow); err != nil {
		logger.Errorf("storing refresh token: %v", err)
		oautherr.ServerError().Write(w)
		return
	}

	h.auditGrant(r, audit.KindTokenExchange, user.ID, client.ID, grantDeviceCode)
	h.writeTokenResponse(w, access, rawRefresh, row.Scope)
}

// TokenRevoke handles POST /token/revoke. Revocation of an unknown token or
// one belonging to another client still answers success.
func (h *Handler) TokenRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		oautherr.InvalidRequest("request body must be form encoded").Write(w)
		return
	}

	clientID, _ := formClientCredentials(r)
	subject := ratelimit.TokenSubject(audit.ClientIP(r), clientID)
	if oe := h.checkLimit(ctx, ratelimit.ScopeToken, subject); oe != nil {
		oe.Write(w)
		return
	}

	client, oe := h.authenticateClient(ctx, r)
	if oe != nil {
		oe.Write(w)
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		oautherr.InvalidRequest("token is required").Write(w)
		return
	}

	row, err := h.store.GetRefreshToken(ctx, crypto.HashToken(token))
	switch {
	case err == nil && row.ClientID == client.ID:
		if err := h.store.RevokeRefreshToken(ctx, row.TokenHash); err != nil {
			logger.Errorf("revoking refresh token: %v", err)
			oautherr.ServerError().Write(w)
			return
		}
		h.audit.Record(audit.NewEvent(audit.KindTokenRevoke).
			WithUser(row.UserID).
			WithClient(client.ID).
			WithRequest(r).
			WithDetail(audit.DetailKeyTokenType, "refresh_token"))
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		logger.Errorf("loading refresh token: %v", err)
		oautherr.ServerError().Write(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// formClientCredentials reads client credentials from the form body, falling
// back to HTTP Basic.
func formClientCredentials(r *http.Request) (string, string) {
	clientID := r.PostFormValue("client_id")
	secret := r.PostFormValue("client_secret")
	if clientID == "" {
		if basicID, basicSecret, ok := r.BasicAuth(); ok {
			clientID, secret = basicID, basicSecret
		}
	}
	return clientID, secret
}

// authenticateClient resolves and authenticates the calling client. A
// missing id, unknown client, and wrong secret are indistinguishable.
func (h *Handler) authenticateClient(ctx context.Context, r *http.Request) (*storage.Client, *oautherr.Error) {
	clientID, secret := formClientCredentials(r)
	if clientID == "" {
		return nil, oautherr.InvalidClient("client authentication required")
	}
	client, err := h.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.InvalidClient("client authentication failed")
		}
		logger.Errorf("loading client %s: %v", clientID, err)
		return nil, oautherr.ServerError()
	}
	if err := crypto.VerifyClientSecret(client.SecretHash, secret); err != nil {
		return nil, oautherr.InvalidClient("client authentication failed")
	}
	return client, nil
}

// resolvePollingClient authenticates the device-grant caller. Clients with a
// registered secret must present it; public clients identify by id alone.
func (h *Handler) resolvePollingClient(ctx context.Context, r *http.Request) (*storage.Client, *oautherr.Error) {
	clientID, secret := formClientCredentials(r)
	if clientID == "" {
		return nil, oautherr.InvalidClient("client_id is required")
	}
	client, err := h.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.InvalidClient("client authentication failed")
		}
		logger.Errorf("loading client %s: %v", clientID, err)
		return nil, oautherr.ServerError()
	}
	if client.SecretHash != "" {
		if err := crypto.VerifyClientSecret(client.SecretHash, secret); err != nil {
			return nil, oautherr.InvalidClient("client authentication failed")
		}
	}
	return client, nil
}

// loadGrantUser fetches the user behind a grant. A vanished user surfaces as
// invalid_grant.
func (h *Handler) loadGrantUser(ctx context.Context, userID string) (*storage.User, *oautherr.Error) {
	user, err := h.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.InvalidGrant()
		}
		logger.Errorf("loading user %s: %v", userID, err)
		return nil, oautherr.ServerError()
	}
	return user, nil
}

// handleRefreshReplay revokes the whole refresh family after a revoked token
// was presented again. The caller still answers plain invalid_grant.
func (h *Handler) handleRefreshReplay(ctx context.Context, r *http.Request, row *storage.RefreshToken) {
	count, err := h.store.RevokeRefreshTokenFamily(ctx, row.UserID, row.ClientID)
	if err != nil {
		logger.Errorf("revoking refresh family for user %s: %v", row.UserID, err)
	}
	logger.Warnw("refresh token replay detected",
		"user_id", row.UserID,
		"client_id", row.ClientID,
		"revoked", count,
	)
	h.audit.Record(audit.NewEvent(audit.KindTokenRefresh).
		WithUser(row.UserID).
		WithClient(row.ClientID).
		WithRequest(r).
		WithDetail(audit.DetailKeyReplayDetected, true).
		WithDetail(audit.DetailKeyRevokedCount, count))
}

func (h *Handler) auditGrant(r *http.Request, kind, userID, clientID, grantType string) {
	h.audit.Record(audit.NewEvent(kind).
		WithUser(userID).
		WithClient(clientID).
		WithRequest(r).
		WithDetail(audit.DetailKeyGrantType, grantType))
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, access, refresh, scope string) {
	if scope == "" {
		scope = DefaultScope
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(h.minter.AccessTokenTTL().Seconds()),
		RefreshToken: refresh,
		Scope:        scope,
	})
}
