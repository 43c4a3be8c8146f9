// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/grovelabs/groveauth/pkg/audit"
	"github.com/grovelabs/groveauth/pkg/authcode"
	"github.com/grovelabs/groveauth/pkg/crypto"
	"github.com/grovelabs/groveauth/pkg/logger"
	"github.com/grovelabs/groveauth/pkg/oautherr"
	"github.com/grovelabs/groveauth/pkg/storage"
	"github.com/grovelabs/groveauth/pkg/upstream"
)

// OAuthBegin handles GET /oauth/{provider}. It validates the client and
// redirect against the registry, hands the attempt to the upstream engine,
// and redirects the user agent to the external identity provider.
func (h *Handler) OAuthBegin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")

	switch {
	case clientID == "":
		oautherr.InvalidRequest("client_id is required").Write(w)
		return
	case redirectURI == "":
		oautherr.InvalidRequest("redirect_uri is required").Write(w)
		return
	case state == "":
		oautherr.InvalidRequest("state is required").Write(w)
		return
	case (challenge == "") != (method == ""):
		oautherr.InvalidRequest("code_challenge and code_challenge_method must be provided together").Write(w)
		return
	case method != "" && method != crypto.PKCEChallengeMethodS256:
		oautherr.InvalidRequest("only the S256 code challenge method is supported").Write(w)
		return
	}

	client, err := h.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			oautherr.InvalidClientRequest("unknown client").Write(w)
			return
		}
		logger.Errorf("loading client %s: %v", clientID, err)
		oautherr.ServerError().Write(w)
		return
	}
	if !redirectRegistered(client, redirectURI) {
		oautherr.InvalidRequest("redirect_uri is not registered for this client").Write(w)
		return
	}

	redirect, err := h.upstream.Begin(ctx, upstream.BeginRequest{
		Provider:        chi.URLParam(r, "provider"),
		ClientID:        client.ID,
		RedirectURI:     redirectURI,
		ClientState:     state,
		CodeChallenge:   challenge,
		ChallengeMethod: method,
	})
	if err != nil {
		if errors.Is(err, upstream.ErrUnknownProvider) {
			oautherr.InvalidRequest("unknown identity provider").Write(w)
			return
		}
		logger.Errorf("starting %s login: %v", chi.URLParam(r, "provider"), err)
		oautherr.ServerError().Write(w)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// OAuthCallback handles GET /oauth/{provider}/callback. The internal state
// is consumed exactly once; after that point every outcome, including
// upstream errors, is reported to the client's redirect URI with the
// original client state attached.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	pending, err := h.upstream.Consume(ctx, q.Get("state"))
	if err != nil {
		if errors.Is(err, upstream.ErrInvalidState) {
			oautherr.InvalidState().Write(w)
			return
		}
		logger.Errorf("consuming oauth state: %v", err)
		oautherr.ServerError().Write(w)
		return
	}

	params := url.Values{}
	if pending.ClientState != "" {
		params.Set("state", pending.ClientState)
	}

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		h.auditFailedLogin(r, pending, upstreamErr)
		params.Set("error", upstreamErr)
		redirectTo(w, r, pending.RedirectURI, params)
		return
	}

	code := q.Get("code")
	if code == "" {
		h.auditFailedLogin(r, pending, "missing_code")
		params.Set("error", "invalid_request")
		redirectTo(w, r, pending.RedirectURI, params)
		return
	}

	user, err := h.upstream.Complete(ctx, pending, code)
	if err != nil {
		reason := "exchange_failed"
		oauthCode := "server_error"
		switch {
		case errors.Is(err, upstream.ErrNotAllowed):
			reason, oauthCode = "not_allowed", "access_denied"
		case errors.Is(err, upstream.ErrNoEmail):
			reason, oauthCode = "no_email", "access_denied"
		default:
			logger.Errorf("completing %s login: %v", pending.Provider, err)
		}
		h.auditFailedLogin(r, pending, reason)
		params.Set("error", oauthCode)
		redirectTo(w, r, pending.RedirectURI, params)
		return
	}

	client, err := h.store.GetClient(ctx, pending.ClientID)
	if err != nil {
		logger.Errorf("loading client %s: %v", pending.ClientID, err)
		params.Set("error", "server_error")
		redirectTo(w, r, pending.RedirectURI, params)
		return
	}

	h.audit.Record(audit.NewEvent(audit.KindLogin).
		WithUser(user.ID).
		WithClient(client.ID).
		WithRequest(r).
		WithDetail(audit.DetailKeyProvider, pending.Provider))

	if client.Internal {
		if !h.establishFirstPartySession(ctx, w, r, client, user) {
			params.Set("error", "server_error")
			redirectTo(w, r, pending.RedirectURI, params)
			return
		}
		redirectTo(w, r, pending.RedirectURI, params)
		return
	}

	authCode, err := h.codes.Mint(ctx, authcode.Request{
		ClientID:        pending.ClientID,
		UserID:          user.ID,
		RedirectURI:     pending.RedirectURI,
		CodeChallenge:   pending.CodeChallenge,
		ChallengeMethod: pending.ChallengeMethod,
	})
	if err != nil {
		logger.Errorf("minting authorization code: %v", err)
		params.Set("error", "server_error")
		redirectTo(w, r, pending.RedirectURI, params)
		return
	}
	params.Set("code", authCode)
	redirectTo(w, r, pending.RedirectURI, params)
}

func (h *Handler) auditFailedLogin(r *http.Request, pending *storage.PendingAuthorization, reason string) {
	h.audit.Record(audit.NewEvent(audit.KindFailedLogin).
		WithClient(pending.ClientID).
		WithRequest(r).
		WithDetail(audit.DetailKeyProvider, pending.Provider).
		WithDetail(audit.DetailKeyReason, reason))
}

// establishFirstPartySession creates a device session for an internal client
// and sets the session, access, and refresh cookies on the client's domain.
// It reports false when any step fails; the caller owns the error redirect.
func (h *Handler) establishFirstPartySession(
	ctx context.Context, w http.ResponseWriter, r *http.Request, client *storage.Client, user *storage.User,
) bool {
	sess := h.sessions.Create(user.ID, sessionMetadata(r), 0)

	cookieValue, err := h.minter.SealSessionCookie(sess.ID, user.ID)
	if err != nil {
		logger.Errorf("sealing session cookie: %v", err)
		return false
	}
	access, _, err := h.minter.MintAccessToken(ctx, user, client.ID)
	if err != nil {
		logger.Errorf("minting access token: %v", err)
		return false
	}
	rawRefresh, row, err := h.minter.MintRefreshToken(user.ID, client.ID)
	if err != nil {
		logger.Errorf("minting refresh token: %v", err)
		return false
	}
	if err := h.store.CreateRefreshToken(ctx, row); err != nil {
		logger.Errorf("storing refresh token: %v", err)
		return false
	}

	domain := client.Domain
	if domain == "" {
		domain = h.cookieDomain
	}
	h.setCookie(w, sessionCookieName, cookieValue, domain, int(time.Until(sess.ExpiresAt).Seconds()))
	h.setCookie(w, accessCookieName, access, domain, int(h.minter.AccessTokenTTL().Seconds()))
	h.setCookie(w, refreshCookieName, rawRefresh, domain, int(time.Until(row.ExpiresAt).Seconds()))
	return true
}

// LoginPage handles GET /auth/login. It renders a provider chooser acting as
// the server's own first-party client. The return_to query parameter rides
// in the OAuth state so the device approval page can resume after login.
func (h *Handler) LoginPage(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("return_to")
	if returnTo == "" {
		returnTo = "/auth/device"
	}

	var links []loginProviderLink
	if h.loginClientID != "" {
		for _, name := range h.upstream.Names() {
			q := url.Values{}
			q.Set("client_id", h.loginClientID)
			q.Set("redirect_uri", h.issuer+"/auth/device")
			q.Set("state", returnTo)
			links = append(links, loginProviderLink{
				Name: name,
				URL:  "/oauth/" + url.PathEscape(name) + "?" + q.Encode(),
			})
		}
	}
	h.renderPage(w, "login.html", loginPageData{Providers: links})
}

type loginProviderLink struct {
	Name string
	URL  string
}

type loginPageData struct {
	Providers []loginProviderLink
}
