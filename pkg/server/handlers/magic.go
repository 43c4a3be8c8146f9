// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/grovelabs/groveauth/pkg/audit"
	"github.com/grovelabs/groveauth/pkg/authcode"
	"github.com/grovelabs/groveauth/pkg/crypto"
	"github.com/grovelabs/groveauth/pkg/logger"
	"github.com/grovelabs/groveauth/pkg/magic"
	"github.com/grovelabs/groveauth/pkg/oautherr"
	"github.com/grovelabs/groveauth/pkg/ratelimit"
	"github.com/grovelabs/groveauth/pkg/storage"
)

// magicSendBody is the single success response for /magic/send. Every
// outcome that is not a validation or rate-limit failure returns these exact
// bytes, so the response never reveals whether the address can sign in.
var magicSendBody = map[string]any{
	"success": true,
	"message": "If that address can sign in, a login code is on its way.",
}

type magicSendRequest struct {
	Email       string `json:"email"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
}

// MagicSend handles POST /magic/send. The per-IP scope is enforced by the
// route middleware; the per-address scope here, after the body is parsed.
func (h *Handler) MagicSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req magicSendRequest
	if oe := decodeJSON(r, &req); oe != nil {
		oe.Write(w)
		return
	}
	if oe := h.validateMagicClient(ctx, req.ClientID, req.RedirectURI); oe != nil {
		oe.Write(w)
		return
	}
	if req.Email == "" {
		oautherr.InvalidRequest("email is required").Write(w)
		return
	}

	email := storage.NormalizeEmail(req.Email)
	if oe := h.checkLimit(ctx, ratelimit.ScopeMagicEmail, email); oe != nil {
		oe.Write(w)
		return
	}

	result, err := h.magic.Send(ctx, email)
	if err != nil {
		oautherr.From(err).Write(w)
		return
	}
	if result.Issued {
		event := audit.NewEvent(audit.KindMagicCodeSent).
			WithClient(req.ClientID).
			WithRequest(r).
			WithDetail(audit.DetailKeyEmail, email)
		if result.DeliveryErr != nil {
			logger.Warnf("magic code delivery to %s failed: %v", email, result.DeliveryErr)
			event = event.WithDetail(audit.DetailKeyError, "delivery_failed")
		}
		h.audit.Record(event)
	}

	writeJSON(w, http.StatusOK, magicSendBody)
}

type magicVerifyRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	State       string `json:"state"`

	// CodeChallenge and CodeChallengeMethod bind a PKCE challenge to the
	// minted authorization code. Redemption at /token requires one, so
	// clients that want to exchange the code must supply the pair here.
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

type magicVerifyResponse struct {
	Success     bool   `json:"success"`
	RedirectURI string `json:"redirect_uri"`
}

// MagicVerify handles POST /magic/verify. A correct code authenticates the
// user and answers with the client redirect URI carrying a fresh
// authorization code and the client-supplied state.
func (h *Handler) MagicVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req magicVerifyRequest
	if oe := decodeJSON(r, &req); oe != nil {
		oe.Write(w)
		return
	}
	if oe := h.validateMagicClient(ctx, req.ClientID, req.RedirectURI); oe != nil {
		oe.Write(w)
		return
	}
	switch {
	case req.Email == "":
		oautherr.InvalidRequest("email is required").Write(w)
		return
	case req.Code == "":
		oautherr.InvalidRequest("code is required").Write(w)
		return
	case (req.CodeChallenge == "") != (req.CodeChallengeMethod == ""):
		oautherr.InvalidRequest("code_challenge and code_challenge_method must be provided together").Write(w)
		return
	case req.CodeChallengeMethod != "" && req.CodeChallengeMethod != crypto.PKCEChallengeMethodS256:
		oautherr.InvalidRequest("only the S256 code challenge method is supported").Write(w)
		return
	}

	email := storage.NormalizeEmail(req.Email)
	user, err := h.magic.Verify(ctx, email, req.Code)
	if err != nil {
		var locked *magic.LockedError
		switch {
		case errors.As(err, &locked):
			h.auditMagicFailure(r, req.ClientID, email, "account_locked")
			oautherr.AccountLocked(locked.Until).Write(w)
		case errors.Is(err, magic.ErrInvalidCode):
			h.auditMagicFailure(r, req.ClientID, email, "invalid_code")
			oautherr.InvalidCode().Write(w)
		case errors.Is(err, magic.ErrNotAllowed):
			h.auditMagicFailure(r, req.ClientID, email, "not_allowed")
			oautherr.AccessDenied("this email address is not permitted to sign in").Write(w)
		default:
			logger.Errorf("verifying magic code for %s: %v", email, err)
			oautherr.ServerError().Write(w)
		}
		return
	}

	authCode, err := h.codes.Mint(ctx, authcode.Request{
		ClientID:        req.ClientID,
		UserID:          user.ID,
		RedirectURI:     req.RedirectURI,
		CodeChallenge:   req.CodeChallenge,
		ChallengeMethod: req.CodeChallengeMethod,
	})
	if err != nil {
		logger.Errorf("minting authorization code: %v", err)
		oautherr.ServerError().Write(w)
		return
	}

	h.audit.Record(audit.NewEvent(audit.KindMagicCodeVerified).
		WithUser(user.ID).
		WithClient(req.ClientID).
		WithRequest(r).
		WithDetail(audit.DetailKeyEmail, email).
		WithDetail(audit.DetailKeyProvider, magic.ProviderName))

	target, err := url.Parse(req.RedirectURI)
	if err != nil {
		oautherr.ServerError().Write(w)
		return
	}
	q := target.Query()
	q.Set("code", authCode)
	if req.State != "" {
		q.Set("state", req.State)
	}
	target.RawQuery = q.Encode()

	writeJSON(w, http.StatusOK, magicVerifyResponse{Success: true, RedirectURI: target.String()})
}

// validateMagicClient checks the client and redirect shared by both magic
// endpoints.
func (h *Handler) validateMagicClient(ctx context.Context, clientID, redirectURI string) *oautherr.Error {
	if clientID == "" {
		return oautherr.InvalidRequest("client_id is required")
	}
	if redirectURI == "" {
		return oautherr.InvalidRequest("redirect_uri is required")
	}
	client, err := h.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return oautherr.InvalidClientRequest("unknown client")
		}
		logger.Errorf("loading client %s: %v", clientID, err)
		return oautherr.ServerError()
	}
	if !redirectRegistered(client, redirectURI) {
		return oautherr.InvalidRequest("redirect_uri is not registered for this client")
	}
	return nil
}

// checkLimit applies a body-derived rate scope. A counter store failure is
// logged and the request admitted.
func (h *Handler) checkLimit(ctx context.Context, scope ratelimit.Scope, subject string) *oautherr.Error {
	res, err := h.limiter.Check(ctx, scope, subject)
	if err != nil {
		logger.Warnf("rate counter for %s unavailable: %v", scope, err)
		return nil
	}
	if !res.Allowed {
		return oautherr.RateLimit(res.RetryAfter())
	}
	return nil
}

func (h *Handler) auditMagicFailure(r *http.Request, clientID, email, reason string) {
	h.audit.Record(audit.NewEvent(audit.KindFailedLogin).
		WithClient(clientID).
		WithRequest(r).
		WithDetail(audit.DetailKeyEmail, email).
		WithDetail(audit.DetailKeyProvider, magic.ProviderName).
		WithDetail(audit.DetailKeyReason, reason))
}
