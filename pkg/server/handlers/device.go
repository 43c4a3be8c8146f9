// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/grovelabs/groveauth/pkg/audit"
	"github.com/grovelabs/groveauth/pkg/deviceauth"
	"github.com/grovelabs/groveauth/pkg/logger"
	"github.com/grovelabs/groveauth/pkg/oautherr"
	"github.com/grovelabs/groveauth/pkg/storage"
)

type deviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// DeviceCodeInit handles POST /auth/device-code, the RFC 8628 device
// authorization request. The user code in the response carries the display
// hyphen; input is normalized, so both forms verify.
func (h *Handler) DeviceCodeInit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		oautherr.InvalidRequest("request body must be form encoded").Write(w)
		return
	}

	clientID := r.PostFormValue("client_id")
	if clientID == "" {
		oautherr.InvalidRequest("client_id is required").Write(w)
		return
	}
	client, err := h.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			oautherr.InvalidClient("unknown client").Write(w)
			return
		}
		logger.Errorf("loading client %s: %v", clientID, err)
		oautherr.ServerError().Write(w)
		return
	}

	scope := r.PostFormValue("scope")
	grant, err := h.devices.Mint(ctx, client.ID, scope)
	if err != nil {
		logger.Errorf("minting device grant: %v", err)
		oautherr.ServerError().Write(w)
		return
	}

	event := audit.NewEvent(audit.KindDeviceCodeCreated).
		WithClient(client.ID).
		WithRequest(r)
	if scope != "" {
		event = event.WithDetail(audit.DetailKeyScope, scope)
	}
	h.audit.Record(event)

	displayCode := deviceauth.FormatUserCode(grant.UserCode)
	verificationURI := h.issuer + "/auth/device"
	writeJSON(w, http.StatusOK, deviceCodeResponse{
		DeviceCode:              grant.DeviceCode,
		UserCode:                displayCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?user_code=" + url.QueryEscape(displayCode),
		ExpiresIn:               grant.ExpiresIn,
		Interval:                grant.Interval,
	})
}

type devicePageData struct {
	Error      string
	Success    bool
	EnterCode  bool
	UserCode   string
	ClientName string
	UserEmail  string
}

// DevicePage handles GET /auth/device, the user-facing approval page. It
// requires a live session; without one the user is bounced to the login
// page with the current URL preserved, and the login round trip brings it
// back through the state parameter.
func (h *Handler) DevicePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if q.Get("user_code") == "" && q.Get("state") != "" {
		if target, ok := h.deviceReturnTarget(q.Get("state")); ok {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
	}

	sess, ok := h.sessionFromRequest(r)
	if !ok {
		loginURL := h.issuer + "/auth/login?return_to=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, loginURL, http.StatusFound)
		return
	}
	user, err := h.store.GetUser(ctx, sess.UserID)
	if err != nil {
		logger.Errorf("loading user %s: %v", sess.UserID, err)
		oautherr.ServerError().Write(w)
		return
	}

	data := devicePageData{UserEmail: user.Email}

	if q.Get("success") != "" {
		data.Success = true
		h.renderPage(w, "device.html", data)
		return
	}
	if code := q.Get("error"); code != "" {
		data.Error = devicePageError(code)
		data.EnterCode = true
		h.renderPage(w, "device.html", data)
		return
	}

	userCode := q.Get("user_code")
	if userCode == "" {
		data.EnterCode = true
		h.renderPage(w, "device.html", data)
		return
	}

	row, err := h.devices.Lookup(ctx, userCode)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
			http.Redirect(w, r, "/auth/device?error=unknown_code", http.StatusFound)
		default:
			logger.Errorf("looking up user code: %v", err)
			oautherr.ServerError().Write(w)
		}
		return
	}
	if row.Status != storage.DeviceStatusPending {
		http.Redirect(w, r, "/auth/device?error=already_decided", http.StatusFound)
		return
	}

	data.UserCode = deviceauth.FormatUserCode(row.UserCode)
	data.ClientName = row.ClientID
	if client, err := h.store.GetClient(ctx, row.ClientID); err == nil && client.Name != "" {
		data.ClientName = client.Name
	}
	h.renderPage(w, "device.html", data)
}

func devicePageError(code string) string {
	switch code {
	case "unknown_code":
		return "That code was not recognized or has expired. Check the device and try again."
	case "already_decided":
		return "That code has already been used."
	default:
		return "Something went wrong. Enter the code from your device to try again."
	}
}

// deviceReturnTarget validates a post-login state value and rewrites it as a
// relative device-page URL. Anything that is not this server's device page
// is rejected.
func (h *Handler) deviceReturnTarget(state string) (string, bool) {
	u, err := url.Parse(state)
	if err != nil || u.Path != "/auth/device" || u.Query().Get("user_code") == "" {
		return "", false
	}
	if u.Host != "" {
		issuerURL, err := url.Parse(h.issuer)
		if err != nil || u.Host != issuerURL.Host {
			return "", false
		}
	}
	return "/auth/device?" + u.RawQuery, true
}

// DeviceDecision handles POST /auth/device/authorize. Approval re-checks
// the allowlist, so membership that lapsed after login still denies.
func (h *Handler) DeviceDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := h.sessionFromRequest(r)
	if !ok {
		oautherr.InvalidToken("an authenticated session is required").Write(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		oautherr.InvalidRequest("request body must be form encoded").Write(w)
		return
	}
	userCode := r.PostFormValue("user_code")
	action := r.PostFormValue("action")
	if userCode == "" {
		oautherr.InvalidRequest("user_code is required").Write(w)
		return
	}
	if action != "approve" && action != "deny" {
		oautherr.InvalidRequest("action must be approve or deny").Write(w)
		return
	}

	user, err := h.store.GetUser(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			oautherr.InvalidToken("session user no longer exists").Write(w)
			return
		}
		logger.Errorf("loading user %s: %v", sess.UserID, err)
		oautherr.ServerError().Write(w)
		return
	}

	row, err := h.devices.Lookup(ctx, userCode)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
			oautherr.InvalidRequest("unknown or expired code").Write(w)
		default:
			logger.Errorf("looking up user code: %v", err)
			oautherr.ServerError().Write(w)
		}
		return
	}

	approve := action == "approve"
	if err := h.devices.Decide(ctx, userCode, user, approve); err != nil {
		switch {
		case errors.Is(err, deviceauth.ErrNotAllowed):
			h.audit.Record(audit.NewEvent(audit.KindFailedLogin).
				WithUser(user.ID).
				WithClient(row.ClientID).
				WithRequest(r).
				WithDetail(audit.DetailKeyReason, "not_allowed"))
			oautherr.AccessDenied("this email address is not permitted to sign in").Write(w)
		case errors.Is(err, storage.ErrAlreadyDecided):
			oautherr.InvalidRequest("the code has already been decided").Write(w)
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrExpired):
			oautherr.InvalidRequest("unknown or expired code").Write(w)
		default:
			logger.Errorf("recording device decision: %v", err)
			oautherr.ServerError().Write(w)
		}
		return
	}

	kind := audit.KindDeviceCodeDenied
	if approve {
		kind = audit.KindDeviceCodeAuthorized
	}
	h.audit.Record(audit.NewEvent(kind).
		WithUser(user.ID).
		WithClient(row.ClientID).
		WithRequest(r).
		WithDetail(audit.DetailKeySessionID, sess.ID))

	http.Redirect(w, r, "/auth/device?success=1", http.StatusFound)
}
