// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/grovelabs/groveauth/pkg/sessions"
)

// Cookie names set for first-party clients. The session cookie carries the
// sealed session reference; the access and refresh cookies let internal
// services on the parent domain call APIs without their own token exchange.
const (
	sessionCookieName = "grove_session"
	accessCookieName  = "grove_access"
	refreshCookieName = "grove_refresh"
)

func (h *Handler) setCookie(w http.ResponseWriter, name, value, domain string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{sessionCookieName, accessCookieName, refreshCookieName} {
		h.setCookie(w, name, "", h.cookieDomain, -1)
	}
}

// sessionFromRequest opens the session cookie and validates the referenced
// session. The validation refreshes the session's last-active time.
func (h *Handler) sessionFromRequest(r *http.Request) (*sessions.Session, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	sessionID, userID, ok := h.minter.OpenSessionCookie(cookie.Value)
	if !ok {
		return nil, false
	}
	return h.sessions.Validate(userID, sessionID)
}
