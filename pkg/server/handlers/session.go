// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/grovelabs/groveauth/pkg/audit"
	"github.com/grovelabs/groveauth/pkg/logger"
	"github.com/grovelabs/groveauth/pkg/oautherr"
	"github.com/grovelabs/groveauth/pkg/sessions"
	"github.com/grovelabs/groveauth/pkg/storage"
)

// userPayload is the wire form of a user on the session surface.
type userPayload struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	IsAdmin   bool   `json:"isAdmin,omitempty"`
}

// sessionPayload is the wire form of a session.
type sessionPayload struct {
	ID           string    `json:"id"`
	DeviceName   string    `json:"deviceName,omitempty"`
	IP           string    `json:"ip,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	IsCurrent    bool      `json:"isCurrent"`
}

type validateResponse struct {
	Valid   bool            `json:"valid"`
	User    *userPayload    `json:"user,omitempty"`
	Session *sessionPayload `json:"session,omitempty"`
}

func userToPayload(u *storage.User) *userPayload {
	return &userPayload{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		AvatarURL: u.AvatarURL,
		IsAdmin:   u.IsAdmin,
	}
}

func sessionToPayload(s *sessions.Session) *sessionPayload {
	return &sessionPayload{
		ID:           s.ID,
		DeviceName:   s.DeviceName,
		IP:           s.IP,
		UserAgent:    s.UserAgent,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
		ExpiresAt:    s.ExpiresAt,
		IsCurrent:    s.Current,
	}
}

// SessionValidate handles POST /session/validate. A missing, malformed,
// tampered, expired, or revoked cookie all answer valid:false with 200; the
// body never explains which.
func (h *Handler) SessionValidate(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessionFromRequest(r)
	if !ok {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false})
		return
	}
	h.writeValidSession(w, r, sess)
}

// SessionValidateService handles POST /session/validate-service for
// backend callers that hold the cookie value rather than the cookie jar.
func (h *Handler) SessionValidateService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionToken string `json:"session_token"`
	}
	if oe := decodeJSON(r, &req); oe != nil {
		oe.Write(w)
		return
	}
	if req.SessionToken == "" {
		oautherr.InvalidRequest("session_token is required").Write(w)
		return
	}

	sessionID, userID, ok := h.minter.OpenSessionCookie(req.SessionToken)
	if !ok {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false})
		return
	}
	sess, ok := h.sessions.Validate(userID, sessionID)
	if !ok {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false})
		return
	}
	h.writeValidSession(w, r, sess)
}

func (h *Handler) writeValidSession(w http.ResponseWriter, r *http.Request, sess *sessions.Session) {
	user, err := h.store.GetUser(r.Context(), sess.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusOK, validateResponse{Valid: false})
			return
		}
		logger.Errorf("loading user %s: %v", sess.UserID, err)
		oautherr.ServerError().Write(w)
		return
	}
	payload := sessionToPayload(sess)
	payload.IsCurrent = true
	writeJSON(w, http.StatusOK, validateResponse{
		Valid:   true,
		User:    userToPayload(user),
		Session: payload,
	})
}

// SessionRevoke handles POST /session/revoke: logout of the current device.
func (h *Handler) SessionRevoke(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessionFromRequest(r)
	if !ok {
		oautherr.InvalidToken("a valid session cookie is required").Write(w)
		return
	}

	h.sessions.Revoke(sess.UserID, sess.ID)
	h.clearAuthCookies(w)
	h.audit.Record(audit.NewEvent(audit.KindLogout).
		WithUser(sess.UserID).
		WithRequest(r).
		WithDetail(audit.DetailKeySessionID, sess.ID))

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// SessionRevokeAll handles POST /session/revoke-all: logout everywhere,
// optionally sparing the calling device.
func (h *Handler) SessionRevokeAll(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessionFromRequest(r)
	if !ok {
		oautherr.InvalidToken("a valid session cookie is required").Write(w)
		return
	}

	var req struct {
		KeepCurrent bool `json:"keepCurrent"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if oe := decodeJSON(r, &req); oe != nil {
			oe.Write(w)
			return
		}
	}

	keep := ""
	if req.KeepCurrent {
		keep = sess.ID
	}
	count := h.sessions.RevokeAll(sess.UserID, keep)
	if !req.KeepCurrent {
		h.clearAuthCookies(w)
	}
	h.audit.Record(audit.NewEvent(audit.KindLogout).
		WithUser(sess.UserID).
		WithRequest(r).
		WithDetail(audit.DetailKeySessionID, sess.ID).
		WithDetail(audit.DetailKeyRevokedCount, count))

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"revokedCount": count,
	})
}

// SessionList handles GET /session/list. The caller's own session is
// flagged isCurrent.
func (h *Handler) SessionList(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessionFromRequest(r)
	if !ok {
		oautherr.InvalidToken("a valid session cookie is required").Write(w)
		return
	}

	list := h.sessions.List(sess.UserID, sess.ID)
	payloads := make([]*sessionPayload, 0, len(list))
	for _, s := range list {
		payloads = append(payloads, sessionToPayload(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": payloads})
}
