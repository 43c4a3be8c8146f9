// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/grovelabs/groveauth/pkg/audit"
	"github.com/grovelabs/groveauth/pkg/logger"
	"github.com/grovelabs/groveauth/pkg/oautherr"
	"github.com/grovelabs/groveauth/pkg/server/middleware"
	"github.com/grovelabs/groveauth/pkg/storage"
)

// maxAuditPage caps one audit listing regardless of the requested limit.
const maxAuditPage = 500

type auditEventPayload struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	UserID    string         `json:"userId,omitempty"`
	ClientID  string         `json:"clientId,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AdminAudit handles GET /admin/audit. Events come back newest first,
// filtered by the kind, user_id, and client_id query parameters.
func (h *Handler) AdminAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			oautherr.InvalidRequest("limit must be a positive integer").Write(w)
			return
		}
		limit = min(parsed, maxAuditPage)
	}

	events, err := h.store.ListAuditEvents(r.Context(), storage.AuditFilter{
		Kind:     q.Get("kind"),
		UserID:   q.Get("user_id"),
		ClientID: q.Get("client_id"),
		Limit:    limit,
	})
	if err != nil {
		logger.Errorf("listing audit events: %v", err)
		oautherr.ServerError().Write(w)
		return
	}

	payloads := make([]*auditEventPayload, 0, len(events))
	for _, e := range events {
		payloads = append(payloads, &auditEventPayload{
			ID:        e.ID,
			Kind:      e.Kind,
			UserID:    e.UserID,
			ClientID:  e.ClientID,
			IP:        e.IP,
			UserAgent: e.UserAgent,
			Details:   e.Details,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": payloads})
}

// AdminAllowlist handles GET /admin/allowlist.
func (h *Handler) AdminAllowlist(w http.ResponseWriter, r *http.Request) {
	emails, err := h.store.ListAllowedEmails(r.Context())
	if err != nil {
		logger.Errorf("listing allowlist: %v", err)
		oautherr.ServerError().Write(w)
		return
	}
	if emails == nil {
		emails = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"emails": emails})
}

// AdminAllowlistAdd handles POST /admin/allowlist. Adding an email that is
// already present succeeds.
func (h *Handler) AdminAllowlistAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if oe := decodeJSON(r, &req); oe != nil {
		oe.Write(w)
		return
	}
	email := storage.NormalizeEmail(req.Email)
	if email == "" {
		oautherr.InvalidRequest("email is required").Write(w)
		return
	}

	if err := h.store.AddAllowedEmail(r.Context(), email); err != nil {
		logger.Errorf("adding %s to allowlist: %v", email, err)
		oautherr.ServerError().Write(w)
		return
	}
	h.auditAllowlistChange(r, audit.KindAllowlistAdded, email)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// AdminAllowlistRemove handles DELETE /admin/allowlist?email=...
// Removing an absent email succeeds.
func (h *Handler) AdminAllowlistRemove(w http.ResponseWriter, r *http.Request) {
	email := storage.NormalizeEmail(r.URL.Query().Get("email"))
	if email == "" {
		oautherr.InvalidRequest("email query parameter is required").Write(w)
		return
	}

	if err := h.store.RemoveAllowedEmail(r.Context(), email); err != nil {
		logger.Errorf("removing %s from allowlist: %v", email, err)
		oautherr.ServerError().Write(w)
		return
	}
	h.auditAllowlistChange(r, audit.KindAllowlistRemoved, email)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) auditAllowlistChange(r *http.Request, kind, email string) {
	event := audit.NewEvent(kind).
		WithRequest(r).
		WithDetail(audit.DetailKeyEmail, email)
	if admin, ok := middleware.AdminUserFromContext(r.Context()); ok {
		event = event.WithUser(admin.ID)
	}
	h.audit.Record(event)
}
