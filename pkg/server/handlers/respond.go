// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/grovelabs/groveauth/pkg/audit"
	"github.com/grovelabs/groveauth/pkg/logger"
	"github.com/grovelabs/groveauth/pkg/oautherr"
	"github.com/grovelabs/groveauth/pkg/sessions"
	"github.com/grovelabs/groveauth/pkg/storage"
)

// writeJSON encodes v under the no-store cache policy shared by every
// credential-bearing response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("writing response body: %v", err)
	}
}

// decodeJSON parses a JSON request body into dst.
func decodeJSON(r *http.Request, dst any) *oautherr.Error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return oautherr.InvalidRequest("request body must be valid JSON")
	}
	return nil
}

// redirectTo sends a 302 to base with params merged into its query string.
// Query parameters the registered redirect URI already carries survive.
func redirectTo(w http.ResponseWriter, r *http.Request, base string, params url.Values) {
	target, err := url.Parse(base)
	if err != nil {
		oautherr.ServerError().Write(w)
		return
	}
	q := target.Query()
	for key := range params {
		q.Set(key, params.Get(key))
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// redirectRegistered reports whether uri exactly matches one of the client's
// registered redirect URIs. Matching is byte-for-byte.
func redirectRegistered(client *storage.Client, uri string) bool {
	return uri != "" && slices.Contains(client.RedirectURIs, uri)
}

// sessionMetadata captures the request attributes recorded on a new session.
func sessionMetadata(r *http.Request) sessions.Metadata {
	ua := r.UserAgent()
	return sessions.Metadata{
		Fingerprint: r.Header.Get("X-Device-Fingerprint"),
		DeviceName:  deviceName(ua),
		IP:          audit.ClientIP(r),
		UserAgent:   ua,
	}
}

// deviceName reduces a User-Agent string to a short display label. Browser
// agents are summarized by their platform segment, anything else is
// truncated as-is.
func deviceName(ua string) string {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return "unknown device"
	}
	if open := strings.IndexByte(ua, '('); open >= 0 {
		if length := strings.IndexByte(ua[open:], ')'); length > 1 {
			inner := ua[open+1 : open+length]
			if platform, _, _ := strings.Cut(inner, ";"); strings.TrimSpace(platform) != "" {
				return strings.TrimSpace(platform)
			}
		}
	}
	const maxLabel = 48
	if len(ua) > maxLabel {
		return ua[:maxLabel]
	}
	return ua
}
