// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net/http"
)

// Content-Security-Policy values. CSPDefault applies to every response; the
// JSON surface needs nothing from the browser, and the server-rendered pages
// are plain HTML forms posting back to this origin.
//
// CSPPasskeyPage is for pages that call the browser credential APIs
// (navigator.credentials); those need same-origin script but nothing else.
const (
	CSPDefault = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'self'"

	CSPPasskeyPage = "default-src 'self'; script-src 'self'; object-src 'none'; " +
		"frame-ancestors 'none'; base-uri 'none'; form-action 'self'"
)

// hstsValue is one year with subdomains, matching the cookie scope which
// spans the registrable parent domain.
const hstsValue = "max-age=31536000; includeSubDomains"

// SecurityHeaders sets the baseline security headers on every response.
// HSTS is only meaningful over TLS, so it is set when the connection is
// TLS-terminated locally or a proxy reports https via X-Forwarded-Proto.
//
// Referrer-Policy is no-referrer: authorization codes and states travel in
// query strings here, and they must not leak through Referer headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", CSPDefault)

		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			h.Set("Strict-Transport-Security", hstsValue)
		}

		next.ServeHTTP(w, r)
	})
}

// MaxBodyBytes caps request bodies. Every body this server accepts is a
// small form or JSON document; anything larger is abuse.
func MaxBodyBytes(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
