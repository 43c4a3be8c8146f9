// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/grovelabs/groveauth/pkg/audit"
	"github.com/grovelabs/groveauth/pkg/oautherr"
	"github.com/grovelabs/groveauth/pkg/ratelimit"
)

// IPLimit enforces the fixed-window policy of a scope keyed by client IP.
// Scopes whose subject involves the request body (magic_email, token) cannot
// be limited here and go through ratelimit.Limiter in their handlers.
func IPLimit(scope ratelimit.Scope) func(http.Handler) http.Handler {
	policy := ratelimit.PolicyFor(scope)
	return httprate.Limit(
		policy.Limit,
		policy.Window,
		httprate.WithKeyFuncs(clientIPKey),
		httprate.WithLimitHandler(rateLimited(scope, policy.Window)),
	)
}

// clientIPKey keys windows by the same client IP the audit trail records,
// so proxy headers are honored consistently across both.
func clientIPKey(r *http.Request) (string, error) {
	return audit.ClientIP(r), nil
}

// rateLimited writes the wire-level rate_limit body on rejection. httprate
// exposes the window reset as an epoch-seconds header; the full window
// length is the fallback hint when it is absent.
func rateLimited(scope ratelimit.Scope, window time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		retryAfter := window
		if reset := w.Header().Get("X-RateLimit-Reset"); reset != "" {
			if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
				if until := time.Until(time.Unix(epoch, 0)); until > 0 {
					retryAfter = until
				}
			}
		}

		rateLimitedTotal.WithLabelValues(string(scope)).Inc()
		oautherr.RateLimit(retryAfter).Write(w)
	}
}
