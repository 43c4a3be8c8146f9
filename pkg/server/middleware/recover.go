// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/grovelabs/groveauth/pkg/logger"
	"github.com/grovelabs/groveauth/pkg/oautherr"
)

// Recoverer converts handler panics into the wire-level server_error body.
// Nothing from the panic value reaches the client.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Errorf("panic handling %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				oautherr.ServerError().Write(w)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
