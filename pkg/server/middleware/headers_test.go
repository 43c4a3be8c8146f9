// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeadersAlwaysSet(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	SecurityHeaders(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, CSPDefault, rec.Header().Get("Content-Security-Policy"))
}

func TestSecurityHeadersHSTS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(r *http.Request)
		wantHSTS bool
	}{
		{
			name:     "plain http",
			mutate:   func(*http.Request) {},
			wantHSTS: false,
		},
		{
			name:     "tls terminated locally",
			mutate:   func(r *http.Request) { r.TLS = &tls.ConnectionState{} },
			wantHSTS: true,
		},
		{
			name:     "tls terminated by proxy",
			mutate:   func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "https") },
			wantHSTS: true,
		},
		{
			name:     "proxy reports http",
			mutate:   func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "http") },
			wantHSTS: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			tt.mutate(req)

			SecurityHeaders(okHandler()).ServeHTTP(rec, req)

			got := rec.Header().Get("Strict-Transport-Security")
			if tt.wantHSTS {
				assert.Contains(t, got, "max-age=")
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestMaxBodyBytes(t *testing.T) {
	t.Parallel()

	handler := MaxBodyBytes(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("small body passes", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/magic/send", strings.NewReader("tiny"))
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("oversized body is cut off", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/magic/send", strings.NewReader(strings.Repeat("x", 64)))
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}
