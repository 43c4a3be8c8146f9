// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovelabs/groveauth/pkg/ratelimit"
)

// hit sends one request through the limiter as the given caller IP.
func hit(t *testing.T, handler http.Handler, ip string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/device-code", nil)
	req.Header.Set("X-Forwarded-For", ip)
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIPLimitEnforcesScopePolicy(t *testing.T) {
	t.Parallel()

	policy := ratelimit.PolicyFor(ratelimit.ScopeDeviceInit)
	handler := IPLimit(ratelimit.ScopeDeviceInit)(okHandler())

	for i := 0; i < policy.Limit; i++ {
		rec := hit(t, handler, "203.0.113.7")
		require.Equal(t, http.StatusOK, rec.Code, "request %d should be admitted", i+1)
	}

	rec := hit(t, handler, "203.0.113.7")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit", body["error"])
	assert.GreaterOrEqual(t, body["retry_after"], float64(1))
}

func TestIPLimitIsolatesCallers(t *testing.T) {
	t.Parallel()

	policy := ratelimit.PolicyFor(ratelimit.ScopeDeviceInit)
	handler := IPLimit(ratelimit.ScopeDeviceInit)(okHandler())

	for i := 0; i < policy.Limit; i++ {
		require.Equal(t, http.StatusOK, hit(t, handler, "203.0.113.7").Code)
	}
	require.Equal(t, http.StatusTooManyRequests, hit(t, handler, "203.0.113.7").Code)

	// A different caller still has a fresh window.
	assert.Equal(t, http.StatusOK, hit(t, handler, "198.51.100.4").Code)
}

func TestIPLimitHonorsForwardedChain(t *testing.T) {
	t.Parallel()

	policy := ratelimit.PolicyFor(ratelimit.ScopeDeviceInit)
	handler := IPLimit(ratelimit.ScopeDeviceInit)(okHandler())

	// The first hop of the chain identifies the caller; the proxy list
	// after it must not dilute the window.
	for i := 0; i < policy.Limit; i++ {
		require.Equal(t, http.StatusOK, hit(t, handler, "203.0.113.7, 10.0.0.1").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, hit(t, handler, "203.0.113.7, 10.0.0.9").Code)
}
