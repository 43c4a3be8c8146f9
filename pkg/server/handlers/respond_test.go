// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ua   string
		want string
	}{
		{
			name: "browser agent uses the platform segment",
			ua:   "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15",
			want: "Macintosh",
		},
		{
			name: "windows browser",
			ua:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
			want: "Windows NT 10.0",
		},
		{
			name: "cli agent passes through",
			ua:   "grove-cli/1.4.2",
			want: "grove-cli/1.4.2",
		},
		{
			name: "empty agent",
			ua:   "",
			want: "unknown device",
		},
		{
			name: "long opaque agent is truncated",
			ua:   strings.Repeat("x", 100),
			want: strings.Repeat("x", 48),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deviceName(tt.ua))
		})
	}
}

func TestSessionMetadata(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/auth/device", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101")
	req.Header.Set("X-Device-Fingerprint", "fp-123")

	meta := sessionMetadata(req)
	assert.Equal(t, "fp-123", meta.Fingerprint)
	assert.Equal(t, "X11", meta.DeviceName)
	assert.NotEmpty(t, meta.IP)
	assert.Contains(t, meta.UserAgent, "Linux")
}

func TestRedirectToMergesQuery(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	params := url.Values{}
	params.Set("code", "abc")
	params.Set("state", "xyz")
	redirectTo(rr, req, "https://app.grove.example/callback?tenant=acme", params)

	require.Equal(t, http.StatusFound, rr.Code)
	target, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "acme", target.Query().Get("tenant"), "registered query parameters survive")
	assert.Equal(t, "abc", target.Query().Get("code"))
	assert.Equal(t, "xyz", target.Query().Get("state"))
}
