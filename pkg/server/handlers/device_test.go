// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovelabs/groveauth/pkg/audit"
	"github.com/grovelabs/groveauth/pkg/ratelimit"
	"github.com/grovelabs/groveauth/pkg/storage"
)

var userCodePattern = regexp.MustCompile(`^[BCDFGHJKLMNPQRSTVWXZ2-9]{4}-[BCDFGHJKLMNPQRSTVWXZ2-9]{4}$`)

// deviceInit starts a device grant for the CLI client and returns the
// decoded response.
func deviceInit(t *testing.T, env *testEnv) deviceCodeResponse {
	t.Helper()
	form := url.Values{}
	form.Set("client_id", cliClientID)
	rr := env.tokenForm(t, "/auth/device-code", form)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var grant deviceCodeResponse
	decodeResponse(t, rr, &grant)
	return grant
}

// decide posts a device decision using the given session cookie.
func decide(t *testing.T, env *testEnv, cookie *http.Cookie, userCode, action string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	form.Set("user_code", userCode)
	form.Set("action", action)
	req := httptest.NewRequest(http.MethodPost, "/auth/device/authorize", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return env.do(req)
}

func TestDeviceCodeInit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	grant := deviceInit(t, env)
	assert.NotEmpty(t, grant.DeviceCode)
	assert.Regexp(t, userCodePattern, grant.UserCode)
	assert.Equal(t, testIssuer+"/auth/device", grant.VerificationURI)
	assert.Equal(t, grant.VerificationURI+"?user_code="+url.QueryEscape(grant.UserCode), grant.VerificationURIComplete)
	assert.Positive(t, grant.ExpiresIn)
	assert.Positive(t, grant.Interval)

	env.drainAudit(t)
	events, err := env.store.ListAuditEvents(context.Background(), storage.AuditFilter{Kind: audit.KindDeviceCodeCreated})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, cliClientID, events[0].ClientID)
}

func TestDeviceCodeInitRejections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	t.Run("unknown client", func(t *testing.T) {
		form := url.Values{}
		form.Set("client_id", "ghost")
		rr := env.tokenForm(t, "/auth/device-code", form)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "invalid_client", errorCode(t, rr))
	})

	t.Run("missing client_id", func(t *testing.T) {
		rr := env.tokenForm(t, "/auth/device-code", url.Values{})
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid_request", errorCode(t, rr))
	})
}

func TestDeviceCodeInitRateLimit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	form := url.Values{}
	form.Set("client_id", cliClientID)
	limit := ratelimit.PolicyFor(ratelimit.ScopeDeviceInit).Limit
	for i := 0; i < limit; i++ {
		rr := env.tokenForm(t, "/auth/device-code", form)
		require.Equal(t, http.StatusOK, rr.Code, "request %d should clear the limiter", i+1)
	}

	rr := env.tokenForm(t, "/auth/device-code", form)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limit", errorCode(t, rr))
}

func TestDevicePage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	grant := deviceInit(t, env)
	_, cookie := env.loginSession(t, allowedEmail)

	t.Run("without a session redirects to login", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/auth/device?user_code="+grant.UserCode, nil))
		require.Equal(t, http.StatusFound, rr.Code)
		loc := rr.Header().Get("Location")
		assert.True(t, strings.HasPrefix(loc, testIssuer+"/auth/login?return_to="), loc)
		assert.Contains(t, loc, url.QueryEscape("user_code="+grant.UserCode))
	})

	t.Run("empty code shows the entry form", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/device", nil)
		req.AddCookie(cookie)
		rr := env.do(req)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, rr.Body.String(), `name="user_code"`)
		assert.Contains(t, rr.Body.String(), allowedEmail)
	})

	t.Run("valid code shows the approval view", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/device?user_code="+grant.UserCode, nil)
		req.AddCookie(cookie)
		rr := env.do(req)
		require.Equal(t, http.StatusOK, rr.Code)
		body := rr.Body.String()
		assert.Contains(t, body, "Grove CLI")
		assert.Contains(t, body, grant.UserCode)
		assert.Contains(t, body, "Approve")
		assert.Contains(t, body, "Deny")
	})

	t.Run("unknown code bounces to the entry form", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/device?user_code=ZZZZ-ZZZZ", nil)
		req.AddCookie(cookie)
		rr := env.do(req)
		require.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, "/auth/device?error=unknown_code", rr.Header().Get("Location"))
	})

	t.Run("error parameter renders a message", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/device?error=unknown_code", nil)
		req.AddCookie(cookie)
		rr := env.do(req)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "not recognized")
		assert.Contains(t, rr.Body.String(), `name="user_code"`, "the entry form stays available")
	})

	t.Run("success parameter renders the confirmation", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/device?success=1", nil)
		req.AddCookie(cookie)
		rr := env.do(req)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "Device authorized")
	})
}

func TestDevicePageLoginResume(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	t.Run("relative state resumes without a session", func(t *testing.T) {
		state := url.QueryEscape("/auth/device?user_code=BCDF-GHJK")
		rr := env.do(httptest.NewRequest(http.MethodGet, "/auth/device?state="+state, nil))
		require.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, "/auth/device?user_code=BCDF-GHJK", rr.Header().Get("Location"))
	})

	t.Run("absolute state on the issuer host resumes", func(t *testing.T) {
		state := url.QueryEscape(testIssuer + "/auth/device?user_code=BCDF-GHJK")
		rr := env.do(httptest.NewRequest(http.MethodGet, "/auth/device?state="+state, nil))
		require.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, "/auth/device?user_code=BCDF-GHJK", rr.Header().Get("Location"))
	})

	t.Run("foreign host state is not followed", func(t *testing.T) {
		state := url.QueryEscape("https://evil.example.com/auth/device?user_code=BCDF-GHJK")
		rr := env.do(httptest.NewRequest(http.MethodGet, "/auth/device?state="+state, nil))
		require.Equal(t, http.StatusFound, rr.Code)
		assert.True(t, strings.HasPrefix(rr.Header().Get("Location"), testIssuer+"/auth/login"),
			"a foreign target must fall through to the ordinary login bounce")
	})

	t.Run("state without a user code is not followed", func(t *testing.T) {
		state := url.QueryEscape("/somewhere/else")
		rr := env.do(httptest.NewRequest(http.MethodGet, "/auth/device?state="+state, nil))
		require.Equal(t, http.StatusFound, rr.Code)
		assert.True(t, strings.HasPrefix(rr.Header().Get("Location"), testIssuer+"/auth/login"))
	})
}

func TestDeviceDecision(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	user, cookie := env.loginSession(t, allowedEmail)
	grant := deviceInit(t, env)

	rr := decide(t, env, cookie, grant.UserCode, "approve")
	require.Equal(t, http.StatusFound, rr.Code, rr.Body.String())
	assert.Equal(t, "/auth/device?success=1", rr.Header().Get("Location"))

	t.Run("a decided code cannot be decided again", func(t *testing.T) {
		rr := decide(t, env, cookie, grant.UserCode, "deny")
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid_request", errorCode(t, rr))
	})

	env.drainAudit(t)
	events, err := env.store.ListAuditEvents(context.Background(), storage.AuditFilter{Kind: audit.KindDeviceCodeAuthorized})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, user.ID, events[0].UserID)
	assert.Equal(t, cliClientID, events[0].ClientID)
	assert.NotEmpty(t, events[0].Details[audit.DetailKeySessionID])
}

func TestDeviceDecisionNormalizesInput(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, cookie := env.loginSession(t, allowedEmail)
	grant := deviceInit(t, env)

	// Lowercase, hyphenated input decides the same grant.
	rr := decide(t, env, cookie, strings.ToLower(grant.UserCode), "approve")
	require.Equal(t, http.StatusFound, rr.Code, rr.Body.String())
}

func TestDeviceDecisionRejections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, cookie := env.loginSession(t, allowedEmail)
	grant := deviceInit(t, env)

	tests := []struct {
		name       string
		cookie     *http.Cookie
		userCode   string
		action     string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "no session",
			userCode:   grant.UserCode,
			action:     "approve",
			wantStatus: http.StatusUnauthorized,
			wantCode:   "invalid_token",
		},
		{
			name:       "missing user_code",
			cookie:     cookie,
			action:     "approve",
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "bad action",
			cookie:     cookie,
			userCode:   grant.UserCode,
			action:     "maybe",
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "unknown code",
			cookie:     cookie,
			userCode:   "ZZZZ-ZZZZ",
			action:     "approve",
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := decide(t, env, tt.cookie, tt.userCode, tt.action)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			assert.Equal(t, tt.wantCode, errorCode(t, rr))
		})
	}
}

func TestDeviceDecisionAllowlistLapse(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, cookie := env.loginSession(t, allowedEmail)
	grant := deviceInit(t, env)

	require.NoError(t, env.store.RemoveAllowedEmail(context.Background(), allowedEmail))

	rr := decide(t, env, cookie, grant.UserCode, "approve")
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "access_denied", errorCode(t, rr))

	env.drainAudit(t)
	events, err := env.store.ListAuditEvents(context.Background(), storage.AuditFilter{Kind: audit.KindFailedLogin})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "not_allowed", events[0].Details[audit.DetailKeyReason])
}
