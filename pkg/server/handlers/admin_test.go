// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovelabs/groveauth/pkg/audit"
	"github.com/grovelabs/groveauth/pkg/storage"
)

// bearerFor mints a live access token for a user with the given admin flag
// and returns the user plus a ready Authorization header value.
func bearerFor(t *testing.T, env *testEnv, email string, isAdmin bool) (*storage.User, string) {
	t.Helper()
	ctx := context.Background()
	user, err := env.store.UpsertUserByEmail(ctx, &storage.User{
		Email:   email,
		Name:    "Test User",
		IsAdmin: isAdmin,
	})
	require.NoError(t, err)

	token, _, err := env.minter.MintAccessToken(ctx, user, portalClientID)
	require.NoError(t, err)
	return user, "Bearer " + token
}

func adminGet(t *testing.T, env *testEnv, path, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	return env.do(req)
}

func TestAdminAuthentication(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, adminAuth := bearerFor(t, env, "root@grove.example", true)
	_, plainAuth := bearerFor(t, env, "plain@grove.example", false)

	tests := []struct {
		name          string
		authorization string
		wantStatus    int
		wantCode      string
	}{
		{
			name:       "missing token",
			wantStatus: http.StatusUnauthorized,
			wantCode:   "invalid_token",
		},
		{
			name:          "garbage token",
			authorization: "Bearer not.a.jwt",
			wantStatus:    http.StatusUnauthorized,
			wantCode:      "invalid_token",
		},
		{
			name:          "valid token without the admin flag",
			authorization: plainAuth,
			wantStatus:    http.StatusForbidden,
			wantCode:      "access_denied",
		},
		{
			name:          "admin token",
			authorization: adminAuth,
			wantStatus:    http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := adminGet(t, env, "/admin/allowlist", tt.authorization)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errorCode(t, rr))
			}
		})
	}
}

func TestAdminAllowlist(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	admin, auth := bearerFor(t, env, "root@grove.example", true)

	listEmails := func() []string {
		rr := adminGet(t, env, "/admin/allowlist", auth)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var body struct {
			Emails []string `json:"emails"`
		}
		decodeResponse(t, rr, &body)
		return body.Emails
	}

	require.Contains(t, listEmails(), allowedEmail, "the seeded allowlist is visible")

	add := jsonRequest(t, http.MethodPost, "/admin/allowlist", map[string]string{"email": "New.Dev@Example.com"})
	add.Header.Set("Authorization", auth)
	rr := env.do(add)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, listEmails(), "new.dev@example.com", "stored form is normalized")

	t.Run("adding twice succeeds", func(t *testing.T) {
		add := jsonRequest(t, http.MethodPost, "/admin/allowlist", map[string]string{"email": "new.dev@example.com"})
		add.Header.Set("Authorization", auth)
		rr := env.do(add)
		require.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("add without an email", func(t *testing.T) {
		add := jsonRequest(t, http.MethodPost, "/admin/allowlist", map[string]string{})
		add.Header.Set("Authorization", auth)
		rr := env.do(add)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid_request", errorCode(t, rr))
	})

	del := httptest.NewRequest(http.MethodDelete, "/admin/allowlist?email=NEW.DEV%40example.com", nil)
	del.Header.Set("Authorization", auth)
	rr = env.do(del)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotContains(t, listEmails(), "new.dev@example.com")

	t.Run("remove without an email", func(t *testing.T) {
		del := httptest.NewRequest(http.MethodDelete, "/admin/allowlist", nil)
		del.Header.Set("Authorization", auth)
		rr := env.do(del)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid_request", errorCode(t, rr))
	})

	env.drainAudit(t)
	added, err := env.store.ListAuditEvents(context.Background(), storage.AuditFilter{Kind: audit.KindAllowlistAdded})
	require.NoError(t, err)
	require.NotEmpty(t, added)
	assert.Equal(t, admin.ID, added[0].UserID, "the acting admin is on the event")
	assert.Equal(t, "new.dev@example.com", added[0].Details[audit.DetailKeyEmail])

	removed, err := env.store.ListAuditEvents(context.Background(), storage.AuditFilter{Kind: audit.KindAllowlistRemoved})
	require.NoError(t, err)
	require.Len(t, removed, 1)
}

func TestAdminAudit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, auth := bearerFor(t, env, "root@grove.example", true)

	// Produce two events of different kinds and clients.
	rr := env.do(magicSendReq(t, allowedEmail))
	require.Equal(t, http.StatusOK, rr.Code)
	deviceInit(t, env)
	env.drainAudit(t)

	t.Run("unfiltered listing", func(t *testing.T) {
		rr := adminGet(t, env, "/admin/audit", auth)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var body struct {
			Events []auditEventPayload `json:"events"`
		}
		decodeResponse(t, rr, &body)
		require.GreaterOrEqual(t, len(body.Events), 2)
		assert.Contains(t, rr.Body.String(), `"createdAt"`, "payload keys are camelCase")

		kinds := map[string]bool{}
		for _, e := range body.Events {
			kinds[e.Kind] = true
			assert.NotEmpty(t, e.ID)
			assert.False(t, e.CreatedAt.IsZero())
		}
		assert.True(t, kinds[audit.KindMagicCodeSent])
		assert.True(t, kinds[audit.KindDeviceCodeCreated])
	})

	t.Run("kind filter", func(t *testing.T) {
		rr := adminGet(t, env, "/admin/audit?kind="+audit.KindMagicCodeSent, auth)
		require.Equal(t, http.StatusOK, rr.Code)

		var body struct {
			Events []auditEventPayload `json:"events"`
		}
		decodeResponse(t, rr, &body)
		require.Len(t, body.Events, 1)
		assert.Equal(t, audit.KindMagicCodeSent, body.Events[0].Kind)
	})

	t.Run("client filter", func(t *testing.T) {
		rr := adminGet(t, env, "/admin/audit?client_id="+cliClientID, auth)
		require.Equal(t, http.StatusOK, rr.Code)

		var body struct {
			Events []auditEventPayload `json:"events"`
		}
		decodeResponse(t, rr, &body)
		require.NotEmpty(t, body.Events)
		for _, e := range body.Events {
			assert.Equal(t, cliClientID, e.ClientID)
		}
	})

	t.Run("limit", func(t *testing.T) {
		rr := adminGet(t, env, "/admin/audit?limit=1", auth)
		require.Equal(t, http.StatusOK, rr.Code)

		var body struct {
			Events []auditEventPayload `json:"events"`
		}
		decodeResponse(t, rr, &body)
		assert.Len(t, body.Events, 1)
	})

	t.Run("malformed limit", func(t *testing.T) {
		for _, raw := range []string{"abc", "0", "-5"} {
			rr := adminGet(t, env, "/admin/audit?limit="+raw, auth)
			require.Equal(t, http.StatusBadRequest, rr.Code, "limit=%s", raw)
			assert.Equal(t, "invalid_request", errorCode(t, rr))
		}
	})
}
