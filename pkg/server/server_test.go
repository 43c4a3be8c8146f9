// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovelabs/groveauth/pkg/storage"
)

func testRunConfig(t *testing.T) *RunConfig {
	t.Helper()
	path := writeRegistry(t, `
clients:
  - id: login
    public: true
    redirect_uris:
      - http://localhost:8080/account
  - id: dashboard
    secret: dashboard-secret
    redirect_uris:
      - https://app.grove.example/callback
    origins:
      - https://app.grove.example
`)
	return &RunConfig{
		Issuer:        "http://localhost:8080",
		ClientsFile:   path,
		LoginClientID: "login",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(context.Background(), testRunConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewServesOperationalEndpoints(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	assert.Equal(t, DefaultListenAddr, s.Addr())

	t.Run("health", func(t *testing.T) {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

		var body struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "ok", body.Status)
	})

	t.Run("discovery reflects the issuer", func(t *testing.T) {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var body struct {
			Issuer string `json:"issuer"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "http://localhost:8080", body.Issuer)
	})

	t.Run("metrics", func(t *testing.T) {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.NotEmpty(t, rr.Body.String())
	})

	t.Run("unknown routes get the json taxonomy", func(t *testing.T) {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/definitely-not-a-route", nil))
		require.Equal(t, http.StatusNotFound, rr.Code)

		var body struct {
			Error string `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "not_found", body.Error)
	})
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("nil config", func(t *testing.T) {
		t.Parallel()
		_, err := New(ctx, nil)
		assert.ErrorContains(t, err, "config is required")
	})

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()
		_, err := New(ctx, &RunConfig{})
		assert.ErrorContains(t, err, "issuer is required")
	})

	t.Run("missing clients file", func(t *testing.T) {
		t.Parallel()
		cfg := testRunConfig(t)
		cfg.ClientsFile = "/nonexistent/clients.yaml"
		_, err := New(ctx, cfg)
		assert.ErrorContains(t, err, "reading client registry")
	})

	t.Run("login client not registered", func(t *testing.T) {
		t.Parallel()
		cfg := testRunConfig(t)
		cfg.LoginClientID = "ghost"
		_, err := New(ctx, cfg)
		assert.ErrorContains(t, err, `login_client_id "ghost" is not in the client registry`)
	})

	t.Run("bad provider config", func(t *testing.T) {
		t.Parallel()
		cfg := testRunConfig(t)
		cfg.Providers = []ProviderRunConfig{{Name: "corp", Type: "saml"}}
		_, err := New(ctx, cfg)
		assert.ErrorContains(t, err, "unknown provider type")
	})

	t.Run("short session secret", func(t *testing.T) {
		t.Parallel()
		cfg := testRunConfig(t)
		cfg.SessionSecret = "short"
		_, err := New(ctx, cfg)
		assert.ErrorContains(t, err, "at least 32 bytes")
	})
}

func TestOpenSignupAllowsAnyEmail(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	allowed, err := store.IsEmailAllowed(ctx, "outsider@example.com")
	require.NoError(t, err)
	require.False(t, allowed, "an empty allowlist admits nobody")

	open := openSignup{store}
	allowed, err = open.IsEmailAllowed(ctx, "outsider@example.com")
	require.NoError(t, err)
	assert.True(t, allowed)
}

// sweepCounter records janitor calls. The embedded interface is never
// touched, so leaving it nil is fine.
type sweepCounter struct {
	storage.Storage

	mu            sync.Mutex
	calls         map[string]int
	failAuthCodes bool
}

func (c *sweepCounter) bump(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[name]++
	return c.calls[name]
}

func (c *sweepCounter) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *sweepCounter) DeleteExpiredAuthorizationCodes(context.Context) (int, error) {
	c.bump("auth_codes")
	if c.failAuthCodes {
		return 0, errors.New("boom")
	}
	return 1, nil
}

func (c *sweepCounter) DeleteExpiredRefreshTokens(context.Context) (int, error) {
	return c.bump("refresh_tokens"), nil
}

func (c *sweepCounter) DeleteExpiredMagicCodes(context.Context) (int, error) {
	return c.bump("magic_codes"), nil
}

func (c *sweepCounter) DeleteExpiredPendingAuthorizations(context.Context) (int, error) {
	return c.bump("pending"), nil
}

func (c *sweepCounter) DeleteExpiredDeviceCodes(context.Context) (int, error) {
	return c.bump("device_codes"), nil
}

func (c *sweepCounter) names() []string {
	return []string{"auth_codes", "refresh_tokens", "magic_codes", "pending", "device_codes"}
}

func TestSweepExpiredCoversEveryStore(t *testing.T) {
	t.Parallel()

	counter := &sweepCounter{}
	s := &Server{store: counter}
	s.sweepExpired(context.Background())

	for _, name := range counter.names() {
		assert.Equal(t, 1, counter.count(name), name)
	}
}

func TestSweepExpiredContinuesPastErrors(t *testing.T) {
	t.Parallel()

	counter := &sweepCounter{failAuthCodes: true}
	s := &Server{store: counter}
	s.sweepExpired(context.Background())

	assert.Equal(t, 1, counter.count("refresh_tokens"), "a failing sweep must not stop the rest")
	assert.Equal(t, 1, counter.count("device_codes"))
}

func TestSweepExpiredStopsWhenCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	counter := &sweepCounter{}
	s := &Server{store: counter}
	s.sweepExpired(ctx)

	for _, name := range counter.names() {
		assert.Zero(t, counter.count(name), name)
	}
}

func TestJanitorSweepsOnCadence(t *testing.T) {
	t.Parallel()

	counter := &sweepCounter{}
	s := &Server{store: counter, sweep: 2 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.janitor(ctx)

	assert.GreaterOrEqual(t, counter.count("auth_codes"), 1)
	assert.GreaterOrEqual(t, counter.count("device_codes"), 1)
}

func TestRunShutsDownOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := testRunConfig(t)
	cfg.ListenAddr = "127.0.0.1:0"
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
