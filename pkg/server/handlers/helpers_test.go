// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grovelabs/groveauth/pkg/audit"
	"github.com/grovelabs/groveauth/pkg/authcode"
	"github.com/grovelabs/groveauth/pkg/crypto"
	"github.com/grovelabs/groveauth/pkg/deviceauth"
	"github.com/grovelabs/groveauth/pkg/email"
	"github.com/grovelabs/groveauth/pkg/keys"
	"github.com/grovelabs/groveauth/pkg/magic"
	"github.com/grovelabs/groveauth/pkg/ratelimit"
	"github.com/grovelabs/groveauth/pkg/server/middleware"
	"github.com/grovelabs/groveauth/pkg/sessions"
	"github.com/grovelabs/groveauth/pkg/storage"
	"github.com/grovelabs/groveauth/pkg/tokens"
	"github.com/grovelabs/groveauth/pkg/upstream"
)

// Registry seeded into every test environment. grove-web is a confidential
// third-party client, grove-cli a public device-flow client, grove-portal a
// first-party service that gets cookies instead of a code.
const (
	testIssuer      = "https://auth.grove.example"
	stubProviderID  = "corp"
	webClientID     = "grove-web"
	webClientSecret = "web-secret-49c1f2a8"
	webRedirect     = "https://app.grove.example/callback"
	cliClientID     = "grove-cli"
	portalClientID  = "grove-portal"
	portalRedirect  = "https://portal.grove.example/home"
	allowedEmail    = "dev@grove.example"
)

var handlerSecret = []byte("0123456789abcdef0123456789abcdef")

// sharedKeys is a process-wide signing key provider; RSA generation is slow
// enough to share across the package.
var sharedKeys = sync.OnceValue(func() keys.Provider {
	return keys.NewGeneratingProvider()
})

// webSecretHash caches the bcrypt hash of the web client secret.
var webSecretHash = sync.OnceValue(func() string {
	hash, err := crypto.HashClientSecret(webClientSecret)
	if err != nil {
		panic(err)
	}
	return hash
})

// stubIdP satisfies upstream.Provider without network round trips.
type stubIdP struct {
	mu    sync.Mutex
	ident upstream.Identity
	err   error
}

func newStubIdP() *stubIdP {
	return &stubIdP{ident: upstream.Identity{
		Email:      allowedEmail,
		Name:       "Dev Grove",
		AvatarURL:  "https://avatars.grove.example/dev.png",
		Provider:   stubProviderID,
		ProviderID: "upstream-1",
	}}
}

func (p *stubIdP) Name() string { return stubProviderID }

func (*stubIdP) AuthorizationURL(state, _, _ string) (string, error) {
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state), nil
}

func (p *stubIdP) Exchange(_ context.Context, _, _, _ string) (*upstream.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	ident := p.ident
	return &ident, nil
}

func (p *stubIdP) setIdentity(ident upstream.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ident = ident
}

func (p *stubIdP) setError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// captureSender records outgoing mail instead of delivering it.
type captureSender struct {
	mu   sync.Mutex
	sent []email.Message
}

func (c *captureSender) Send(_ context.Context, msg email.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

var magicCodePattern = regexp.MustCompile(`\b(\d{6})\b`)

func (c *captureSender) lastCode(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent, "no message was sent")
	m := magicCodePattern.FindStringSubmatch(c.sent[len(c.sent)-1].Body)
	require.Len(t, m, 2, "mail body carries no six-digit code")
	return m[1]
}

type testEnv struct {
	handler *Handler
	router  http.Handler
	cfg     Config
	store   *storage.MemoryStorage
	sess    *sessions.Store
	minter  *tokens.Minter
	sender  *captureSender
	idp     *stubIdP
	auditor *audit.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	provider := sharedKeys()
	minter, err := tokens.NewMinter(tokens.Config{
		Issuer:        testIssuer,
		SessionSecret: handlerSecret,
	}, provider)
	require.NoError(t, err)

	sessStore := sessions.NewStore()
	t.Cleanup(func() { _ = sessStore.Close() })

	auditor := audit.New(store)
	auditor.Start()
	t.Cleanup(func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
		defer drainCancel()
		auditor.Shutdown(drainCtx)
	})

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pub, err := provider.PublicKeys(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(keys.BuildJWKS(pub))
	}))
	t.Cleanup(jwks.Close)

	validator, err := middleware.NewTokenValidator(ctx, middleware.ValidatorConfig{
		Issuer:  testIssuer,
		JWKSURL: jwks.URL,
	})
	require.NoError(t, err)

	sender := &captureSender{}
	idp := newStubIdP()

	cfg := Config{
		Issuer:         testIssuer,
		Store:          store,
		Sessions:       sessStore,
		Minter:         minter,
		Keys:           provider,
		Codes:          authcode.New(store),
		Devices:        deviceauth.New(store),
		Magic:          magic.New(store, sender),
		Upstream:       upstream.New(store, []upstream.Provider{idp}),
		Limiter:        ratelimit.New(store),
		Audit:          auditor,
		AdminValidator: validator,
		LoginClientID:  portalClientID,
		CookieDomain:   ".grove.example",
		CookieSecure:   true,
	}
	h, err := New(cfg)
	require.NoError(t, err)

	env := &testEnv{
		handler: h,
		router:  h.Routes(),
		cfg:     cfg,
		store:   store,
		sess:    sessStore,
		minter:  minter,
		sender:  sender,
		idp:     idp,
		auditor: auditor,
	}
	env.seedRegistry(t, ctx)
	return env
}

func (env *testEnv) seedRegistry(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, env.store.UpsertClient(ctx, &storage.Client{
		ID:           webClientID,
		Name:         "Grove Web",
		SecretHash:   webSecretHash(),
		RedirectURIs: []string{webRedirect},
	}))
	require.NoError(t, env.store.UpsertClient(ctx, &storage.Client{
		ID:   cliClientID,
		Name: "Grove CLI",
	}))
	require.NoError(t, env.store.UpsertClient(ctx, &storage.Client{
		ID:           portalClientID,
		Name:         "Grove Portal",
		SecretHash:   webSecretHash(),
		RedirectURIs: []string{portalRedirect, testIssuer + "/auth/device"},
		Domain:       ".grove.example",
		Internal:     true,
	}))
	require.NoError(t, env.store.AddAllowedEmail(ctx, allowedEmail))
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

// drainAudit flushes the audit buffer so recorded events are visible in the
// store. The logger accepts no further events afterwards.
func (env *testEnv) drainAudit(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env.auditor.Shutdown(ctx)
}

// loginSession creates a user and a live session, returning both and the
// sealed cookie a browser would hold.
func (env *testEnv) loginSession(t *testing.T, addr string) (*storage.User, *http.Cookie) {
	t.Helper()
	user, err := env.store.UpsertUserByEmail(context.Background(), &storage.User{
		Email:    addr,
		Name:     "Dev Grove",
		Provider: stubProviderID,
	})
	require.NoError(t, err)

	sess := env.sess.Create(user.ID, sessions.Metadata{DeviceName: "test browser"}, 0)
	value, err := env.minter.SealSessionCookie(sess.ID, user.ID)
	require.NoError(t, err)
	return user, &http.Cookie{Name: sessionCookieName, Value: value}
}

// federatedCode drives the corp ceremony for grove-web and returns the
// authorization code from the final redirect.
func (env *testEnv) federatedCode(t *testing.T, challenge string) string {
	t.Helper()

	q := url.Values{}
	q.Set("client_id", webClientID)
	q.Set("redirect_uri", webRedirect)
	q.Set("state", "client-state-7")
	if challenge != "" {
		q.Set("code_challenge", challenge)
		q.Set("code_challenge_method", crypto.PKCEChallengeMethodS256)
	}
	begin := env.do(httptest.NewRequest(http.MethodGet, "/oauth/corp?"+q.Encode(), nil))
	require.Equal(t, http.StatusFound, begin.Code)

	idpURL, err := url.Parse(begin.Header().Get("Location"))
	require.NoError(t, err)
	internalState := idpURL.Query().Get("state")
	require.NotEmpty(t, internalState)

	cb := url.Values{}
	cb.Set("code", "upstream-code")
	cb.Set("state", internalState)
	callback := env.do(httptest.NewRequest(http.MethodGet, "/oauth/corp/callback?"+cb.Encode(), nil))
	require.Equal(t, http.StatusFound, callback.Code)

	target, err := url.Parse(callback.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "client-state-7", target.Query().Get("state"))
	code := target.Query().Get("code")
	require.NotEmpty(t, code, "callback redirect carries no code: %s", callback.Header().Get("Location"))
	return code
}

// tokenForm posts a form to /token and returns the recorder.
func (env *testEnv) tokenForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return env.do(req)
}

// exchangeCode redeems an authorization code for grove-web and returns the
// decoded token response.
func (env *testEnv) exchangeCode(t *testing.T, code, verifier string) tokenResponse {
	t.Helper()
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", webClientID)
	form.Set("client_secret", webClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", webRedirect)
	form.Set("code_verifier", verifier)
	rr := env.tokenForm(t, "/token", form)
	require.Equal(t, http.StatusOK, rr.Code, "token exchange failed: %s", rr.Body.String())

	var tok tokenResponse
	decodeResponse(t, rr, &tok)
	return tok
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dst))
}

// errorCode extracts the error field from an error response body.
func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error
}

// readAll drains a response body reader in tests that stream.
func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}
