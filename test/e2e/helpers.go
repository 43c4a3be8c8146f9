// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package e2e provides end-to-end testing utilities for the authorization
// server: a fully assembled server on a real loopback listener, a mock
// upstream identity provider behind it, and helpers that drive the login
// ceremonies the way browsers and CLI clients do.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oauth2-proxy/mockoidc"
	. "github.com/onsi/ginkgo/v2" //nolint:staticcheck // Standard practice for Ginkgo
	. "github.com/onsi/gomega"    //nolint:staticcheck // Standard practice for Gomega
	"golang.org/x/oauth2"

	"github.com/grovelabs/groveauth/pkg/server"
	"github.com/grovelabs/groveauth/pkg/server/middleware"
)

// Clients registered in every test environment. The dashboard and billing
// clients are confidential relying parties, the CLI is a public device-flow
// client, and grove-login is the server's own internal login client.
const (
	DashboardClientID = "dashboard"
	DashboardSecret   = "dashboard-secret"
	DashboardRedirect = "https://app.grove.example/callback"

	BillingClientID = "billing"
	BillingSecret   = "billing-secret"
	BillingRedirect = "https://billing.grove.example/callback"

	CLIClientID   = "grove-cli"
	LoginClientID = "grove-login"

	// ProviderName is the upstream identity provider every environment
	// registers, backed by mockoidc.
	ProviderName = "corp"
)

// sessionSecret seals session cookies in tests. 32 bytes, the minimum.
const sessionSecret = "e2e-session-secret-0123456789abc"

// TokenResponse is the token endpoint's success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// ErrorBody is the wire error shape shared by every endpoint.
type ErrorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
	RetryAfter  int    `json:"retry_after"`
	LockedUntil string `json:"locked_until"`
}

// DeviceGrant is the device-authorization response body.
type DeviceGrant struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// Env is one running authorization server with its upstream IdP.
type Env struct {
	// Issuer is the server's public base URL, without a trailing slash.
	Issuer string

	// IdP is the mock upstream identity provider behind the corp provider.
	IdP *mockoidc.MockOIDC

	issuerHost string
	idpHost    string
	validator  *middleware.TokenValidator
	noRedirect *http.Client
}

// StartEnv assembles a complete server for one spec: mockoidc, a client
// registry on disk, and server.New serving on a real loopback listener so
// the issuer in minted tokens matches the URL under test. Cleanup is
// deferred to the calling spec's scope.
func StartEnv(publicSignup bool) *Env {
	GinkgoHelper()

	idp, err := mockoidc.Run()
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = idp.Shutdown() })

	// The listener comes first: the registry entry for the login client
	// needs the issuer URL before the server can be constructed.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	issuer := "http://" + listener.Addr().String()

	clientsFile := filepath.Join(GinkgoT().TempDir(), "clients.yaml")
	Expect(os.WriteFile(clientsFile, []byte(clientRegistry(issuer)), 0o600)).To(Succeed())

	srv, err := server.New(context.Background(), &server.RunConfig{
		Issuer:        issuer,
		ClientsFile:   clientsFile,
		LoginClientID: LoginClientID,
		SessionSecret: sessionSecret,
		PublicSignup:  publicSignup,
		Providers: []server.ProviderRunConfig{{
			Name:         ProviderName,
			Type:         "oidc",
			ClientID:     idp.Config().ClientID,
			ClientSecret: idp.Config().ClientSecret,
			Issuer:       idp.Issuer(),
		}},
	})
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = srv.Close() })

	ts := httptest.NewUnstartedServer(srv.Handler())
	_ = ts.Listener.Close()
	ts.Listener = listener
	ts.Start()
	DeferCleanup(ts.Close)
	Expect(ts.URL).To(Equal(issuer))

	validator, err := middleware.NewTokenValidator(context.Background(), middleware.ValidatorConfig{
		Issuer:  issuer,
		JWKSURL: issuer + "/.well-known/jwks.json",
	})
	Expect(err).NotTo(HaveOccurred())

	idpURL, err := url.Parse(idp.Issuer())
	Expect(err).NotTo(HaveOccurred())

	return &Env{
		Issuer:     issuer,
		IdP:        idp,
		issuerHost: listener.Addr().String(),
		idpHost:    idpURL.Host,
		validator:  validator,
		noRedirect: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func clientRegistry(issuer string) string {
	return fmt.Sprintf(`clients:
  - id: %s
    name: Dashboard
    secret: %s
    redirect_uris:
      - %s
    origins:
      - https://app.grove.example
  - id: %s
    name: Billing
    secret: %s
    redirect_uris:
      - %s
  - id: %s
    name: Grove CLI
    public: true
  - id: %s
    name: Hosted login
    public: true
    internal: true
    redirect_uris:
      - %s/auth/device
`,
		DashboardClientID, DashboardSecret, DashboardRedirect,
		BillingClientID, BillingSecret, BillingRedirect,
		CLIClientID,
		LoginClientID, issuer)
}

// QueueUser enqueues the identity the next upstream authorize resolves to.
func (e *Env) QueueUser(subject, email, username string) {
	e.IdP.QueueUser(&mockoidc.MockUser{
		Subject:           subject,
		Email:             email,
		EmailVerified:     true,
		PreferredUsername: username,
	})
}

// AuthorizeURL assembles a client's authorization request against the corp
// provider, with the S256 challenge derived from verifier.
func (e *Env) AuthorizeURL(clientID, redirectURI, state, verifier string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	q.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	q.Set("code_challenge_method", "S256")
	return e.Issuer + "/oauth/" + ProviderName + "?" + q.Encode()
}

// Hop issues one GET without following redirects. The caller owns the body.
func (e *Env) Hop(rawURL string) *http.Response {
	GinkgoHelper()
	resp, err := e.noRedirect.Get(rawURL)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

// CompleteLogin drives an authorization request through the upstream dialog
// hop by hop until the server redirects off-host, and returns that final
// client redirect. The upstream must have a user queued.
func (e *Env) CompleteLogin(authURL string) *url.URL {
	GinkgoHelper()

	current := authURL
	for range 10 {
		resp := e.Hop(current)
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusFound), "expected a redirect from %s", current)

		loc, err := url.Parse(resp.Header.Get("Location"))
		Expect(err).NotTo(HaveOccurred())
		next := resp.Request.URL.ResolveReference(loc)
		if next.Host != e.issuerHost && next.Host != e.idpHost {
			return next
		}
		current = next.String()
	}
	Fail("login never left the authorization server")
	return nil
}

// LoginBrowser performs the hosted-login ceremony as a browser would and
// returns a cookie-jar client holding the resulting session cookies.
func (e *Env) LoginBrowser(subject, email string) *http.Client {
	GinkgoHelper()

	e.QueueUser(subject, email, "")

	jar, err := cookiejar.New(nil)
	Expect(err).NotTo(HaveOccurred())
	browser := &http.Client{Jar: jar}

	q := url.Values{}
	q.Set("client_id", LoginClientID)
	q.Set("redirect_uri", e.Issuer+"/auth/device")
	q.Set("state", "/auth/device")
	resp, err := browser.Get(e.Issuer + "/oauth/" + ProviderName + "?" + q.Encode())
	Expect(err).NotTo(HaveOccurred())
	_ = resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusOK))

	issuerURL, err := url.Parse(e.Issuer)
	Expect(err).NotTo(HaveOccurred())
	names := make([]string, 0, 3)
	for _, c := range jar.Cookies(issuerURL) {
		names = append(names, c.Name)
	}
	Expect(names).To(ContainElement("grove_session"), "login should establish a session cookie")

	return browser
}

// PostForm posts a form-encoded body to a server path.
func (e *Env) PostForm(path string, form url.Values) *http.Response {
	GinkgoHelper()
	resp, err := http.PostForm(e.Issuer+path, form)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

// PostJSON posts a JSON body to a server path.
func (e *Env) PostJSON(path string, body any) *http.Response {
	GinkgoHelper()
	data, err := json.Marshal(body)
	Expect(err).NotTo(HaveOccurred())
	resp, err := http.Post(e.Issuer+path, "application/json", bytes.NewReader(data))
	Expect(err).NotTo(HaveOccurred())
	return resp
}

// ValidateAccessToken verifies the token against the server's published
// JWKS the same way resource servers do, and returns its claims.
func (e *Env) ValidateAccessToken(token string) jwt.MapClaims {
	GinkgoHelper()
	claims, err := e.validator.Validate(context.Background(), token)
	Expect(err).NotTo(HaveOccurred())
	return claims
}

// ObtainTokens performs the full dashboard authorization-code ceremony for
// the given identity and returns the issued token pair.
func (e *Env) ObtainTokens(subject, email string) TokenResponse {
	GinkgoHelper()

	e.QueueUser(subject, email, "")
	verifier := oauth2.GenerateVerifier()
	redirect := e.CompleteLogin(e.AuthorizeURL(DashboardClientID, DashboardRedirect, "state-"+subject, verifier))
	code := redirect.Query().Get("code")
	Expect(code).NotTo(BeEmpty())

	resp := e.PostForm("/token", DashboardExchange(code, verifier))
	Expect(resp.StatusCode).To(Equal(http.StatusOK))
	var tokens TokenResponse
	ReadJSON(resp, &tokens)
	return tokens
}

// DashboardExchange builds the authorization-code token request for the
// dashboard client.
func DashboardExchange(code, verifier string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {DashboardRedirect},
		"client_id":     {DashboardClientID},
		"client_secret": {DashboardSecret},
		"code_verifier": {verifier},
	}
}

// ReadJSON decodes the response body into dst and closes it.
func ReadJSON(resp *http.Response, dst any) {
	GinkgoHelper()
	defer func() { _ = resp.Body.Close() }()
	Expect(json.NewDecoder(resp.Body).Decode(dst)).To(Succeed())
}

// ReadBody returns the raw response body and closes it.
func ReadBody(resp *http.Response) []byte {
	GinkgoHelper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return data
}
