// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e_test

import (
	"net/http"
	"net/url"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/oauth2"

	"github.com/grovelabs/groveauth/test/e2e"
)

var _ = Describe("Authorization code flow", Label("api", "e2e"), func() {
	var env *e2e.Env

	BeforeEach(func() {
		env = e2e.StartEnv(true)
	})

	Describe("redeeming a fresh code", func() {
		It("issues a signed token pair for the dashboard", func() {
			env.QueueUser("sub-ada", "ada@grove.example", "ada")
			verifier := oauth2.GenerateVerifier()
			authURL := env.AuthorizeURL(e2e.DashboardClientID, e2e.DashboardRedirect, "dash-state-1", verifier)

			redirect := env.CompleteLogin(authURL)
			Expect(redirect.String()).To(HavePrefix(e2e.DashboardRedirect))
			Expect(redirect.Query().Get("state")).To(Equal("dash-state-1"))
			code := redirect.Query().Get("code")
			Expect(code).NotTo(BeEmpty())

			resp := env.PostForm("/token", e2e.DashboardExchange(code, verifier))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			Expect(resp.Header.Get("Cache-Control")).To(Equal("no-store"))

			var tokens e2e.TokenResponse
			e2e.ReadJSON(resp, &tokens)
			Expect(tokens.TokenType).To(Equal("Bearer"))
			Expect(tokens.ExpiresIn).To(Equal(3600))
			Expect(tokens.Scope).To(Equal("openid email profile"))
			Expect(len(tokens.RefreshToken)).To(BeNumerically(">=", 43))

			claims := env.ValidateAccessToken(tokens.AccessToken)
			Expect(claims["sub"]).NotTo(BeEmpty())
			Expect(claims["email"]).To(Equal("ada@grove.example"))
			Expect(claims["client_id"]).To(Equal(e2e.DashboardClientID))
			Expect(claims["iss"]).To(Equal(env.Issuer))

			iat, ok := claims["iat"].(float64)
			Expect(ok).To(BeTrue(), "iat should be numeric")
			exp, ok := claims["exp"].(float64)
			Expect(ok).To(BeTrue(), "exp should be numeric")
			Expect(time.Duration(exp-iat) * time.Second).To(Equal(time.Hour))
		})
	})

	Describe("redeeming a code twice", func() {
		It("rejects the second exchange", func() {
			env.QueueUser("sub-tor", "tor@grove.example", "tor")
			verifier := oauth2.GenerateVerifier()
			redirect := env.CompleteLogin(env.AuthorizeURL(e2e.DashboardClientID, e2e.DashboardRedirect, "dash-state-2", verifier))
			code := redirect.Query().Get("code")

			first := env.PostForm("/token", e2e.DashboardExchange(code, verifier))
			Expect(first.StatusCode).To(Equal(http.StatusOK))
			_ = first.Body.Close()

			second := env.PostForm("/token", e2e.DashboardExchange(code, verifier))
			Expect(second.StatusCode).To(Equal(http.StatusBadRequest))

			var body e2e.ErrorBody
			e2e.ReadJSON(second, &body)
			Expect(body.Error).To(Equal("invalid_grant"))
		})
	})

	Describe("PKCE verification", func() {
		It("rejects a mismatched verifier", func() {
			env.QueueUser("sub-kay", "kay@grove.example", "kay")
			verifier := oauth2.GenerateVerifier()
			redirect := env.CompleteLogin(env.AuthorizeURL(e2e.DashboardClientID, e2e.DashboardRedirect, "dash-state-3", verifier))
			code := redirect.Query().Get("code")

			resp := env.PostForm("/token", e2e.DashboardExchange(code, oauth2.GenerateVerifier()))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			var body e2e.ErrorBody
			e2e.ReadJSON(resp, &body)
			Expect(body.Error).To(Equal("invalid_grant"))
		})
	})

	Describe("client binding", func() {
		It("refuses to let another client redeem the code", func() {
			env.QueueUser("sub-mal", "mal@grove.example", "mal")
			verifier := oauth2.GenerateVerifier()
			redirect := env.CompleteLogin(env.AuthorizeURL(e2e.DashboardClientID, e2e.DashboardRedirect, "dash-state-4", verifier))
			code := redirect.Query().Get("code")

			// Billing presents its own valid credentials but the code
			// belongs to the dashboard.
			resp := env.PostForm("/token", url.Values{
				"grant_type":    {"authorization_code"},
				"code":          {code},
				"redirect_uri":  {e2e.BillingRedirect},
				"client_id":     {e2e.BillingClientID},
				"client_secret": {e2e.BillingSecret},
				"code_verifier": {verifier},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			var body e2e.ErrorBody
			e2e.ReadJSON(resp, &body)
			Expect(body.Error).To(Equal("invalid_grant"))
		})
	})

	Describe("upstream callback state", func() {
		It("is single use", func() {
			env.QueueUser("sub-una", "una@grove.example", "una")
			verifier := oauth2.GenerateVerifier()

			// Walk the redirect chain by hand so the callback URL can be
			// replayed after it has been consumed.
			begin := env.Hop(env.AuthorizeURL(e2e.DashboardClientID, e2e.DashboardRedirect, "dash-state-5", verifier))
			_ = begin.Body.Close()
			Expect(begin.StatusCode).To(Equal(http.StatusFound))

			upstream := env.Hop(begin.Header.Get("Location"))
			_ = upstream.Body.Close()
			Expect(upstream.StatusCode).To(Equal(http.StatusFound))
			callbackURL := upstream.Header.Get("Location")
			Expect(callbackURL).To(ContainSubstring("/oauth/" + e2e.ProviderName + "/callback"))

			done := env.Hop(callbackURL)
			_ = done.Body.Close()
			Expect(done.StatusCode).To(Equal(http.StatusFound))

			replay := env.Hop(callbackURL)
			Expect(replay.StatusCode).To(Equal(http.StatusBadRequest))

			var body e2e.ErrorBody
			e2e.ReadJSON(replay, &body)
			Expect(body.Error).To(Equal("invalid_state"))
		})
	})
})
