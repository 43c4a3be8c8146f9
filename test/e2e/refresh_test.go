// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e_test

import (
	"net/http"
	"net/url"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/grovelabs/groveauth/test/e2e"
)

var _ = Describe("Refresh token rotation", Label("api", "e2e"), func() {
	var env *e2e.Env

	BeforeEach(func() {
		env = e2e.StartEnv(true)
	})

	It("rotates on every use and burns the family on replay", func() {
		first := env.ObtainTokens("sub-ray", "ray@grove.example")

		resp := env.PostForm("/token", refreshForm(first.RefreshToken))
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var second e2e.TokenResponse
		e2e.ReadJSON(resp, &second)
		Expect(second.AccessToken).NotTo(BeEmpty())
		Expect(second.RefreshToken).NotTo(BeEmpty())
		Expect(second.RefreshToken).NotTo(Equal(first.RefreshToken))

		claims := env.ValidateAccessToken(second.AccessToken)
		Expect(claims["email"]).To(Equal("ray@grove.example"))
		Expect(claims["client_id"]).To(Equal(e2e.DashboardClientID))

		replay := env.PostForm("/token", refreshForm(first.RefreshToken))
		Expect(replay.StatusCode).To(Equal(http.StatusBadRequest))
		var body e2e.ErrorBody
		e2e.ReadJSON(replay, &body)
		Expect(body.Error).To(Equal("invalid_grant"))

		// The replay revoked the whole family, including the newest token.
		after := env.PostForm("/token", refreshForm(second.RefreshToken))
		Expect(after.StatusCode).To(Equal(http.StatusBadRequest))
		e2e.ReadJSON(after, &body)
		Expect(body.Error).To(Equal("invalid_grant"))
	})

	It("serves the refresh grant at /token/refresh without a grant_type", func() {
		tokens := env.ObtainTokens("sub-ren", "ren@grove.example")

		resp := env.PostForm("/token/refresh", url.Values{
			"refresh_token": {tokens.RefreshToken},
			"client_id":     {e2e.DashboardClientID},
			"client_secret": {e2e.DashboardSecret},
		})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var rotated e2e.TokenResponse
		e2e.ReadJSON(resp, &rotated)
		Expect(rotated.RefreshToken).NotTo(Equal(tokens.RefreshToken))
		claims := env.ValidateAccessToken(rotated.AccessToken)
		Expect(claims["email"]).To(Equal("ren@grove.example"))
	})

	It("rejects a refresh token presented by another client", func() {
		tokens := env.ObtainTokens("sub-rob", "rob@grove.example")

		resp := env.PostForm("/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {tokens.RefreshToken},
			"client_id":     {e2e.BillingClientID},
			"client_secret": {e2e.BillingSecret},
		})
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

		var body e2e.ErrorBody
		e2e.ReadJSON(resp, &body)
		Expect(body.Error).To(Equal("invalid_grant"))
	})

	It("stops honoring a token revoked through /token/revoke", func() {
		tokens := env.ObtainTokens("sub-rex", "rex@grove.example")

		revoke := env.PostForm("/token/revoke", url.Values{
			"token":         {tokens.RefreshToken},
			"client_id":     {e2e.DashboardClientID},
			"client_secret": {e2e.DashboardSecret},
		})
		Expect(revoke.StatusCode).To(Equal(http.StatusOK))
		_ = revoke.Body.Close()

		resp := env.PostForm("/token", refreshForm(tokens.RefreshToken))
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		var body e2e.ErrorBody
		e2e.ReadJSON(resp, &body)
		Expect(body.Error).To(Equal("invalid_grant"))
	})
})

func refreshForm(token string) url.Values {
	return url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {token},
		"client_id":     {e2e.DashboardClientID},
		"client_secret": {e2e.DashboardSecret},
	}
}
