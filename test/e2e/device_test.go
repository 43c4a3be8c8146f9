// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e_test

import (
	"fmt"
	"net/http"
	"net/url"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/grovelabs/groveauth/pkg/deviceauth"
	"github.com/grovelabs/groveauth/test/e2e"
)

func devicePollForm(deviceCode string) url.Values {
	return url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
		"client_id":   {e2e.CLIClientID},
	}
}

func startDeviceGrant(env *e2e.Env) e2e.DeviceGrant {
	GinkgoHelper()
	resp := env.PostForm("/auth/device-code", url.Values{
		"client_id": {e2e.CLIClientID},
		"scope":     {"openid email profile"},
	})
	Expect(resp.StatusCode).To(Equal(http.StatusOK))
	var grant e2e.DeviceGrant
	e2e.ReadJSON(resp, &grant)
	return grant
}

var _ = Describe("Device authorization flow", Label("api", "e2e"), func() {
	var env *e2e.Env

	BeforeEach(func() {
		env = e2e.StartEnv(true)
	})

	It("carries a CLI from code request to tokens", func() {
		grant := startDeviceGrant(env)

		Expect(grant.DeviceCode).NotTo(BeEmpty())
		codePattern := fmt.Sprintf("^[%s]{4}-[%s]{4}$", deviceauth.UserCodeAlphabet, deviceauth.UserCodeAlphabet)
		Expect(grant.UserCode).To(MatchRegexp(codePattern))
		Expect(grant.VerificationURI).To(Equal(env.Issuer + "/auth/device"))
		Expect(grant.VerificationURIComplete).To(ContainSubstring("user_code="))
		Expect(grant.ExpiresIn).To(Equal(900))
		Expect(grant.Interval).To(Equal(5))

		pending := env.PostForm("/token", devicePollForm(grant.DeviceCode))
		Expect(pending.StatusCode).To(Equal(http.StatusBadRequest))
		var body e2e.ErrorBody
		e2e.ReadJSON(pending, &body)
		Expect(body.Error).To(Equal("authorization_pending"))

		browser := env.LoginBrowser("sub-dev", "dev@grove.example")

		page, err := browser.Get(grant.VerificationURIComplete)
		Expect(err).NotTo(HaveOccurred())
		Expect(page.StatusCode).To(Equal(http.StatusOK))
		Expect(string(e2e.ReadBody(page))).To(ContainSubstring(grant.UserCode))

		decided, err := browser.PostForm(env.Issuer+"/auth/device/authorize", url.Values{
			"user_code": {grant.UserCode},
			"action":    {"approve"},
		})
		Expect(err).NotTo(HaveOccurred())
		_ = decided.Body.Close()
		Expect(decided.StatusCode).To(Equal(http.StatusOK))
		Expect(decided.Request.URL.Query().Get("success")).To(Equal("1"))

		redeemed := env.PostForm("/token", devicePollForm(grant.DeviceCode))
		Expect(redeemed.StatusCode).To(Equal(http.StatusOK))
		var tokens e2e.TokenResponse
		e2e.ReadJSON(redeemed, &tokens)
		Expect(tokens.TokenType).To(Equal("Bearer"))
		Expect(tokens.RefreshToken).NotTo(BeEmpty())

		claims := env.ValidateAccessToken(tokens.AccessToken)
		Expect(claims["client_id"]).To(Equal(e2e.CLIClientID))
		Expect(claims["email"]).To(Equal("dev@grove.example"))
	})

	It("tells a fast poller to slow down", func() {
		grant := startDeviceGrant(env)

		first := env.PostForm("/token", devicePollForm(grant.DeviceCode))
		Expect(first.StatusCode).To(Equal(http.StatusBadRequest))
		_ = first.Body.Close()

		second := env.PostForm("/token", devicePollForm(grant.DeviceCode))
		Expect(second.StatusCode).To(Equal(http.StatusTooManyRequests))
		Expect(second.Header.Get("Retry-After")).To(Equal("5"))

		var body e2e.ErrorBody
		e2e.ReadJSON(second, &body)
		Expect(body.Error).To(Equal("slow_down"))
		Expect(body.RetryAfter).To(Equal(5))
	})

	It("reports a denial to the device", func() {
		grant := startDeviceGrant(env)
		browser := env.LoginBrowser("sub-den", "den@grove.example")

		decided, err := browser.PostForm(env.Issuer+"/auth/device/authorize", url.Values{
			"user_code": {grant.UserCode},
			"action":    {"deny"},
		})
		Expect(err).NotTo(HaveOccurred())
		_ = decided.Body.Close()
		Expect(decided.StatusCode).To(Equal(http.StatusOK))

		resp := env.PostForm("/token", devicePollForm(grant.DeviceCode))
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		var body e2e.ErrorBody
		e2e.ReadJSON(resp, &body)
		Expect(body.Error).To(Equal("access_denied"))
	})

	It("sends an anonymous visitor to the hosted login", func() {
		resp := env.Hop(env.Issuer + "/auth/device")
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusFound))
		Expect(resp.Header.Get("Location")).To(Equal(env.Issuer + "/auth/login?return_to=%2Fauth%2Fdevice"))
	})

	It("bounces an unknown user code back to entry", func() {
		browser := env.LoginBrowser("sub-lou", "lou@grove.example")

		page, err := browser.Get(env.Issuer + "/auth/device?user_code=ZZZZ-ZZZZ")
		Expect(err).NotTo(HaveOccurred())
		_ = page.Body.Close()
		Expect(page.StatusCode).To(Equal(http.StatusOK))
		Expect(page.Request.URL.Query().Get("error")).To(Equal("unknown_code"))
	})
})
