// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e_test

import (
	"fmt"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/grovelabs/groveauth/test/e2e"
)

func magicVerifyBody(email, code string) map[string]string {
	return map[string]string{
		"email":        email,
		"code":         code,
		"client_id":    e2e.DashboardClientID,
		"redirect_uri": e2e.DashboardRedirect,
	}
}

func magicSendBody(email string) map[string]string {
	return map[string]string{
		"email":        email,
		"client_id":    e2e.DashboardClientID,
		"redirect_uri": e2e.DashboardRedirect,
	}
}

var _ = Describe("Magic code login", Label("api", "e2e"), func() {
	var env *e2e.Env

	BeforeEach(func() {
		env = e2e.StartEnv(true)
	})

	Describe("failed verification", func() {
		It("locks the address after five misses and holds the lock steady", func() {
			for i := range 4 {
				resp := env.PostJSON("/magic/verify", magicVerifyBody("dana@grove.example", fmt.Sprintf("00000%d", i)))
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

				var body e2e.ErrorBody
				e2e.ReadJSON(resp, &body)
				Expect(body.Error).To(Equal("invalid_code"))
			}

			fifth := env.PostJSON("/magic/verify", magicVerifyBody("dana@grove.example", "000004"))
			Expect(fifth.StatusCode).To(Equal(http.StatusLocked))

			var locked e2e.ErrorBody
			e2e.ReadJSON(fifth, &locked)
			Expect(locked.Error).To(Equal("account_locked"))

			until, err := time.Parse(time.RFC3339, locked.LockedUntil)
			Expect(err).NotTo(HaveOccurred())
			Expect(until).To(BeTemporally(">=", time.Now().Add(14*time.Minute)))
			Expect(until).To(BeTemporally("<=", time.Now().Add(16*time.Minute)))

			// Attempts against a locked address answer from the existing
			// lock without extending it.
			sixth := env.PostJSON("/magic/verify", magicVerifyBody("dana@grove.example", "000005"))
			Expect(sixth.StatusCode).To(Equal(http.StatusLocked))

			var relocked e2e.ErrorBody
			e2e.ReadJSON(sixth, &relocked)
			Expect(relocked.LockedUntil).To(Equal(locked.LockedUntil))
		})

		It("counts misses per address", func() {
			for i := range 4 {
				resp := env.PostJSON("/magic/verify", magicVerifyBody("flo@grove.example", fmt.Sprintf("11111%d", i)))
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				_ = resp.Body.Close()
			}

			resp := env.PostJSON("/magic/verify", magicVerifyBody("gil@grove.example", "222220"))
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

			var body e2e.ErrorBody
			e2e.ReadJSON(resp, &body)
			Expect(body.Error).To(Equal("invalid_code"))
		})

		It("requires a registered redirect for the client", func() {
			resp := env.PostJSON("/magic/verify", map[string]string{
				"email":        "hal@grove.example",
				"code":         "333330",
				"client_id":    e2e.DashboardClientID,
				"redirect_uri": "https://evil.example/callback",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			var body e2e.ErrorBody
			e2e.ReadJSON(resp, &body)
			Expect(body.Error).To(Equal("invalid_request"))
		})
	})

	Describe("sending a login code", func() {
		It("answers identically for known and unknown addresses", func() {
			// Materialize kim as a real user first.
			_ = env.ObtainTokens("sub-kim", "kim@grove.example")

			known := env.PostJSON("/magic/send", magicSendBody("kim@grove.example"))
			Expect(known.StatusCode).To(Equal(http.StatusOK))

			unknown := env.PostJSON("/magic/send", magicSendBody("nobody@nowhere.example"))
			Expect(unknown.StatusCode).To(Equal(http.StatusOK))

			Expect(e2e.ReadBody(unknown)).To(Equal(e2e.ReadBody(known)))
		})
	})
})

var _ = Describe("Magic code login with closed signups", Label("api", "e2e"), func() {
	var env *e2e.Env

	BeforeEach(func() {
		env = e2e.StartEnv(false)
	})

	It("does not reveal that an address is refused", func() {
		resp := env.PostJSON("/magic/send", magicSendBody("outsider@nowhere.example"))
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var body struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
		}
		e2e.ReadJSON(resp, &body)
		Expect(body.Success).To(BeTrue())
		Expect(body.Message).NotTo(BeEmpty())
	})
})
