// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/grovelabs/groveauth/pkg/keys"
	"github.com/grovelabs/groveauth/pkg/logger"
	"github.com/grovelabs/groveauth/pkg/oautherr"
)

// discoveryCacheMaxAge is the Cache-Control max-age for the JWKS and
// discovery documents. One hour lets verifier caches stay warm while
// rotated keys, which remain published alongside their successor,
// propagate well before the old key disappears.
const discoveryCacheMaxAge = 3600

// JWKS handles GET /.well-known/jwks.json with the public keys for access
// token verification.
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	pubKeys, err := h.keys.PublicKeys(r.Context())
	if err != nil {
		logger.Errorf("loading public keys: %v", err)
		oautherr.ServerError().Write(w)
		return
	}

	data, err := json.Marshal(keys.BuildJWKS(pubKeys))
	if err != nil {
		logger.Errorf("encoding jwks: %v", err)
		oautherr.ServerError().Write(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

// discoveryDocument is the subset of OIDC discovery and RFC 8414 metadata
// this server implements.
type discoveryDocument struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint"`
	DeviceAuthorizationEndpoint   string   `json:"device_authorization_endpoint"`
	JWKSURI                       string   `json:"jwks_uri"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	ScopesSupported               []string `json:"scopes_supported"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
	SigningAlgValuesSupported     []string `json:"id_token_signing_alg_values_supported"`
}

// OpenIDConfiguration handles GET /.well-known/openid-configuration.
// The authorization endpoint is the provider chooser; per-provider entry
// points hang beneath /oauth.
func (h *Handler) OpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	doc := discoveryDocument{
		Issuer:                      h.issuer,
		AuthorizationEndpoint:       h.issuer + "/auth/login",
		TokenEndpoint:               h.issuer + "/token",
		RevocationEndpoint:          h.issuer + "/token/revoke",
		DeviceAuthorizationEndpoint: h.issuer + "/auth/device-code",
		JWKSURI:                     h.issuer + "/.well-known/jwks.json",
		ResponseTypesSupported:      []string{"code"},
		GrantTypesSupported: []string{
			grantAuthorizationCode,
			grantRefreshToken,
			grantDeviceCode,
		},
		CodeChallengeMethodsSupported: []string{"S256"},
		ScopesSupported:               []string{"openid", "email", "profile"},
		TokenEndpointAuthMethods:      []string{"client_secret_post", "client_secret_basic"},
		SigningAlgValuesSupported:     h.signingAlgorithms(r),
	}

	data, err := json.Marshal(doc)
	if err != nil {
		logger.Errorf("encoding discovery document: %v", err)
		oautherr.ServerError().Write(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

// signingAlgorithms collects the distinct algorithms from the live key set,
// falling back to RS256 when none are published.
func (h *Handler) signingAlgorithms(r *http.Request) []string {
	pubKeys, err := h.keys.PublicKeys(r.Context())
	if err != nil || len(pubKeys) == 0 {
		return []string{keys.DefaultAlgorithm}
	}
	seen := make(map[string]bool, len(pubKeys))
	var algs []string
	for _, key := range pubKeys {
		if key.Algorithm != "" && !seen[key.Algorithm] {
			seen[key.Algorithm] = true
			algs = append(algs, key.Algorithm)
		}
	}
	if len(algs) == 0 {
		return []string{keys.DefaultAlgorithm}
	}
	return algs
}
