// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream drives federated login against external identity
// providers.
//
// A Provider abstracts one upstream IdP behind three capabilities: build an
// authorization redirect, exchange the callback code, and resolve the
// normalized Identity of whoever authenticated. Two implementations exist:
//
//   - OIDCProvider discovers endpoints from the issuer URL and takes
//     identity from a verified, nonce-bound ID token, consulting the
//     userinfo endpoint only for claims the token omits.
//   - OAuth2Provider works from explicit endpoints for IdPs without OIDC
//     support and probes identity out of the userinfo JSON document.
//
// The Engine owns the ceremony around the providers. Begin persists the
// client's authorization request under an internal state token and returns
// the upstream redirect. Consume retrieves and deletes that request exactly
// once when the callback arrives. Complete exchanges the upstream code,
// applies the allowlist, and materializes the local user. Client validation,
// redirects, and auditing stay with the caller.
package upstream
