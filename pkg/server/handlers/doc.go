// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers implements the HTTP surface of the authorization server:
// the federated and magic-code login ceremonies, the token endpoint with its
// three grant types, device authorization, session management, the
// administrative API, and the well-known discovery documents.
//
// Handlers translate between the wire and the engines in pkg/authcode,
// pkg/deviceauth, pkg/magic, pkg/upstream, pkg/sessions, and pkg/tokens.
// They own request parsing, client authentication, the error vocabulary in
// pkg/oautherr, and audit emission; ceremony rules live in the engines.
package handlers
