// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package middleware holds the HTTP middleware the router applies around
// the ceremony handlers: security headers, per-client CORS, fixed-window
// IP rate limits, request metrics, panic recovery, and Bearer-token
// authentication for the administrative surface.
package middleware
