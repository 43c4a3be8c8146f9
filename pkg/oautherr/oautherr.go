// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oautherr defines the wire-level error vocabulary of the
// authorization server. Every recoverable failure surfaces to clients as a
// sanitized {error, error_description} JSON body with the status code fixed
// by the error kind; internal detail never crosses the HTTP boundary.
package oautherr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error codes returned on the wire. The set is closed; handlers map every
// internal failure onto one of these.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidGrant         = "invalid_grant"
	CodeInvalidState         = "invalid_state"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeInvalidCode          = "invalid_code"
	CodeInvalidToken         = "invalid_token"
	CodeAccessDenied         = "access_denied"
	CodeAccountLocked        = "account_locked"
	CodeRateLimit            = "rate_limit"
	CodeSlowDown             = "slow_down"
	CodeAuthorizationPending = "authorization_pending"
	CodeExpiredToken         = "expired_token"
	CodeServerError          = "server_error"
	CodeNotFound             = "not_found"
)

// Error is a wire-visible OAuth error. It satisfies the error interface so it
// can travel through ordinary return paths until a handler writes it.
type Error struct {
	Code        string
	Description string
	Status      int

	// RetryAfter is set for rate_limit and slow_down responses.
	RetryAfter time.Duration

	// LockedUntil is set for account_locked responses.
	LockedUntil time.Time
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// wireBody is the JSON body written to clients.
type wireBody struct {
	ErrorCode   string `json:"error"`
	Description string `json:"error_description,omitempty"`
	RetryAfter  int    `json:"retry_after,omitempty"`
	LockedUntil string `json:"locked_until,omitempty"`
}

// Write emits the error as its JSON body with the kind's status code.
func (e *Error) Write(w http.ResponseWriter) {
	body := wireBody{
		ErrorCode:   e.Code,
		Description: e.Description,
	}

	if e.RetryAfter > 0 {
		secs := int(e.RetryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if !e.LockedUntil.IsZero() {
		body.LockedUntil = e.LockedUntil.UTC().Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(body)
}

// InvalidRequest reports malformed input or missing required parameters.
func InvalidRequest(description string) *Error {
	return &Error{Code: CodeInvalidRequest, Description: description, Status: http.StatusBadRequest}
}

// InvalidClient reports an unknown client or wrong secret. Token endpoints
// respond 401; everywhere else the ceremony fails with 400.
func InvalidClient(description string) *Error {
	return &Error{Code: CodeInvalidClient, Description: description, Status: http.StatusUnauthorized}
}

// InvalidClientRequest is the 400 form of invalid_client used outside /token.
func InvalidClientRequest(description string) *Error {
	return &Error{Code: CodeInvalidClient, Description: description, Status: http.StatusBadRequest}
}

// InvalidGrant covers every authorization-code, refresh-token, and PKCE
// failure. The description is intentionally generic: not-found, expired,
// wrong-client, wrong-redirect, and PKCE mismatch must be indistinguishable.
func InvalidGrant() *Error {
	return &Error{
		Code:        CodeInvalidGrant,
		Description: "the provided grant is invalid, expired, or revoked",
		Status:      http.StatusBadRequest,
	}
}

// InvalidState reports an unknown or already-consumed federated state.
func InvalidState() *Error {
	return &Error{
		Code:        CodeInvalidState,
		Description: "the provided state is invalid or has expired",
		Status:      http.StatusBadRequest,
	}
}

// UnsupportedGrantType reports a grant_type outside the supported set.
func UnsupportedGrantType(grantType string) *Error {
	return &Error{
		Code:        CodeUnsupportedGrantType,
		Description: fmt.Sprintf("grant type %q is not supported", grantType),
		Status:      http.StatusBadRequest,
	}
}

// InvalidCode reports a magic code that did not verify.
func InvalidCode() *Error {
	return &Error{
		Code:        CodeInvalidCode,
		Description: "the provided code is invalid or has expired",
		Status:      http.StatusUnauthorized,
	}
}

// InvalidToken reports a missing, malformed, expired, or forged access token.
func InvalidToken(description string) *Error {
	return &Error{Code: CodeInvalidToken, Description: description, Status: http.StatusUnauthorized}
}

// AccessDenied reports a user the ceremony does not permit.
func AccessDenied(description string) *Error {
	return &Error{Code: CodeAccessDenied, Description: description, Status: http.StatusForbidden}
}

// AccountLocked reports a locked account and when the lock lifts.
func AccountLocked(until time.Time) *Error {
	return &Error{
		Code:        CodeAccountLocked,
		Description: "too many failed attempts, try again later",
		Status:      http.StatusLocked,
		LockedUntil: until,
	}
}

// RateLimit reports an exhausted fixed window.
func RateLimit(retryAfter time.Duration) *Error {
	return &Error{
		Code:        CodeRateLimit,
		Description: "too many requests",
		Status:      http.StatusTooManyRequests,
		RetryAfter:  retryAfter,
	}
}

// SlowDown tells a polling device client to back off (RFC 8628 §3.5).
func SlowDown(retryAfter time.Duration) *Error {
	return &Error{
		Code:        CodeSlowDown,
		Description: "polling too frequently",
		Status:      http.StatusTooManyRequests,
		RetryAfter:  retryAfter,
	}
}

// AuthorizationPending tells a polling device client the user has not decided.
func AuthorizationPending() *Error {
	return &Error{
		Code:        CodeAuthorizationPending,
		Description: "the authorization request is still pending",
		Status:      http.StatusBadRequest,
	}
}

// ExpiredToken tells a polling device client its device code expired.
func ExpiredToken() *Error {
	return &Error{
		Code:        CodeExpiredToken,
		Description: "the device code has expired",
		Status:      http.StatusBadRequest,
	}
}

// ServerError is the catch-all. No internal detail is exposed.
func ServerError() *Error {
	return &Error{
		Code:        CodeServerError,
		Description: "an internal error occurred",
		Status:      http.StatusInternalServerError,
	}
}

// NotFound reports an unknown endpoint.
func NotFound() *Error {
	return &Error{Code: CodeNotFound, Description: "not found", Status: http.StatusNotFound}
}

// From converts any error into a wire error. Wire errors pass through
// untouched; everything else collapses to server_error so internals stay
// internal.
func From(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return ServerError()
}
