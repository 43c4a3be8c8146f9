// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"net"
	"net/http"
	"strings"

	"github.com/grovelabs/groveauth/pkg/storage"
)

// Event kinds recorded in the audit trail.
const (
	// KindLogin records a completed authentication, whatever the method.
	KindLogin = "login"
	// KindLogout records a session revocation initiated by the user.
	KindLogout = "logout"
	// KindFailedLogin records a rejected authentication attempt.
	KindFailedLogin = "failed_login"
	// KindTokenExchange records an authorization-code or device-code redemption.
	KindTokenExchange = "token_exchange"
	// KindTokenRefresh records a refresh-token rotation.
	KindTokenRefresh = "token_refresh"
	// KindTokenRevoke records an explicit token revocation.
	KindTokenRevoke = "token_revoke"
	// KindMagicCodeSent records a magic-code email send.
	KindMagicCodeSent = "magic_code_sent"
	// KindMagicCodeVerified records a successful magic-code verification.
	KindMagicCodeVerified = "magic_code_verified"
	// KindDeviceCodeCreated records a new device-authorization grant.
	KindDeviceCodeCreated = "device_code_created"
	// KindDeviceCodeAuthorized records a user approving a device grant.
	KindDeviceCodeAuthorized = "device_code_authorized"
	// KindDeviceCodeDenied records a user denying a device grant.
	KindDeviceCodeDenied = "device_code_denied"
	// KindPasskeyRegistered records a passkey credential registration.
	KindPasskeyRegistered = "passkey_registered"
	// KindPasskeyDeleted records a passkey credential deletion.
	KindPasskeyDeleted = "passkey_deleted"
	// KindPasskeyAuthSuccess records a successful passkey assertion.
	KindPasskeyAuthSuccess = "passkey_auth_success"
	// KindPasskeyAuthFailed records a failed passkey assertion.
	KindPasskeyAuthFailed = "passkey_auth_failed"
	// KindAllowlistAdded records an admin adding an allowlist entry.
	KindAllowlistAdded = "allowlist_added"
	// KindAllowlistRemoved records an admin removing an allowlist entry.
	KindAllowlistRemoved = "allowlist_removed"
)

// Detail keys shared across event kinds.
const (
	// DetailKeyProvider is the authentication method, e.g. "magic" or "google".
	DetailKeyProvider = "provider"
	// DetailKeyEmail is the email address involved in the event.
	DetailKeyEmail = "email"
	// DetailKeyReason explains a failure or denial.
	DetailKeyReason = "reason"
	// DetailKeyGrantType is the OAuth grant being exercised.
	DetailKeyGrantType = "grant_type"
	// DetailKeyScope is the scope string attached to the grant.
	DetailKeyScope = "scope"
	// DetailKeySessionID is the session created or revoked by the event.
	DetailKeySessionID = "session_id"
	// DetailKeyTokenType is the kind of token acted on, e.g. "refresh_token".
	DetailKeyTokenType = "token_type"
	// DetailKeyReplayDetected marks a refresh rotation that tripped
	// replay detection.
	DetailKeyReplayDetected = "replay_detected"
	// DetailKeyRevokedCount is how many sessions or tokens a bulk
	// revocation removed.
	DetailKeyRevokedCount = "revoked_count"
	// DetailKeyError carries a sanitized error string for events that
	// record a downstream failure, such as an email send.
	DetailKeyError = "error"
)

// Event is one audit entry under construction. Build it with NewEvent and
// the With setters, then hand it to Logger.Record. Detail values must never
// include secrets, token values, or code bodies.
type Event struct {
	row storage.AuditEvent
}

// NewEvent starts an event of the given kind.
func NewEvent(kind string) *Event {
	return &Event{row: storage.AuditEvent{Kind: kind}}
}

// WithUser sets the affected user.
func (e *Event) WithUser(userID string) *Event {
	e.row.UserID = userID
	return e
}

// WithClient sets the involved OAuth client.
func (e *Event) WithClient(clientID string) *Event {
	e.row.ClientID = clientID
	return e
}

// WithRequest fills the caller's IP and user agent from the request.
func (e *Event) WithRequest(r *http.Request) *Event {
	if r == nil {
		return e
	}
	e.row.IP = ClientIP(r)
	e.row.UserAgent = r.UserAgent()
	return e
}

// WithDetail adds one event-specific field.
func (e *Event) WithDetail(key string, value any) *Event {
	if e.row.Details == nil {
		e.row.Details = make(map[string]any)
	}
	e.row.Details[key] = value
	return e
}

// ClientIP extracts the client address from a request, trusting proxy
// headers before falling back to the socket peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// The first entry is the originating client.
		if ip, _, found := strings.Cut(xff, ","); found {
			return strings.TrimSpace(ip)
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
