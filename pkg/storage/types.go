// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides row-oriented storage interfaces and
// implementations for the authorization server. Every ceremony owns the
// rows it mints; the store is the shared back end.
package storage

import (
	"context"
	"strings"
	"time"
)

// NormalizeEmail lowercases and trims an email address. Every email
// comparison in the system is case-folded; backends apply this to keys and
// callers apply it at the edges.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Client is an OAuth client registered out-of-band. Clients are immutable
// from the server's perspective except by administrative migration.
type Client struct {
	// ID is the stable opaque client identifier.
	ID string

	// Name is the human-readable display name.
	Name string

	// SecretHash is the bcrypt hash of the client secret.
	// The cleartext secret is never stored.
	SecretHash string

	// RedirectURIs is the set of exact-match redirect URIs.
	RedirectURIs []string

	// AllowedOrigins is the set of origins permitted for CORS requests.
	AllowedOrigins []string

	// Domain is the owning domain, if any. Used for cookie scoping.
	Domain string

	// Internal marks first-party services that receive a session cookie
	// alongside tokens.
	Internal bool
}

// User is a local account created on first successful authentication.
type User struct {
	// ID is the opaque user identifier.
	ID string

	// Email is the lowercased, unique email address.
	Email string

	// Name is the display name, refreshed on every successful authentication.
	Name string

	// AvatarURL is the avatar URI, refreshed on every successful authentication.
	AvatarURL string

	// Provider records which identity provider created the account.
	Provider string

	// IsAdmin grants access to the administrative surface.
	IsAdmin bool

	// CreatedAt is when the account was first created.
	CreatedAt time.Time

	// UpdatedAt is when the account was last refreshed.
	UpdatedAt time.Time
}

// AuthorizationCode is a single-use grant binding a user to a client.
// The code itself is the primary key.
type AuthorizationCode struct {
	// Code is the opaque high-entropy code string.
	Code string

	// ClientID is the client the code was minted for.
	ClientID string

	// UserID is the authenticated user.
	UserID string

	// RedirectURI is the exact redirect URI presented at mint time.
	RedirectURI string

	// CodeChallenge is the PKCE challenge bound at mint time.
	CodeChallenge string

	// ChallengeMethod is the PKCE challenge method ("S256").
	ChallengeMethod string

	// Used marks the code as consumed. Consumed rows are retained until
	// expiry so that replays keep failing identically.
	Used bool

	// CreatedAt is when the code was minted.
	CreatedAt time.Time

	// ExpiresAt is the absolute expiry.
	ExpiresAt time.Time
}

// RefreshToken is the stored form of a refresh token. Only the SHA-256
// hash of the token is persisted.
type RefreshToken struct {
	// TokenHash is the base64url SHA-256 hash of the token.
	TokenHash string

	// UserID is the owning user.
	UserID string

	// ClientID is the client the token was issued to.
	ClientID string

	// Revoked marks the token as rotated away or explicitly revoked.
	// Revoked rows are retained until expiry for replay detection.
	Revoked bool

	// CreatedAt is when the token was issued.
	CreatedAt time.Time

	// ExpiresAt is the absolute expiry.
	ExpiresAt time.Time
}

// MagicCode is a short-lived emailed login code scoped to an email address.
type MagicCode struct {
	// Email is the lowercased recipient address.
	Email string

	// Code is the six-digit code.
	Code string

	// Used marks the code as consumed.
	Used bool

	// CreatedAt is when the code was minted.
	CreatedAt time.Time

	// ExpiresAt is the absolute expiry.
	ExpiresAt time.Time
}

// PendingAuthorization tracks a client's authorization request while the
// user authenticates with the upstream identity provider. The flow is
// cookie-less; the internal state token carried through the upstream
// round-trip is the only correlation handle.
type PendingAuthorization struct {
	// InternalState is the server-generated state token (the key).
	InternalState string

	// ClientID is the requesting OAuth client.
	ClientID string

	// RedirectURI is the client's callback URL.
	RedirectURI string

	// ClientState is the client's original state parameter, echoed back on
	// the final redirect.
	ClientState string

	// CodeChallenge is the client's PKCE challenge, carried through to the
	// minted authorization code.
	CodeChallenge string

	// ChallengeMethod is the client's PKCE challenge method.
	ChallengeMethod string

	// Provider names the upstream identity provider handling this request.
	Provider string

	// UpstreamVerifier is our own PKCE verifier for the upstream exchange.
	UpstreamVerifier string

	// UpstreamNonce is the OIDC nonce sent upstream, if any.
	UpstreamNonce string

	// CreatedAt is when the request was stored.
	CreatedAt time.Time

	// ExpiresAt is the absolute expiry.
	ExpiresAt time.Time
}

// DeviceCodeStatus is the lifecycle state of a device authorization.
type DeviceCodeStatus string

const (
	// DeviceStatusPending means the user has not yet decided.
	DeviceStatusPending DeviceCodeStatus = "pending"

	// DeviceStatusAuthorized means the user approved the request.
	DeviceStatusAuthorized DeviceCodeStatus = "authorized"

	// DeviceStatusDenied means the user rejected the request.
	DeviceStatusDenied DeviceCodeStatus = "denied"
)

// DeviceCode is a pending device authorization grant. The device-side
// secret is stored only as a hash; the user code is stored in canonical
// form (uppercase, no separator).
type DeviceCode struct {
	// DeviceCodeHash is the base64url SHA-256 hash of the device code (the key).
	DeviceCodeHash string

	// UserCode is the canonical short code the user types.
	UserCode string

	// ClientID is the requesting client.
	ClientID string

	// Scope is the requested scope string, if any.
	Scope string

	// Status is the current lifecycle state. Transitions are monotonic:
	// pending may move to authorized or denied, after which the record
	// never changes again.
	Status DeviceCodeStatus

	// UserID is the approving user, set when Status becomes authorized.
	UserID string

	// Interval is the minimum time between token polls.
	Interval time.Duration

	// LastPolledAt is when the device last polled the token endpoint.
	LastPolledAt time.Time

	// CreatedAt is when the grant was minted.
	CreatedAt time.Time

	// ExpiresAt is the absolute expiry.
	ExpiresAt time.Time
}

// FailedAttempt tracks consecutive failed login-code attempts per email.
type FailedAttempt struct {
	// Email is the lowercased address the attempts were made against.
	Email string

	// Count is the number of consecutive failures.
	Count int

	// LastAttempt is when the most recent failure happened.
	LastAttempt time.Time

	// LockedUntil is the lockout expiry. Zero means not locked.
	LockedUntil time.Time
}

// RateCounter is a fixed-window request counter.
type RateCounter struct {
	// Key is the scope-qualified subject, e.g. "magic_email:a@b.c".
	Key string

	// Count is the number of requests in the current window.
	Count int

	// WindowStart is when the current window began.
	WindowStart time.Time
}

// AuditEvent is one append-only entry in the security audit trail.
type AuditEvent struct {
	// ID is the backend-assigned event identifier.
	ID string

	// Kind names the security-relevant transition, e.g. "token_exchange".
	Kind string

	// UserID is the affected user, if known.
	UserID string

	// ClientID is the involved client, if known.
	ClientID string

	// IP is the remote address the request came from.
	IP string

	// UserAgent is the requesting user agent.
	UserAgent string

	// Details carries event-specific fields, serialized as JSON.
	Details map[string]any

	// CreatedAt is when the event was recorded.
	CreatedAt time.Time
}

// AuditFilter restricts ListAuditEvents. Zero values match everything.
type AuditFilter struct {
	// Kind filters by event kind.
	Kind string

	// UserID filters by affected user.
	UserID string

	// ClientID filters by involved client.
	ClientID string

	// Limit caps the number of returned events, newest first.
	// Zero means DefaultAuditListLimit.
	Limit int
}

// DefaultAuditListLimit caps audit listings when the filter does not.
const DefaultAuditListLimit = 100

// ClientStore manages registered OAuth clients.
type ClientStore interface {
	// UpsertClient creates or replaces a client registration.
	UpsertClient(ctx context.Context, client *Client) error
	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)
	// ListClients returns all registered clients.
	ListClients(ctx context.Context) ([]*Client, error)
}

// UserStore manages local user accounts.
type UserStore interface {
	// UpsertUserByEmail creates the user on first authentication or
	// refreshes name and avatar on subsequent ones. The stored row is
	// returned.
	UpsertUserByEmail(ctx context.Context, user *User) (*User, error)
	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, userID string) (*User, error)
	// GetUserByEmail retrieves a user by lowercased email.
	GetUserByEmail(ctx context.Context, email string) (*User, error)
}

// AllowlistStore manages the email allowlist gating authentication.
type AllowlistStore interface {
	// AddAllowedEmail adds an email to the allowlist. Idempotent.
	AddAllowedEmail(ctx context.Context, email string) error
	// RemoveAllowedEmail removes an email from the allowlist. Idempotent.
	RemoveAllowedEmail(ctx context.Context, email string) error
	// IsEmailAllowed reports whether the email is on the allowlist.
	IsEmailAllowed(ctx context.Context, email string) (bool, error)
	// ListAllowedEmails returns the allowlist, sorted.
	ListAllowedEmails(ctx context.Context) ([]string, error)
}

// AuthorizationCodeStore manages single-use authorization codes.
type AuthorizationCodeStore interface {
	// CreateAuthorizationCode stores a freshly minted code.
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	// ConsumeAuthorizationCode atomically marks the code used and returns
	// the original row, but only if it was pending, unexpired, and minted
	// for clientID. Every failure mode returns ErrNotFound so that callers
	// cannot tell used, expired, and mismatched apart.
	ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (*AuthorizationCode, error)
	// DeleteExpiredAuthorizationCodes removes expired rows.
	DeleteExpiredAuthorizationCodes(ctx context.Context) (int, error)
}

// RefreshTokenStore manages hashed refresh tokens.
type RefreshTokenStore interface {
	// CreateRefreshToken stores a freshly issued token row.
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	// GetRefreshToken retrieves a token row by hash, revoked or not.
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// RotateRefreshToken atomically revokes the presented token and stores
	// its replacement, returning the revoked row. A token that is already
	// revoked returns ErrTokenRevoked; a missing or expired one returns
	// ErrNotFound.
	RotateRefreshToken(ctx context.Context, oldHash string, replacement *RefreshToken) (*RefreshToken, error)
	// RevokeRefreshToken revokes a single token. Idempotent.
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
	// RevokeRefreshTokenFamily revokes every live token the user holds for
	// the client, returning how many were revoked.
	RevokeRefreshTokenFamily(ctx context.Context, userID, clientID string) (int, error)
	// DeleteExpiredRefreshTokens removes expired rows.
	DeleteExpiredRefreshTokens(ctx context.Context) (int, error)
}

// MagicCodeStore manages emailed login codes.
type MagicCodeStore interface {
	// CreateMagicCode stores a code for the email, replacing any live
	// predecessor so at most one code per address is valid.
	CreateMagicCode(ctx context.Context, code *MagicCode) error
	// ConsumeMagicCode atomically marks the code used and returns the row,
	// but only if it matches, is unexpired, and unused. Every failure mode
	// returns ErrNotFound.
	ConsumeMagicCode(ctx context.Context, email, code string) (*MagicCode, error)
	// DeleteExpiredMagicCodes removes expired rows.
	DeleteExpiredMagicCodes(ctx context.Context) (int, error)
}

// PendingAuthorizationStore manages in-flight federated authorizations.
type PendingAuthorizationStore interface {
	// CreatePendingAuthorization stores a pending request keyed by its
	// internal state token.
	CreatePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error
	// ConsumePendingAuthorization atomically retrieves and deletes the
	// pending request. Expired rows return ErrExpired.
	ConsumePendingAuthorization(ctx context.Context, internalState string) (*PendingAuthorization, error)
	// DeleteExpiredPendingAuthorizations removes expired rows.
	DeleteExpiredPendingAuthorizations(ctx context.Context) (int, error)
}

// DeviceCodeStore manages device authorization grants.
type DeviceCodeStore interface {
	// CreateDeviceCode stores a freshly minted grant. ErrAlreadyExists is
	// returned when a live pending grant already uses the same user code.
	CreateDeviceCode(ctx context.Context, code *DeviceCode) error
	// GetDeviceCodeByUserCode retrieves a grant by canonical user code.
	// Expired rows return ErrExpired.
	GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*DeviceCode, error)
	// SetDeviceCodeStatus moves a pending grant to authorized or denied,
	// recording the deciding user. Terminal grants return ErrAlreadyDecided,
	// expired ones ErrExpired.
	SetDeviceCodeStatus(ctx context.Context, userCode string, status DeviceCodeStatus, userID string) error
	// TouchDeviceCodePoll records a poll against the grant, returning a
	// snapshot of the row and the previous poll time. Expired rows return
	// ErrExpired without updating anything.
	TouchDeviceCodePoll(ctx context.Context, deviceCodeHash string) (*DeviceCode, time.Time, error)
	// ConsumeAuthorizedDeviceCode atomically removes and returns the grant,
	// but only if it is authorized and unexpired. Used by the token
	// endpoint so an approved grant converts to tokens exactly once.
	ConsumeAuthorizedDeviceCode(ctx context.Context, deviceCodeHash string) (*DeviceCode, error)
	// DeleteExpiredDeviceCodes removes expired rows.
	DeleteExpiredDeviceCodes(ctx context.Context) (int, error)
}

// FailedAttemptStore tracks login-code failures for lockout.
type FailedAttemptStore interface {
	// RecordFailedAttempt increments the consecutive-failure count for the
	// email, locking the address for lockDuration once count reaches
	// threshold, all in one transaction. The updated row is returned. A
	// streak older than lockDuration restarts at one.
	RecordFailedAttempt(ctx context.Context, email string, threshold int, lockDuration time.Duration) (*FailedAttempt, error)
	// GetFailedAttempt retrieves the row for an email.
	GetFailedAttempt(ctx context.Context, email string) (*FailedAttempt, error)
	// ClearFailedAttempts removes the row after a successful attempt. Idempotent.
	ClearFailedAttempts(ctx context.Context, email string) error
}

// RateCounterStore provides fixed-window counters for the rate limiter.
type RateCounterStore interface {
	// IncrementRateCounter adds one request to the counter, starting a new
	// window when the stored one has ended. The updated row is returned.
	IncrementRateCounter(ctx context.Context, key string, window time.Duration) (*RateCounter, error)
}

// AuditStore is the append-only security audit trail.
type AuditStore interface {
	// AppendAuditEvent records one event. The backend assigns ID and,
	// when unset, CreatedAt.
	AppendAuditEvent(ctx context.Context, event *AuditEvent) error
	// ListAuditEvents returns events matching the filter, newest first.
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error)
}

// Storage combines every per-ceremony store behind one back end.
type Storage interface {
	ClientStore
	UserStore
	AllowlistStore
	AuthorizationCodeStore
	RefreshTokenStore
	MagicCodeStore
	PendingAuthorizationStore
	DeviceCodeStore
	FailedAttemptStore
	RateCounterStore
	AuditStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases any resources held by the store.
	Close() error
}
