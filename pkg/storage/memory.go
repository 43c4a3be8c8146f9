// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"crypto/subtle"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grovelabs/groveauth/pkg/logger"
)

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

// MemoryStorage implements the Storage interface with in-memory maps.
// This implementation is thread-safe and suitable for development, testing,
// and single-instance deployments. Rows vanish on restart; use the SQLite or
// Redis backend when durability matters.
//
// Single-use rows (authorization codes, magic codes) are retained after
// consumption with their used flag set so that replays keep failing the same
// way until the row expires. Expiry is re-verified on every read; the
// background sweep only reclaims memory.
type MemoryStorage struct {
	mu sync.RWMutex

	// clients maps client_id -> Client. Clients are registered out-of-band
	// and are not subject to TTL-based cleanup.
	clients map[string]*Client

	// users maps user ID -> User. Users represent persistent accounts.
	users map[string]*User

	// usersByEmail maps lowercased email -> user ID for O(1) email lookup.
	usersByEmail map[string]string

	// allowlist is the set of lowercased emails permitted to authenticate.
	allowlist map[string]struct{}

	// authCodes maps authorization code -> row. Codes are one-time-use;
	// consumed rows stay until expiry with Used set.
	authCodes map[string]*timedEntry[*AuthorizationCode]

	// refreshTokens maps token hash -> row. Revoked rows stay until expiry
	// so that replaying a rotated token is detectable.
	refreshTokens map[string]*timedEntry[*RefreshToken]

	// magicCodes maps lowercased email -> row. At most one live code per
	// address; minting replaces the predecessor.
	magicCodes map[string]*timedEntry[*MagicCode]

	// pendingAuthorizations maps internal state -> row, awaiting the
	// upstream identity provider callback.
	pendingAuthorizations map[string]*timedEntry[*PendingAuthorization]

	// deviceCodes maps device code hash -> row.
	deviceCodes map[string]*timedEntry[*DeviceCode]

	// userCodes maps canonical user code -> device code hash for O(1)
	// lookup when the user types the code.
	userCodes map[string]string

	// failedAttempts maps lowercased email -> consecutive-failure row.
	failedAttempts map[string]*FailedAttempt

	// rateCounters maps scope-qualified subject -> fixed-window counter.
	rateCounters map[string]*timedEntry[*RateCounter]

	// auditEvents is the append-only audit trail, oldest first.
	auditEvents []*AuditEvent

	// auditSeq assigns audit event IDs.
	auditSeq int64

	// cleanupInterval is how often the background cleanup runs
	cleanupInterval time.Duration

	// stopCleanup is used to signal the cleanup goroutine to stop
	stopCleanup chan struct{}

	// cleanupDone is closed when the cleanup goroutine has fully stopped
	cleanupDone chan struct{}

	closeOnce sync.Once
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStorage creates a new MemoryStorage instance with initialized maps
// and starts the background cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		clients:               make(map[string]*Client),
		users:                 make(map[string]*User),
		usersByEmail:          make(map[string]string),
		allowlist:             make(map[string]struct{}),
		authCodes:             make(map[string]*timedEntry[*AuthorizationCode]),
		refreshTokens:         make(map[string]*timedEntry[*RefreshToken]),
		magicCodes:            make(map[string]*timedEntry[*MagicCode]),
		pendingAuthorizations: make(map[string]*timedEntry[*PendingAuthorization]),
		deviceCodes:           make(map[string]*timedEntry[*DeviceCode]),
		userCodes:             make(map[string]string),
		failedAttempts:        make(map[string]*FailedAttempt),
		rateCounters:          make(map[string]*timedEntry[*RateCounter]),
		cleanupInterval:       DefaultCleanupInterval,
		stopCleanup:           make(chan struct{}),
		cleanupDone:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Ping is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Ping(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

// cleanupLoop runs periodic cleanup of expired entries.
func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes all expired entries from storage.
// Uses collect-then-delete pattern: collects expired keys under read lock,
// then deletes under write lock. This minimizes write lock hold time.
func (s *MemoryStorage) cleanupExpired() {
	now := time.Now()

	// Phase 1: Collect expired keys under read lock
	s.mu.RLock()

	var expiredAuthCodes []string
	for k, v := range s.authCodes {
		if now.After(v.expiresAt) {
			expiredAuthCodes = append(expiredAuthCodes, k)
		}
	}

	var expiredRefreshTokens []string
	for k, v := range s.refreshTokens {
		if now.After(v.expiresAt) {
			expiredRefreshTokens = append(expiredRefreshTokens, k)
		}
	}

	var expiredMagicCodes []string
	for k, v := range s.magicCodes {
		if now.After(v.expiresAt) {
			expiredMagicCodes = append(expiredMagicCodes, k)
		}
	}

	var expiredPendingAuthorizations []string
	for k, v := range s.pendingAuthorizations {
		if now.After(v.expiresAt) {
			expiredPendingAuthorizations = append(expiredPendingAuthorizations, k)
		}
	}

	var expiredDeviceCodes []string
	for k, v := range s.deviceCodes {
		if now.After(v.expiresAt) {
			expiredDeviceCodes = append(expiredDeviceCodes, k)
		}
	}

	var expiredRateCounters []string
	for k, v := range s.rateCounters {
		if now.After(v.expiresAt) {
			expiredRateCounters = append(expiredRateCounters, k)
		}
	}

	s.mu.RUnlock()

	// Phase 2: Early return if nothing to delete (no write lock needed)
	if len(expiredAuthCodes) == 0 &&
		len(expiredRefreshTokens) == 0 &&
		len(expiredMagicCodes) == 0 &&
		len(expiredPendingAuthorizations) == 0 &&
		len(expiredDeviceCodes) == 0 &&
		len(expiredRateCounters) == 0 {
		return
	}

	// Phase 3: Delete collected keys under write lock
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range expiredAuthCodes {
		delete(s.authCodes, k)
	}

	for _, k := range expiredRefreshTokens {
		delete(s.refreshTokens, k)
	}

	for _, k := range expiredMagicCodes {
		delete(s.magicCodes, k)
	}

	for _, k := range expiredPendingAuthorizations {
		delete(s.pendingAuthorizations, k)
	}

	for _, k := range expiredDeviceCodes {
		if entry, ok := s.deviceCodes[k]; ok {
			// Drop the user code index only if it still points at this row.
			if s.userCodes[entry.value.UserCode] == k {
				delete(s.userCodes, entry.value.UserCode)
			}
			delete(s.deviceCodes, k)
		}
	}

	for _, k := range expiredRateCounters {
		delete(s.rateCounters, k)
	}
}

// -----------------------
// Defensive copies
// -----------------------

func cloneClient(c *Client) *Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.AllowedOrigins = slices.Clone(c.AllowedOrigins)
	return &cp
}

func cloneUser(u *User) *User {
	cp := *u
	return &cp
}

func cloneAuthorizationCode(c *AuthorizationCode) *AuthorizationCode {
	cp := *c
	return &cp
}

func cloneRefreshToken(t *RefreshToken) *RefreshToken {
	cp := *t
	return &cp
}

func cloneMagicCode(c *MagicCode) *MagicCode {
	cp := *c
	return &cp
}

func clonePendingAuthorization(p *PendingAuthorization) *PendingAuthorization {
	cp := *p
	return &cp
}

func cloneDeviceCode(d *DeviceCode) *DeviceCode {
	cp := *d
	return &cp
}

func cloneFailedAttempt(f *FailedAttempt) *FailedAttempt {
	cp := *f
	return &cp
}

func cloneAuditEvent(e *AuditEvent) *AuditEvent {
	cp := *e
	if e.Details != nil {
		cp.Details = maps.Clone(e.Details)
	}
	return &cp
}

// -----------------------
// ClientStore
// -----------------------

// UpsertClient creates or replaces a client registration.
func (s *MemoryStorage) UpsertClient(_ context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ID] = cloneClient(client)
	return nil
}

// GetClient loads the client by its ID.
func (s *MemoryStorage) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		logger.Debugw("client not found", "client_id", clientID)
		return nil, fmt.Errorf("%w: client not found", ErrNotFound)
	}
	return cloneClient(client), nil
}

// ListClients returns all registered clients, sorted by ID.
func (s *MemoryStorage) ListClients(_ context.Context) ([]*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, cloneClient(c))
	}
	slices.SortFunc(clients, func(a, b *Client) int {
		return strings.Compare(a.ID, b.ID)
	})
	return clients, nil
}

// -----------------------
// UserStore
// -----------------------

// UpsertUserByEmail creates the user on first authentication or refreshes
// name, avatar, and admin flag on subsequent ones.
func (s *MemoryStorage) UpsertUserByEmail(_ context.Context, user *User) (*User, error) {
	if user == nil || user.Email == "" {
		return nil, fmt.Errorf("user email is required")
	}

	email := NormalizeEmail(user.Email)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.usersByEmail[email]; ok {
		existing := s.users[id]
		existing.Name = user.Name
		existing.AvatarURL = user.AvatarURL
		existing.IsAdmin = user.IsAdmin
		existing.UpdatedAt = now
		return cloneUser(existing), nil
	}

	created := cloneUser(user)
	created.Email = email
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	created.CreatedAt = now
	created.UpdatedAt = now

	s.users[created.ID] = created
	s.usersByEmail[email] = created.ID
	return cloneUser(created), nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user does not exist.
func (s *MemoryStorage) GetUser(_ context.Context, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user not found", ErrNotFound)
	}
	return cloneUser(user), nil
}

// GetUserByEmail retrieves a user by lowercased email.
// Returns ErrNotFound if the user does not exist.
func (s *MemoryStorage) GetUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[NormalizeEmail(email)]
	if !ok {
		return nil, fmt.Errorf("%w: user not found", ErrNotFound)
	}
	return cloneUser(s.users[id]), nil
}

// -----------------------
// AllowlistStore
// -----------------------

// AddAllowedEmail adds an email to the allowlist. Idempotent.
func (s *MemoryStorage) AddAllowedEmail(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.allowlist[NormalizeEmail(email)] = struct{}{}
	return nil
}

// RemoveAllowedEmail removes an email from the allowlist. Idempotent.
func (s *MemoryStorage) RemoveAllowedEmail(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.allowlist, NormalizeEmail(email))
	return nil
}

// IsEmailAllowed reports whether the email is on the allowlist.
func (s *MemoryStorage) IsEmailAllowed(_ context.Context, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.allowlist[NormalizeEmail(email)]
	return ok, nil
}

// ListAllowedEmails returns the allowlist, sorted.
func (s *MemoryStorage) ListAllowedEmails(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	emails := make([]string, 0, len(s.allowlist))
	for email := range s.allowlist {
		emails = append(emails, email)
	}
	slices.Sort(emails)
	return emails, nil
}

// -----------------------
// AuthorizationCodeStore
// -----------------------

// CreateAuthorizationCode stores a freshly minted code.
func (s *MemoryStorage) CreateAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authCodes[code.Code]; ok {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}

	s.authCodes[code.Code] = &timedEntry[*AuthorizationCode]{
		value:     cloneAuthorizationCode(code),
		createdAt: code.CreatedAt,
		expiresAt: code.ExpiresAt,
	}
	return nil
}

// ConsumeAuthorizationCode atomically marks the code used and returns the
// original row. Used, expired, and mismatched codes all fail with
// ErrNotFound so callers cannot tell them apart.
func (s *MemoryStorage) ConsumeAuthorizationCode(_ context.Context, code, clientID string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authCodes[code]
	if !ok || entry.value.Used || entry.value.ClientID != clientID || time.Now().After(entry.expiresAt) {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}

	entry.value.Used = true
	return cloneAuthorizationCode(entry.value), nil
}

// DeleteExpiredAuthorizationCodes removes expired rows.
func (s *MemoryStorage) DeleteExpiredAuthorizationCodes(_ context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for k, v := range s.authCodes {
		if now.After(v.expiresAt) {
			delete(s.authCodes, k)
			deleted++
		}
	}
	return deleted, nil
}

// -----------------------
// RefreshTokenStore
// -----------------------

// CreateRefreshToken stores a freshly issued token row.
func (s *MemoryStorage) CreateRefreshToken(_ context.Context, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[token.TokenHash]; ok {
		return fmt.Errorf("%w: refresh token", ErrAlreadyExists)
	}

	s.refreshTokens[token.TokenHash] = &timedEntry[*RefreshToken]{
		value:     cloneRefreshToken(token),
		createdAt: token.CreatedAt,
		expiresAt: token.ExpiresAt,
	}
	return nil
}

// GetRefreshToken retrieves a token row by hash, revoked or not.
func (s *MemoryStorage) GetRefreshToken(_ context.Context, tokenHash string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.refreshTokens[tokenHash]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	return cloneRefreshToken(entry.value), nil
}

// RotateRefreshToken atomically revokes the presented token and stores its
// replacement. Presenting an already-revoked token returns ErrTokenRevoked
// so the caller can treat it as a replay.
func (s *MemoryStorage) RotateRefreshToken(_ context.Context, oldHash string, replacement *RefreshToken) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.refreshTokens[oldHash]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}

	if entry.value.Revoked {
		return nil, fmt.Errorf("%w: refresh token already rotated", ErrTokenRevoked)
	}

	entry.value.Revoked = true

	s.refreshTokens[replacement.TokenHash] = &timedEntry[*RefreshToken]{
		value:     cloneRefreshToken(replacement),
		createdAt: replacement.CreatedAt,
		expiresAt: replacement.ExpiresAt,
	}
	return cloneRefreshToken(entry.value), nil
}

// RevokeRefreshToken revokes a single token. Idempotent.
func (s *MemoryStorage) RevokeRefreshToken(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.refreshTokens[tokenHash]; ok {
		entry.value.Revoked = true
	}
	return nil
}

// RevokeRefreshTokenFamily revokes every live token the user holds for the
// client, returning how many were revoked.
func (s *MemoryStorage) RevokeRefreshTokenFamily(_ context.Context, userID, clientID string) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, entry := range s.refreshTokens {
		t := entry.value
		if t.UserID == userID && t.ClientID == clientID && !t.Revoked && !now.After(entry.expiresAt) {
			t.Revoked = true
			revoked++
		}
	}
	return revoked, nil
}

// DeleteExpiredRefreshTokens removes expired rows.
func (s *MemoryStorage) DeleteExpiredRefreshTokens(_ context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for k, v := range s.refreshTokens {
		if now.After(v.expiresAt) {
			delete(s.refreshTokens, k)
			deleted++
		}
	}
	return deleted, nil
}

// -----------------------
// MagicCodeStore
// -----------------------

// CreateMagicCode stores a code for the email, replacing any live
// predecessor so at most one code per address is valid.
func (s *MemoryStorage) CreateMagicCode(_ context.Context, code *MagicCode) error {
	email := NormalizeEmail(code.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneMagicCode(code)
	stored.Email = email
	s.magicCodes[email] = &timedEntry[*MagicCode]{
		value:     stored,
		createdAt: code.CreatedAt,
		expiresAt: code.ExpiresAt,
	}
	return nil
}

// ConsumeMagicCode atomically marks the code used and returns the row.
// Wrong, expired, and already-used codes all fail with ErrNotFound.
func (s *MemoryStorage) ConsumeMagicCode(_ context.Context, email, code string) (*MagicCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.magicCodes[NormalizeEmail(email)]
	if !ok || entry.value.Used || time.Now().After(entry.expiresAt) {
		return nil, fmt.Errorf("%w: magic code", ErrNotFound)
	}
	if subtle.ConstantTimeCompare([]byte(entry.value.Code), []byte(code)) != 1 {
		return nil, fmt.Errorf("%w: magic code", ErrNotFound)
	}

	entry.value.Used = true
	return cloneMagicCode(entry.value), nil
}

// DeleteExpiredMagicCodes removes expired rows.
func (s *MemoryStorage) DeleteExpiredMagicCodes(_ context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for k, v := range s.magicCodes {
		if now.After(v.expiresAt) {
			delete(s.magicCodes, k)
			deleted++
		}
	}
	return deleted, nil
}

// -----------------------
// PendingAuthorizationStore
// -----------------------

// CreatePendingAuthorization stores a pending request keyed by its internal
// state token.
func (s *MemoryStorage) CreatePendingAuthorization(_ context.Context, pending *PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pendingAuthorizations[pending.InternalState]; ok {
		return fmt.Errorf("%w: pending authorization", ErrAlreadyExists)
	}

	s.pendingAuthorizations[pending.InternalState] = &timedEntry[*PendingAuthorization]{
		value:     clonePendingAuthorization(pending),
		createdAt: pending.CreatedAt,
		expiresAt: pending.ExpiresAt,
	}
	return nil
}

// ConsumePendingAuthorization atomically retrieves and deletes the pending
// request.
func (s *MemoryStorage) ConsumePendingAuthorization(_ context.Context, internalState string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pendingAuthorizations[internalState]
	if !ok {
		return nil, fmt.Errorf("%w: pending authorization", ErrNotFound)
	}

	delete(s.pendingAuthorizations, internalState)

	if time.Now().After(entry.expiresAt) {
		return nil, ErrExpired
	}
	return clonePendingAuthorization(entry.value), nil
}

// DeleteExpiredPendingAuthorizations removes expired rows.
func (s *MemoryStorage) DeleteExpiredPendingAuthorizations(_ context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for k, v := range s.pendingAuthorizations {
		if now.After(v.expiresAt) {
			delete(s.pendingAuthorizations, k)
			deleted++
		}
	}
	return deleted, nil
}

// -----------------------
// DeviceCodeStore
// -----------------------

// CreateDeviceCode stores a freshly minted grant. A live pending grant
// already using the same user code fails with ErrAlreadyExists so the
// caller can retry with a fresh code.
func (s *MemoryStorage) CreateDeviceCode(_ context.Context, code *DeviceCode) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deviceCodes[code.DeviceCodeHash]; ok {
		return fmt.Errorf("%w: device code", ErrAlreadyExists)
	}

	if hash, ok := s.userCodes[code.UserCode]; ok {
		if entry, live := s.deviceCodes[hash]; live && !now.After(entry.expiresAt) && entry.value.Status == DeviceStatusPending {
			return fmt.Errorf("%w: user code in use", ErrAlreadyExists)
		}
	}

	s.deviceCodes[code.DeviceCodeHash] = &timedEntry[*DeviceCode]{
		value:     cloneDeviceCode(code),
		createdAt: code.CreatedAt,
		expiresAt: code.ExpiresAt,
	}
	s.userCodes[code.UserCode] = code.DeviceCodeHash
	return nil
}

// GetDeviceCodeByUserCode retrieves a grant by canonical user code.
func (s *MemoryStorage) GetDeviceCodeByUserCode(_ context.Context, userCode string) (*DeviceCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash, ok := s.userCodes[userCode]
	if !ok {
		return nil, fmt.Errorf("%w: device code", ErrNotFound)
	}
	entry, ok := s.deviceCodes[hash]
	if !ok {
		return nil, fmt.Errorf("%w: device code", ErrNotFound)
	}
	if time.Now().After(entry.expiresAt) {
		return nil, ErrExpired
	}
	return cloneDeviceCode(entry.value), nil
}

// SetDeviceCodeStatus moves a pending grant to authorized or denied.
// Terminal states are absorbing.
func (s *MemoryStorage) SetDeviceCodeStatus(_ context.Context, userCode string, status DeviceCodeStatus, userID string) error {
	if status != DeviceStatusAuthorized && status != DeviceStatusDenied {
		return fmt.Errorf("invalid device code status transition to %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash, ok := s.userCodes[userCode]
	if !ok {
		return fmt.Errorf("%w: device code", ErrNotFound)
	}
	entry, ok := s.deviceCodes[hash]
	if !ok {
		return fmt.Errorf("%w: device code", ErrNotFound)
	}
	if time.Now().After(entry.expiresAt) {
		return ErrExpired
	}
	if entry.value.Status != DeviceStatusPending {
		return ErrAlreadyDecided
	}

	entry.value.Status = status
	if status == DeviceStatusAuthorized {
		entry.value.UserID = userID
	}
	return nil
}

// TouchDeviceCodePoll records a poll against the grant, returning a snapshot
// of the row and the previous poll time.
func (s *MemoryStorage) TouchDeviceCodePoll(_ context.Context, deviceCodeHash string) (*DeviceCode, time.Time, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.deviceCodes[deviceCodeHash]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: device code", ErrNotFound)
	}
	if now.After(entry.expiresAt) {
		return nil, time.Time{}, ErrExpired
	}

	previous := entry.value.LastPolledAt
	entry.value.LastPolledAt = now
	return cloneDeviceCode(entry.value), previous, nil
}

// ConsumeAuthorizedDeviceCode atomically removes and returns the grant, but
// only if it is authorized and unexpired. Anything else fails with
// ErrNotFound so concurrent polls cannot double-redeem.
func (s *MemoryStorage) ConsumeAuthorizedDeviceCode(_ context.Context, deviceCodeHash string) (*DeviceCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.deviceCodes[deviceCodeHash]
	if !ok || entry.value.Status != DeviceStatusAuthorized || time.Now().After(entry.expiresAt) {
		return nil, fmt.Errorf("%w: device code", ErrNotFound)
	}

	if s.userCodes[entry.value.UserCode] == deviceCodeHash {
		delete(s.userCodes, entry.value.UserCode)
	}
	delete(s.deviceCodes, deviceCodeHash)
	return cloneDeviceCode(entry.value), nil
}

// DeleteExpiredDeviceCodes removes expired rows and their user code index
// entries.
func (s *MemoryStorage) DeleteExpiredDeviceCodes(_ context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for k, v := range s.deviceCodes {
		if now.After(v.expiresAt) {
			if s.userCodes[v.value.UserCode] == k {
				delete(s.userCodes, v.value.UserCode)
			}
			delete(s.deviceCodes, k)
			deleted++
		}
	}
	return deleted, nil
}

// -----------------------
// FailedAttemptStore
// -----------------------

// RecordFailedAttempt increments the consecutive-failure count for the
// email, locking the address once count reaches threshold. A streak older
// than lockDuration restarts at one.
func (s *MemoryStorage) RecordFailedAttempt(_ context.Context, email string, threshold int, lockDuration time.Duration) (*FailedAttempt, error) {
	email = NormalizeEmail(email)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.failedAttempts[email]
	if !ok {
		row = &FailedAttempt{Email: email}
		s.failedAttempts[email] = row
	} else if now.Sub(row.LastAttempt) > lockDuration {
		row.Count = 0
		row.LockedUntil = time.Time{}
	}

	row.Count++
	row.LastAttempt = now
	if row.Count >= threshold {
		row.LockedUntil = now.Add(lockDuration)
	}
	return cloneFailedAttempt(row), nil
}

// GetFailedAttempt retrieves the row for an email.
func (s *MemoryStorage) GetFailedAttempt(_ context.Context, email string) (*FailedAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.failedAttempts[NormalizeEmail(email)]
	if !ok {
		return nil, fmt.Errorf("%w: failed attempt record", ErrNotFound)
	}
	return cloneFailedAttempt(row), nil
}

// ClearFailedAttempts removes the row after a successful attempt. Idempotent.
func (s *MemoryStorage) ClearFailedAttempts(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.failedAttempts, NormalizeEmail(email))
	return nil
}

// -----------------------
// RateCounterStore
// -----------------------

// IncrementRateCounter adds one request to the counter, starting a new
// window when the stored one has ended.
func (s *MemoryStorage) IncrementRateCounter(_ context.Context, key string, window time.Duration) (*RateCounter, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.rateCounters[key]
	if !ok || now.Sub(entry.value.WindowStart) >= window {
		counter := &RateCounter{Key: key, Count: 1, WindowStart: now}
		s.rateCounters[key] = &timedEntry[*RateCounter]{
			value:     counter,
			createdAt: now,
			expiresAt: now.Add(window),
		}
		cp := *counter
		return &cp, nil
	}

	entry.value.Count++
	cp := *entry.value
	return &cp, nil
}

// -----------------------
// AuditStore
// -----------------------

// AppendAuditEvent records one event, assigning a sequential ID.
func (s *MemoryStorage) AppendAuditEvent(_ context.Context, event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditSeq++
	stored := cloneAuditEvent(event)
	stored.ID = strconv.FormatInt(s.auditSeq, 10)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.auditEvents = append(s.auditEvents, stored)
	return nil
}

// ListAuditEvents returns events matching the filter, newest first.
func (s *MemoryStorage) ListAuditEvents(_ context.Context, filter AuditFilter) ([]*AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultAuditListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*AuditEvent, 0, limit)
	for i := len(s.auditEvents) - 1; i >= 0 && len(events) < limit; i-- {
		e := s.auditEvents[i]
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.ClientID != "" && e.ClientID != filter.ClientID {
			continue
		}
		events = append(events, cloneAuditEvent(e))
	}
	return events, nil
}

// -----------------------
// Test support
// -----------------------

// MemoryStats reports entry counts for each map. Useful in tests to verify
// cleanup behavior.
type MemoryStats struct {
	Clients               int
	Users                 int
	AllowedEmails         int
	AuthorizationCodes    int
	RefreshTokens         int
	MagicCodes            int
	PendingAuthorizations int
	DeviceCodes           int
	FailedAttempts        int
	RateCounters          int
	AuditEvents           int
}

// Stats returns current entry counts.
func (s *MemoryStorage) Stats() MemoryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return MemoryStats{
		Clients:               len(s.clients),
		Users:                 len(s.users),
		AllowedEmails:         len(s.allowlist),
		AuthorizationCodes:    len(s.authCodes),
		RefreshTokens:         len(s.refreshTokens),
		MagicCodes:            len(s.magicCodes),
		PendingAuthorizations: len(s.pendingAuthorizations),
		DeviceCodes:           len(s.deviceCodes),
		FailedAttempts:        len(s.failedAttempts),
		RateCounters:          len(s.rateCounters),
		AuditEvents:           len(s.auditEvents),
	}
}

// Compile-time interface compliance checks
var (
	_ Storage                   = (*MemoryStorage)(nil)
	_ AuthorizationCodeStore    = (*MemoryStorage)(nil)
	_ RefreshTokenStore         = (*MemoryStorage)(nil)
	_ DeviceCodeStore           = (*MemoryStorage)(nil)
	_ PendingAuthorizationStore = (*MemoryStorage)(nil)
)
