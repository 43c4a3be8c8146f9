// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces all keys written by this service.
const DefaultKeyPrefix = "groveauth:"

// Key type segments. Row keys look like "<prefix><type>:<id>".
const (
	keyTypeClient   = "client"
	keyTypeUser     = "user"
	keyTypeEmail    = "user:email"
	keyTypeAuthCode = "authcode"
	keyTypeRefresh  = "refresh"
	keyTypeFamily   = "refresh:family"
	keyTypeMagic    = "magic"
	keyTypePending  = "pending"
	keyTypeDevice   = "device"
	keyTypeUserCode = "device:usercode"
	keyTypeFailed   = "failed"
	keyTypeRate     = "rate"
)

// Singleton keys without a per-row id.
const (
	keyAllowlist   = "allowlist"
	keyClientIndex = "clients"
	keyAuditLog    = "audit:log"
	keyAuditSeq    = "audit:seq"
)

// auditPageSize bounds how many audit entries each LRANGE pulls while
// filtering.
const auditPageSize = 256

// RedisStorage implements the Storage interface on a Redis backend,
// enabling horizontal scaling across service replicas. Expiring rows carry
// a Redis TTL, so the DeleteExpired sweeps are no-ops here.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStorage connects to the Redis instance at redisURL
// (redis://... or rediss://...) and verifies connectivity before returning.
func NewRedisStorage(ctx context.Context, redisURL, keyPrefix string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Apply defaults
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
	}, nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured
// client. This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func redisKey(prefix, keyType, id string) string {
	return prefix + keyType + ":" + id
}

// ttlUntil converts an absolute expiry into a Redis TTL. Rows that are
// already past expiry get a minimal TTL so the write still succeeds and the
// key vanishes immediately after.
func ttlUntil(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return time.Millisecond
	}
	return ttl
}

func redisToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func redisFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// -----------------------
// ClientStore
// -----------------------

// storedClient is the serializable wrapper for Client rows.
type storedClient struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	SecretHash     string   `json:"secret_hash"`
	RedirectURIs   []string `json:"redirect_uris"`
	AllowedOrigins []string `json:"allowed_origins"`
	Domain         string   `json:"domain"`
	Internal       bool     `json:"internal"`
}

// UpsertClient creates or replaces a client registration.
func (s *RedisStorage) UpsertClient(ctx context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client ID is required")
	}

	key := redisKey(s.keyPrefix, keyTypeClient, client.ID)
	data, err := json.Marshal(storedClient{
		ID:             client.ID,
		Name:           client.Name,
		SecretHash:     client.SecretHash,
		RedirectURIs:   slices.Clone(client.RedirectURIs),
		AllowedOrigins: slices.Clone(client.AllowedOrigins),
		Domain:         client.Domain,
		Internal:       client.Internal,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	// Clients don't expire (TTL=0).
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}

	// Index for ListClients. If the index write fails, delete the row so
	// it never becomes unlisted.
	indexKey := s.keyPrefix + keyClientIndex
	if err := s.client.SAdd(ctx, indexKey, client.ID).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return fmt.Errorf("failed to index client: %w", err)
	}
	return nil
}

// GetClient loads the client by its ID.
func (s *RedisStorage) GetClient(ctx context.Context, clientID string) (*Client, error) {
	key := redisKey(s.keyPrefix, keyTypeClient, clientID)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: client not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var stored storedClient
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return clientFromStored(&stored), nil
}

// ListClients returns all registered clients, sorted by ID.
func (s *RedisStorage) ListClients(ctx context.Context) ([]*Client, error) {
	indexKey := s.keyPrefix + keyClientIndex
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list client IDs: %w", err)
	}
	slices.Sort(ids)

	var clients []*Client
	for _, id := range ids {
		client, err := s.GetClient(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Row was deleted independently, clean up the index.
			_ = s.client.SRem(ctx, indexKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, nil
}

func clientFromStored(stored *storedClient) *Client {
	return &Client{
		ID:             stored.ID,
		Name:           stored.Name,
		SecretHash:     stored.SecretHash,
		RedirectURIs:   stored.RedirectURIs,
		AllowedOrigins: stored.AllowedOrigins,
		Domain:         stored.Domain,
		Internal:       stored.Internal,
	}
}

// -----------------------
// UserStore
// -----------------------

// storedUser is the serializable wrapper for User rows.
type storedUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	Provider  string `json:"provider"`
	IsAdmin   bool   `json:"is_admin"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// UpsertUserByEmail creates the user on first authentication or refreshes
// name, avatar, and admin flag on subsequent ones. The email index is
// claimed with SetNX so concurrent first sign-ins mint exactly one account.
func (s *RedisStorage) UpsertUserByEmail(ctx context.Context, user *User) (*User, error) {
	if user == nil || user.Email == "" {
		return nil, fmt.Errorf("user email is required")
	}

	email := NormalizeEmail(user.Email)
	emailKey := redisKey(s.keyPrefix, keyTypeEmail, email)
	now := time.Now()

	created := &User{
		ID:        user.ID,
		Email:     email,
		Name:      user.Name,
		AvatarURL: user.AvatarURL,
		Provider:  user.Provider,
		IsAdmin:   user.IsAdmin,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if created.ID == "" {
		created.ID = uuid.NewString()
	}

	// Users don't expire (TTL=0).
	claimed, err := s.client.SetNX(ctx, emailKey, created.ID, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim email: %w", err)
	}
	if claimed {
		if err := s.setUser(ctx, created); err != nil {
			// Compensating transaction: release the email claim.
			_ = s.client.Del(ctx, emailKey).Err()
			return nil, err
		}
		return created, nil
	}

	userID, err := s.client.Get(ctx, emailKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve email: %w", err)
	}
	existing, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	// First-authentication provenance (Provider, CreatedAt) is preserved.
	existing.Name = user.Name
	existing.AvatarURL = user.AvatarURL
	existing.IsAdmin = user.IsAdmin
	existing.UpdatedAt = now
	if err := s.setUser(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// GetUser retrieves a user by ID.
func (s *RedisStorage) GetUser(ctx context.Context, userID string) (*User, error) {
	key := redisKey(s.keyPrefix, keyTypeUser, userID)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: user not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var stored storedUser
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return userFromStored(&stored), nil
}

// GetUserByEmail retrieves a user by lowercased email.
func (s *RedisStorage) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	emailKey := redisKey(s.keyPrefix, keyTypeEmail, NormalizeEmail(email))

	userID, err := s.client.Get(ctx, emailKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: user not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve email: %w", err)
	}
	return s.GetUser(ctx, userID)
}

func (s *RedisStorage) setUser(ctx context.Context, user *User) error {
	data, err := json.Marshal(storedUser{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		AvatarURL: user.AvatarURL,
		Provider:  user.Provider,
		IsAdmin:   user.IsAdmin,
		CreatedAt: redisToMillis(user.CreatedAt),
		UpdatedAt: redisToMillis(user.UpdatedAt),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	key := redisKey(s.keyPrefix, keyTypeUser, user.ID)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}
	return nil
}

func userFromStored(stored *storedUser) *User {
	return &User{
		ID:        stored.ID,
		Email:     stored.Email,
		Name:      stored.Name,
		AvatarURL: stored.AvatarURL,
		Provider:  stored.Provider,
		IsAdmin:   stored.IsAdmin,
		CreatedAt: redisFromMillis(stored.CreatedAt),
		UpdatedAt: redisFromMillis(stored.UpdatedAt),
	}
}

// -----------------------
// AllowlistStore
// -----------------------

// AddAllowedEmail adds an email to the allowlist. Idempotent.
func (s *RedisStorage) AddAllowedEmail(ctx context.Context, email string) error {
	key := s.keyPrefix + keyAllowlist
	if err := s.client.SAdd(ctx, key, NormalizeEmail(email)).Err(); err != nil {
		return fmt.Errorf("failed to add allowed email: %w", err)
	}
	return nil
}

// RemoveAllowedEmail removes an email from the allowlist. Idempotent.
func (s *RedisStorage) RemoveAllowedEmail(ctx context.Context, email string) error {
	key := s.keyPrefix + keyAllowlist
	if err := s.client.SRem(ctx, key, NormalizeEmail(email)).Err(); err != nil {
		return fmt.Errorf("failed to remove allowed email: %w", err)
	}
	return nil
}

// IsEmailAllowed reports whether the email is on the allowlist.
func (s *RedisStorage) IsEmailAllowed(ctx context.Context, email string) (bool, error) {
	key := s.keyPrefix + keyAllowlist
	allowed, err := s.client.SIsMember(ctx, key, NormalizeEmail(email)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check allowlist: %w", err)
	}
	return allowed, nil
}

// ListAllowedEmails returns the allowlist, sorted.
func (s *RedisStorage) ListAllowedEmails(ctx context.Context) ([]string, error) {
	key := s.keyPrefix + keyAllowlist
	emails, err := s.client.SMembers(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list allowlist: %w", err)
	}
	slices.Sort(emails)
	return emails, nil
}

// -----------------------
// AuthorizationCodeStore
// -----------------------

// storedAuthorizationCode is the serializable wrapper for code rows. The
// code itself lives in the key.
type storedAuthorizationCode struct {
	ClientID        string `json:"client_id"`
	UserID          string `json:"user_id"`
	RedirectURI     string `json:"redirect_uri"`
	CodeChallenge   string `json:"code_challenge"`
	ChallengeMethod string `json:"challenge_method"`
	CreatedAt       int64  `json:"created_at"`
	ExpiresAt       int64  `json:"expires_at"`
}

// consumeAuthCodeScript atomically deletes the code row, but only when the
// presenting client matches. A mismatch leaves the row untouched so the
// legitimate client can still redeem it, and returns nothing, which reads
// exactly like a missing code.
var consumeAuthCodeScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return false
end
local code = cjson.decode(data)
if code.client_id ~= ARGV[1] then
	return false
end
redis.call('DEL', KEYS[1])
return data
`)

// CreateAuthorizationCode stores a freshly minted code.
func (s *RedisStorage) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	key := redisKey(s.keyPrefix, keyTypeAuthCode, code.Code)
	data, err := json.Marshal(storedAuthorizationCode{
		ClientID:        code.ClientID,
		UserID:          code.UserID,
		RedirectURI:     code.RedirectURI,
		CodeChallenge:   code.CodeChallenge,
		ChallengeMethod: code.ChallengeMethod,
		CreatedAt:       redisToMillis(code.CreatedAt),
		ExpiresAt:       redisToMillis(code.ExpiresAt),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	stored, err := s.client.SetNX(ctx, key, data, ttlUntil(code.ExpiresAt)).Result()
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	if !stored {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	return nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes the code. Used,
// expired, and client-mismatched codes all fail with the same ErrNotFound.
func (s *RedisStorage) ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (*AuthorizationCode, error) {
	key := redisKey(s.keyPrefix, keyTypeAuthCode, code)

	data, err := consumeAuthCodeScript.Run(ctx, s.client, []string{key}, clientID).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	var stored storedAuthorizationCode
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &AuthorizationCode{
		Code:            code,
		ClientID:        stored.ClientID,
		UserID:          stored.UserID,
		RedirectURI:     stored.RedirectURI,
		CodeChallenge:   stored.CodeChallenge,
		ChallengeMethod: stored.ChallengeMethod,
		Used:            true,
		CreatedAt:       redisFromMillis(stored.CreatedAt),
		ExpiresAt:       redisFromMillis(stored.ExpiresAt),
	}, nil
}

// DeleteExpiredAuthorizationCodes is a no-op: Redis expires code rows
// through their key TTL.
func (*RedisStorage) DeleteExpiredAuthorizationCodes(context.Context) (int, error) {
	return 0, nil
}

// -----------------------
// RefreshTokenStore
// -----------------------

// storedRefreshToken is the serializable wrapper for token rows. The token
// hash lives in the key.
type storedRefreshToken struct {
	UserID    string `json:"user_id"`
	ClientID  string `json:"client_id"`
	Revoked   bool   `json:"revoked"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// rotateRefreshTokenScript revokes the presented token and stores its
// replacement in one atomic step. The revoked row keeps its remaining TTL
// so a later replay of the same token is still detectable.
// Returns 0 when the token is missing, 1 when it was already revoked, and
// the original row otherwise.
var rotateRefreshTokenScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return 0
end
local token = cjson.decode(data)
if token.revoked then
	return 1
end
token.revoked = true
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], cjson.encode(token), 'PX', ttl)
else
	redis.call('SET', KEYS[1], cjson.encode(token))
end
redis.call('SET', KEYS[2], ARGV[1], 'PX', tonumber(ARGV[2]))
redis.call('SADD', KEYS[3], ARGV[3])
redis.call('PEXPIRE', KEYS[3], tonumber(ARGV[2]))
return data
`)

// revokeRefreshTokenScript marks a token revoked, preserving its TTL.
// Returns 1 when a live token was revoked, 0 when it was missing or already
// revoked.
var revokeRefreshTokenScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return 0
end
local token = cjson.decode(data)
if token.revoked then
	return 0
end
token.revoked = true
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], cjson.encode(token), 'PX', ttl)
else
	redis.call('SET', KEYS[1], cjson.encode(token))
end
return 1
`)

func familyKey(prefix, userID, clientID string) string {
	return redisKey(prefix, keyTypeFamily, userID+":"+clientID)
}

// CreateRefreshToken stores a freshly issued token row.
func (s *RedisStorage) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	key := redisKey(s.keyPrefix, keyTypeRefresh, token.TokenHash)
	data, err := marshalRefreshToken(token)
	if err != nil {
		return err
	}

	ttl := ttlUntil(token.ExpiresAt)
	stored, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	if !stored {
		return fmt.Errorf("%w: refresh token", ErrAlreadyExists)
	}

	// Secondary index for family revocation. The index TTL tracks the
	// newest member so it never outlives the family. If the index write
	// fails, delete the token to prevent an unrevokable orphan.
	famKey := familyKey(s.keyPrefix, token.UserID, token.ClientID)
	if err := s.client.SAdd(ctx, famKey, token.TokenHash).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return fmt.Errorf("failed to index refresh token: %w", err)
	}
	if err := s.client.Expire(ctx, famKey, ttl).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		_ = s.client.SRem(ctx, famKey, token.TokenHash).Err()
		return fmt.Errorf("failed to expire token index: %w", err)
	}
	return nil
}

// GetRefreshToken retrieves a token row by hash, revoked or not.
func (s *RedisStorage) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	key := redisKey(s.keyPrefix, keyTypeRefresh, tokenHash)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return unmarshalRefreshToken(tokenHash, data)
}

// RotateRefreshToken atomically revokes the presented token and stores its
// replacement. Presenting an already-revoked token returns ErrTokenRevoked
// so the caller can treat it as a replay.
func (s *RedisStorage) RotateRefreshToken(ctx context.Context, oldHash string, replacement *RefreshToken) (*RefreshToken, error) {
	oldKey := redisKey(s.keyPrefix, keyTypeRefresh, oldHash)
	newKey := redisKey(s.keyPrefix, keyTypeRefresh, replacement.TokenHash)
	famKey := familyKey(s.keyPrefix, replacement.UserID, replacement.ClientID)

	data, err := marshalRefreshToken(replacement)
	if err != nil {
		return nil, err
	}
	ttl := ttlUntil(replacement.ExpiresAt)

	result, err := rotateRefreshTokenScript.Run(ctx, s.client,
		[]string{oldKey, newKey, famKey},
		data, ttl.Milliseconds(), replacement.TokenHash,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	switch v := result.(type) {
	case int64:
		if v == 1 {
			return nil, fmt.Errorf("%w: refresh token already rotated", ErrTokenRevoked)
		}
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	case string:
		old, err := unmarshalRefreshToken(oldHash, []byte(v))
		if err != nil {
			return nil, err
		}
		old.Revoked = true
		return old, nil
	default:
		return nil, fmt.Errorf("unexpected rotate script result %T", result)
	}
}

// RevokeRefreshToken revokes a single token. Idempotent.
func (s *RedisStorage) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	key := redisKey(s.keyPrefix, keyTypeRefresh, tokenHash)
	if err := revokeRefreshTokenScript.Run(ctx, s.client, []string{key}).Err(); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeRefreshTokenFamily revokes every live token the user holds for the
// client, returning how many were revoked.
func (s *RedisStorage) RevokeRefreshTokenFamily(ctx context.Context, userID, clientID string) (int, error) {
	famKey := familyKey(s.keyPrefix, userID, clientID)
	hashes, err := s.client.SMembers(ctx, famKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to list token family: %w", err)
	}

	revoked := 0
	for _, hash := range hashes {
		key := redisKey(s.keyPrefix, keyTypeRefresh, hash)
		flipped, err := revokeRefreshTokenScript.Run(ctx, s.client, []string{key}).Int()
		if err != nil {
			return revoked, fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		if flipped == 1 {
			revoked++
			continue
		}
		// Expired members leave stale index entries, clean them up lazily.
		exists, err := s.client.Exists(ctx, key).Result()
		if err == nil && exists == 0 {
			_ = s.client.SRem(ctx, famKey, hash).Err()
		}
	}
	return revoked, nil
}

// DeleteExpiredRefreshTokens is a no-op: Redis expires token rows through
// their key TTL.
func (*RedisStorage) DeleteExpiredRefreshTokens(context.Context) (int, error) {
	return 0, nil
}

func marshalRefreshToken(token *RefreshToken) ([]byte, error) {
	data, err := json.Marshal(storedRefreshToken{
		UserID:    token.UserID,
		ClientID:  token.ClientID,
		Revoked:   token.Revoked,
		CreatedAt: redisToMillis(token.CreatedAt),
		ExpiresAt: redisToMillis(token.ExpiresAt),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	return data, nil
}

func unmarshalRefreshToken(tokenHash string, data []byte) (*RefreshToken, error) {
	var stored storedRefreshToken
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	return &RefreshToken{
		TokenHash: tokenHash,
		UserID:    stored.UserID,
		ClientID:  stored.ClientID,
		Revoked:   stored.Revoked,
		CreatedAt: redisFromMillis(stored.CreatedAt),
		ExpiresAt: redisFromMillis(stored.ExpiresAt),
	}, nil
}

// -----------------------
// MagicCodeStore
// -----------------------

// storedMagicCode is the serializable wrapper for magic code rows. The
// email lives in the key.
type storedMagicCode struct {
	Code      string `json:"code"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// consumeMagicCodeScript atomically deletes the row, but only when the
// presented code matches. A wrong guess leaves the row untouched and
// returns nothing, which reads exactly like a missing code.
var consumeMagicCodeScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return false
end
local row = cjson.decode(data)
if row.code ~= ARGV[1] then
	return false
end
redis.call('DEL', KEYS[1])
return data
`)

// CreateMagicCode stores a code for the email, replacing any live
// predecessor so at most one code per address is valid.
func (s *RedisStorage) CreateMagicCode(ctx context.Context, code *MagicCode) error {
	key := redisKey(s.keyPrefix, keyTypeMagic, NormalizeEmail(code.Email))
	data, err := json.Marshal(storedMagicCode{
		Code:      code.Code,
		CreatedAt: redisToMillis(code.CreatedAt),
		ExpiresAt: redisToMillis(code.ExpiresAt),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal magic code: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttlUntil(code.ExpiresAt)).Err(); err != nil {
		return fmt.Errorf("failed to store magic code: %w", err)
	}
	return nil
}

// ConsumeMagicCode atomically deletes and returns the code row. Wrong,
// expired, and already-used codes all fail with ErrNotFound.
func (s *RedisStorage) ConsumeMagicCode(ctx context.Context, email, code string) (*MagicCode, error) {
	normalized := NormalizeEmail(email)
	key := redisKey(s.keyPrefix, keyTypeMagic, normalized)

	data, err := consumeMagicCodeScript.Run(ctx, s.client, []string{key}, code).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: magic code", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume magic code: %w", err)
	}

	var stored storedMagicCode
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal magic code: %w", err)
	}
	return &MagicCode{
		Email:     normalized,
		Code:      stored.Code,
		Used:      true,
		CreatedAt: redisFromMillis(stored.CreatedAt),
		ExpiresAt: redisFromMillis(stored.ExpiresAt),
	}, nil
}

// DeleteExpiredMagicCodes is a no-op: Redis expires code rows through their
// key TTL.
func (*RedisStorage) DeleteExpiredMagicCodes(context.Context) (int, error) {
	return 0, nil
}

// -----------------------
// PendingAuthorizationStore
// -----------------------

// storedPendingAuthorization is the serializable wrapper for pending rows.
// The internal state token lives in the key.
type storedPendingAuthorization struct {
	ClientID         string `json:"client_id"`
	RedirectURI      string `json:"redirect_uri"`
	ClientState      string `json:"client_state"`
	CodeChallenge    string `json:"code_challenge"`
	ChallengeMethod  string `json:"challenge_method"`
	Provider         string `json:"provider"`
	UpstreamVerifier string `json:"upstream_verifier"`
	UpstreamNonce    string `json:"upstream_nonce"`
	CreatedAt        int64  `json:"created_at"`
	ExpiresAt        int64  `json:"expires_at"`
}

// CreatePendingAuthorization stores a pending request keyed by its internal
// state token.
func (s *RedisStorage) CreatePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error {
	key := redisKey(s.keyPrefix, keyTypePending, pending.InternalState)
	data, err := json.Marshal(storedPendingAuthorization{
		ClientID:         pending.ClientID,
		RedirectURI:      pending.RedirectURI,
		ClientState:      pending.ClientState,
		CodeChallenge:    pending.CodeChallenge,
		ChallengeMethod:  pending.ChallengeMethod,
		Provider:         pending.Provider,
		UpstreamVerifier: pending.UpstreamVerifier,
		UpstreamNonce:    pending.UpstreamNonce,
		CreatedAt:        redisToMillis(pending.CreatedAt),
		ExpiresAt:        redisToMillis(pending.ExpiresAt),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	stored, err := s.client.SetNX(ctx, key, data, ttlUntil(pending.ExpiresAt)).Result()
	if err != nil {
		return fmt.Errorf("failed to store pending authorization: %w", err)
	}
	if !stored {
		return fmt.Errorf("%w: pending authorization", ErrAlreadyExists)
	}
	return nil
}

// ConsumePendingAuthorization atomically retrieves and deletes the pending
// request. The TTL normally reaps expired rows, but one caught in the
// sub-second gap still reports ErrExpired.
func (s *RedisStorage) ConsumePendingAuthorization(ctx context.Context, internalState string) (*PendingAuthorization, error) {
	key := redisKey(s.keyPrefix, keyTypePending, internalState)

	data, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: pending authorization", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume pending authorization: %w", err)
	}

	var stored storedPendingAuthorization
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}
	if stored.ExpiresAt <= time.Now().UnixMilli() {
		return nil, ErrExpired
	}
	return &PendingAuthorization{
		InternalState:    internalState,
		ClientID:         stored.ClientID,
		RedirectURI:      stored.RedirectURI,
		ClientState:      stored.ClientState,
		CodeChallenge:    stored.CodeChallenge,
		ChallengeMethod:  stored.ChallengeMethod,
		Provider:         stored.Provider,
		UpstreamVerifier: stored.UpstreamVerifier,
		UpstreamNonce:    stored.UpstreamNonce,
		CreatedAt:        redisFromMillis(stored.CreatedAt),
		ExpiresAt:        redisFromMillis(stored.ExpiresAt),
	}, nil
}

// DeleteExpiredPendingAuthorizations is a no-op: Redis expires pending rows
// through their key TTL.
func (*RedisStorage) DeleteExpiredPendingAuthorizations(context.Context) (int, error) {
	return 0, nil
}

// -----------------------
// DeviceCodeStore
// -----------------------

// storedDeviceCode is the serializable wrapper for device grant rows. The
// device code hash lives in the key.
type storedDeviceCode struct {
	UserCode     string `json:"user_code"`
	ClientID     string `json:"client_id"`
	Scope        string `json:"scope"`
	Status       string `json:"status"`
	UserID       string `json:"user_id"`
	IntervalMS   int64  `json:"interval_ms"`
	LastPolledAt int64  `json:"last_polled_at"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresAt    int64  `json:"expires_at"`
}

// setDeviceStatusScript moves a pending grant to a terminal status.
// Returns 0 when the row is missing, 2 when it is expired, 3 when it was
// already decided, and 1 on success.
var setDeviceStatusScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return 0
end
local grant = cjson.decode(data)
if tonumber(ARGV[3]) >= grant.expires_at then
	return 2
end
if grant.status ~= 'pending' then
	return 3
end
grant.status = ARGV[1]
grant.user_id = ARGV[2]
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], cjson.encode(grant), 'PX', ttl)
else
	redis.call('SET', KEYS[1], cjson.encode(grant))
end
return 1
`)

// touchDevicePollScript stamps the grant with a new poll time and returns
// the row as it was before the stamp. Returns 0 when the row is missing and
// 2 when it is expired.
var touchDevicePollScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return 0
end
local grant = cjson.decode(data)
if tonumber(ARGV[1]) >= grant.expires_at then
	return 2
end
grant.last_polled_at = tonumber(ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], cjson.encode(grant), 'PX', ttl)
else
	redis.call('SET', KEYS[1], cjson.encode(grant))
end
return data
`)

// consumeDeviceCodeScript atomically deletes the grant, but only when it is
// authorized and unexpired, so concurrent polls cannot double-redeem it.
var consumeDeviceCodeScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return false
end
local grant = cjson.decode(data)
if grant.status ~= 'authorized' or tonumber(ARGV[1]) >= grant.expires_at then
	return false
end
redis.call('DEL', KEYS[1])
return data
`)

// CreateDeviceCode stores a freshly minted grant. A live pending grant
// already using the same user code fails with ErrAlreadyExists so the
// caller can retry with a fresh code.
func (s *RedisStorage) CreateDeviceCode(ctx context.Context, code *DeviceCode) error {
	userCodeKey := redisKey(s.keyPrefix, keyTypeUserCode, code.UserCode)

	existingHash, err := s.client.Get(ctx, userCodeKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to check user code: %w", err)
	}
	if err == nil {
		existing, lookupErr := s.getDeviceCode(ctx, existingHash)
		if lookupErr == nil && existing.Status == DeviceStatusPending {
			return fmt.Errorf("%w: user code in use", ErrAlreadyExists)
		}
	}

	key := redisKey(s.keyPrefix, keyTypeDevice, code.DeviceCodeHash)
	data, err := marshalDeviceCode(code)
	if err != nil {
		return err
	}

	ttl := ttlUntil(code.ExpiresAt)
	stored, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store device code: %w", err)
	}
	if !stored {
		return fmt.Errorf("%w: device code", ErrAlreadyExists)
	}

	// Point the user code at the newest grant. If the index write fails,
	// delete the grant so the approval page can never dead-end.
	if err := s.client.Set(ctx, userCodeKey, code.DeviceCodeHash, ttl).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return fmt.Errorf("failed to index user code: %w", err)
	}
	return nil
}

// GetDeviceCodeByUserCode retrieves the newest grant for the user code.
func (s *RedisStorage) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*DeviceCode, error) {
	userCodeKey := redisKey(s.keyPrefix, keyTypeUserCode, userCode)

	hash, err := s.client.Get(ctx, userCodeKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: device code", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve user code: %w", err)
	}

	code, err := s.getDeviceCode(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !code.ExpiresAt.After(time.Now()) {
		return nil, ErrExpired
	}
	return code, nil
}

// SetDeviceCodeStatus moves a pending grant to authorized or denied.
// Terminal states are absorbing.
func (s *RedisStorage) SetDeviceCodeStatus(ctx context.Context, userCode string, status DeviceCodeStatus, userID string) error {
	if status != DeviceStatusAuthorized && status != DeviceStatusDenied {
		return fmt.Errorf("invalid device code status transition to %q", status)
	}

	userCodeKey := redisKey(s.keyPrefix, keyTypeUserCode, userCode)
	hash, err := s.client.Get(ctx, userCodeKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: device code", ErrNotFound)
		}
		return fmt.Errorf("failed to resolve user code: %w", err)
	}

	key := redisKey(s.keyPrefix, keyTypeDevice, hash)
	result, err := setDeviceStatusScript.Run(ctx, s.client, []string{key},
		string(status), userID, time.Now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("failed to set device code status: %w", err)
	}
	switch result {
	case 0:
		return fmt.Errorf("%w: device code", ErrNotFound)
	case 2:
		return ErrExpired
	case 3:
		return ErrAlreadyDecided
	default:
		return nil
	}
}

// TouchDeviceCodePoll records a poll against the grant, returning a
// snapshot of the row and the previous poll time.
func (s *RedisStorage) TouchDeviceCodePoll(ctx context.Context, deviceCodeHash string) (*DeviceCode, time.Time, error) {
	key := redisKey(s.keyPrefix, keyTypeDevice, deviceCodeHash)
	now := time.Now()

	result, err := touchDevicePollScript.Run(ctx, s.client, []string{key}, now.UnixMilli()).Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to touch device code: %w", err)
	}

	switch v := result.(type) {
	case int64:
		if v == 2 {
			return nil, time.Time{}, ErrExpired
		}
		return nil, time.Time{}, fmt.Errorf("%w: device code", ErrNotFound)
	case string:
		code, err := unmarshalDeviceCode(deviceCodeHash, []byte(v))
		if err != nil {
			return nil, time.Time{}, err
		}
		previous := code.LastPolledAt
		code.LastPolledAt = now
		return code, previous, nil
	default:
		return nil, time.Time{}, fmt.Errorf("unexpected touch script result %T", result)
	}
}

// ConsumeAuthorizedDeviceCode atomically removes and returns the grant, but
// only if it is authorized and unexpired. Pending, denied, expired, and
// already-redeemed grants all fail with the same ErrNotFound.
func (s *RedisStorage) ConsumeAuthorizedDeviceCode(ctx context.Context, deviceCodeHash string) (*DeviceCode, error) {
	key := redisKey(s.keyPrefix, keyTypeDevice, deviceCodeHash)

	data, err := consumeDeviceCodeScript.Run(ctx, s.client, []string{key}, time.Now().UnixMilli()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: device code", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume device code: %w", err)
	}

	code, err := unmarshalDeviceCode(deviceCodeHash, []byte(data))
	if err != nil {
		return nil, err
	}

	// Drop the user code index if it still points here. Cleanup is best
	// effort, the index TTL reaps stragglers.
	userCodeKey := redisKey(s.keyPrefix, keyTypeUserCode, code.UserCode)
	if current, err := s.client.Get(ctx, userCodeKey).Result(); err == nil && current == deviceCodeHash {
		_ = s.client.Del(ctx, userCodeKey).Err()
	}
	return code, nil
}

// DeleteExpiredDeviceCodes is a no-op: Redis expires grant rows through
// their key TTL.
func (*RedisStorage) DeleteExpiredDeviceCodes(context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStorage) getDeviceCode(ctx context.Context, deviceCodeHash string) (*DeviceCode, error) {
	key := redisKey(s.keyPrefix, keyTypeDevice, deviceCodeHash)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: device code", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get device code: %w", err)
	}
	return unmarshalDeviceCode(deviceCodeHash, data)
}

func marshalDeviceCode(code *DeviceCode) ([]byte, error) {
	data, err := json.Marshal(storedDeviceCode{
		UserCode:     code.UserCode,
		ClientID:     code.ClientID,
		Scope:        code.Scope,
		Status:       string(code.Status),
		UserID:       code.UserID,
		IntervalMS:   code.Interval.Milliseconds(),
		LastPolledAt: redisToMillis(code.LastPolledAt),
		CreatedAt:    redisToMillis(code.CreatedAt),
		ExpiresAt:    redisToMillis(code.ExpiresAt),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device code: %w", err)
	}
	return data, nil
}

func unmarshalDeviceCode(deviceCodeHash string, data []byte) (*DeviceCode, error) {
	var stored storedDeviceCode
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device code: %w", err)
	}
	return &DeviceCode{
		DeviceCodeHash: deviceCodeHash,
		UserCode:       stored.UserCode,
		ClientID:       stored.ClientID,
		Scope:          stored.Scope,
		Status:         DeviceCodeStatus(stored.Status),
		UserID:         stored.UserID,
		Interval:       time.Duration(stored.IntervalMS) * time.Millisecond,
		LastPolledAt:   redisFromMillis(stored.LastPolledAt),
		CreatedAt:      redisFromMillis(stored.CreatedAt),
		ExpiresAt:      redisFromMillis(stored.ExpiresAt),
	}, nil
}

// -----------------------
// FailedAttemptStore
// -----------------------

// storedFailedAttempt is the serializable wrapper for lockout rows. The
// email lives in the key.
type storedFailedAttempt struct {
	Count       int   `json:"count"`
	LastAttempt int64 `json:"last_attempt"`
	LockedUntil int64 `json:"locked_until"`
}

// recordFailedAttemptScript increments the consecutive-failure count,
// restarting a streak whose last failure is older than the lock duration
// and locking the address once the count reaches the threshold. The key TTL
// doubles the lock duration so a dormant streak also ages out on its own.
var recordFailedAttemptScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local lock = tonumber(ARGV[3])
local count = 0
local locked_until = 0
local data = redis.call('GET', KEYS[1])
if data then
	local row = cjson.decode(data)
	if now - row.last_attempt <= lock then
		count = row.count
		locked_until = row.locked_until
	end
end
count = count + 1
if count >= threshold then
	locked_until = now + lock
end
local row = cjson.encode({count = count, last_attempt = now, locked_until = locked_until})
redis.call('SET', KEYS[1], row, 'PX', lock * 2)
return row
`)

// RecordFailedAttempt increments the consecutive-failure count for the
// email, locking the address once count reaches threshold.
func (s *RedisStorage) RecordFailedAttempt(ctx context.Context, email string, threshold int, lockDuration time.Duration) (*FailedAttempt, error) {
	normalized := NormalizeEmail(email)
	key := redisKey(s.keyPrefix, keyTypeFailed, normalized)

	data, err := recordFailedAttemptScript.Run(ctx, s.client, []string{key},
		time.Now().UnixMilli(), threshold, lockDuration.Milliseconds()).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to record failed attempt: %w", err)
	}

	var stored storedFailedAttempt
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failed attempt: %w", err)
	}
	return &FailedAttempt{
		Email:       normalized,
		Count:       stored.Count,
		LastAttempt: redisFromMillis(stored.LastAttempt),
		LockedUntil: redisFromMillis(stored.LockedUntil),
	}, nil
}

// GetFailedAttempt retrieves the row for an email.
func (s *RedisStorage) GetFailedAttempt(ctx context.Context, email string) (*FailedAttempt, error) {
	normalized := NormalizeEmail(email)
	key := redisKey(s.keyPrefix, keyTypeFailed, normalized)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: failed attempt record", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get failed attempt: %w", err)
	}

	var stored storedFailedAttempt
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failed attempt: %w", err)
	}
	return &FailedAttempt{
		Email:       normalized,
		Count:       stored.Count,
		LastAttempt: redisFromMillis(stored.LastAttempt),
		LockedUntil: redisFromMillis(stored.LockedUntil),
	}, nil
}

// ClearFailedAttempts removes the row after a successful attempt. Idempotent.
func (s *RedisStorage) ClearFailedAttempts(ctx context.Context, email string) error {
	key := redisKey(s.keyPrefix, keyTypeFailed, NormalizeEmail(email))
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to clear failed attempts: %w", err)
	}
	return nil
}

// -----------------------
// RateCounterStore
// -----------------------

// storedRateCounter is the serializable wrapper for counter rows. The
// counter key lives in the Redis key.
type storedRateCounter struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"window_start"`
}

// incrementRateCounterScript adds one request to the fixed window, starting
// a new window when the stored one has ended. The key TTL matches the
// window so idle counters clean themselves up.
var incrementRateCounterScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local count = 0
local start = now
local data = redis.call('GET', KEYS[1])
if data then
	local row = cjson.decode(data)
	if now - row.window_start < window then
		count = row.count
		start = row.window_start
	end
end
count = count + 1
local row = cjson.encode({count = count, window_start = start})
redis.call('SET', KEYS[1], row, 'PX', window)
return row
`)

// IncrementRateCounter adds one request to the counter, starting a new
// window when the stored one has ended.
func (s *RedisStorage) IncrementRateCounter(ctx context.Context, key string, window time.Duration) (*RateCounter, error) {
	counterKey := redisKey(s.keyPrefix, keyTypeRate, key)

	data, err := incrementRateCounterScript.Run(ctx, s.client, []string{counterKey},
		time.Now().UnixMilli(), window.Milliseconds()).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to increment rate counter: %w", err)
	}

	var stored storedRateCounter
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rate counter: %w", err)
	}
	return &RateCounter{
		Key:         key,
		Count:       stored.Count,
		WindowStart: redisFromMillis(stored.WindowStart),
	}, nil
}

// -----------------------
// AuditStore
// -----------------------

// storedAuditEvent is the serializable wrapper for audit entries.
type storedAuditEvent struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	UserID    string         `json:"user_id"`
	ClientID  string         `json:"client_id"`
	IP        string         `json:"ip"`
	UserAgent string         `json:"user_agent"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// AppendAuditEvent records one event. Events are pushed onto the head of a
// list so reads come back newest first.
func (s *RedisStorage) AppendAuditEvent(ctx context.Context, event *AuditEvent) error {
	seq, err := s.client.Incr(ctx, s.keyPrefix+keyAuditSeq).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate audit ID: %w", err)
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	data, err := json.Marshal(storedAuditEvent{
		ID:        strconv.FormatInt(seq, 10),
		Kind:      event.Kind,
		UserID:    event.UserID,
		ClientID:  event.ClientID,
		IP:        event.IP,
		UserAgent: event.UserAgent,
		Details:   event.Details,
		CreatedAt: redisToMillis(createdAt),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	if err := s.client.LPush(ctx, s.keyPrefix+keyAuditLog, data).Err(); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns events matching the filter, newest first. The log
// is read in pages so a large trail with a narrow filter does not load the
// whole list at once.
func (s *RedisStorage) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultAuditListLimit
	}

	logKey := s.keyPrefix + keyAuditLog
	var events []*AuditEvent
	for offset := int64(0); len(events) < limit; offset += auditPageSize {
		page, err := s.client.LRange(ctx, logKey, offset, offset+auditPageSize-1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to read audit log: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, raw := range page {
			var stored storedAuditEvent
			if err := json.Unmarshal([]byte(raw), &stored); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit event: %w", err)
			}
			if filter.Kind != "" && stored.Kind != filter.Kind {
				continue
			}
			if filter.UserID != "" && stored.UserID != filter.UserID {
				continue
			}
			if filter.ClientID != "" && stored.ClientID != filter.ClientID {
				continue
			}
			events = append(events, &AuditEvent{
				ID:        stored.ID,
				Kind:      stored.Kind,
				UserID:    stored.UserID,
				ClientID:  stored.ClientID,
				IP:        stored.IP,
				UserAgent: stored.UserAgent,
				Details:   stored.Details,
				CreatedAt: redisFromMillis(stored.CreatedAt),
			})
			if len(events) >= limit {
				break
			}
		}
	}
	return events, nil
}

// Compile-time interface compliance checks
var _ Storage = (*RedisStorage)(nil)
