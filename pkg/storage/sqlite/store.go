// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements storage.Storage on an embedded SQLite database.
// Single-use consumption and lockout bookkeeping run as single atomic
// statements so that concurrent callers cannot double-spend a row.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/grovelabs/groveauth/pkg/storage"
)

// Store implements storage.Storage using SQLite.
type Store struct {
	db *sql.DB
}

// New opens the database at path, applies pending migrations, and returns
// the store. The pool is limited to one connection: SQLite serializes
// writers anyway, and a single cached connection keeps ":memory:" databases
// alive for the lifetime of the store.
func New(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// -----------------------
// ClientStore
// -----------------------

// clientColumns is the SELECT column list shared by Get and List queries.
const clientColumns = `id, name, secret_hash, redirect_uris, allowed_origins, domain, is_internal`

// UpsertClient creates or replaces a client registration.
func (s *Store) UpsertClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client ID is required")
	}

	redirects, err := encodeJSON(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect URIs: %w", err)
	}
	origins, err := encodeJSON(client.AllowedOrigins)
	if err != nil {
		return fmt.Errorf("encoding allowed origins: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, secret_hash, redirect_uris, allowed_origins, domain, is_internal)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			secret_hash = excluded.secret_hash,
			redirect_uris = excluded.redirect_uris,
			allowed_origins = excluded.allowed_origins,
			domain = excluded.domain,
			is_internal = excluded.is_internal`,
		client.ID, client.Name, client.SecretHash, redirects, origins, client.Domain, client.Internal,
	)
	if err != nil {
		return fmt.Errorf("upserting client: %w", err)
	}
	return nil
}

// GetClient loads the client by its ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE id = ?`, clientID)

	client, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: client not found", storage.ErrNotFound)
	}
	return client, err
}

// ListClients returns all registered clients, sorted by ID.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var clients []*storage.Client
	for rows.Next() {
		client, scanErr := scanClient(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating client rows: %w", err)
	}
	return clients, nil
}

func scanClient(sc scanner) (*storage.Client, error) {
	var (
		client            storage.Client
		redirects, origin []byte
	)
	if err := sc.Scan(&client.ID, &client.Name, &client.SecretHash, &redirects, &origin, &client.Domain, &client.Internal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning client row: %w", err)
	}

	var err error
	client.RedirectURIs, err = decodeJSON(redirects)
	if err != nil {
		return nil, fmt.Errorf("decoding redirect URIs: %w", err)
	}
	client.AllowedOrigins, err = decodeJSON(origin)
	if err != nil {
		return nil, fmt.Errorf("decoding allowed origins: %w", err)
	}
	return &client, nil
}

// -----------------------
// UserStore
// -----------------------

const userColumns = `id, email, name, avatar_url, provider, is_admin, created_at, updated_at`

// UpsertUserByEmail creates the user on first authentication or refreshes
// name, avatar, and admin flag on subsequent ones.
func (s *Store) UpsertUserByEmail(ctx context.Context, user *storage.User) (*storage.User, error) {
	if user == nil || user.Email == "" {
		return nil, fmt.Errorf("user email is required")
	}

	email := storage.NormalizeEmail(user.Email)
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	existing, err := scanUser(tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created := &storage.User{
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
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, email, name, avatar_url, provider, is_admin, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			created.ID, created.Email, created.Name, created.AvatarURL,
			created.Provider, created.IsAdmin, toMillis(now), toMillis(now),
		); err != nil {
			return nil, fmt.Errorf("inserting user: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing transaction: %w", err)
		}
		return created, nil

	case err != nil:
		return nil, err

	default:
		existing.Name = user.Name
		existing.AvatarURL = user.AvatarURL
		existing.IsAdmin = user.IsAdmin
		existing.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET name = ?, avatar_url = ?, is_admin = ?, updated_at = ? WHERE id = ?`,
			existing.Name, existing.AvatarURL, existing.IsAdmin, toMillis(now), existing.ID,
		); err != nil {
			return nil, fmt.Errorf("updating user: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing transaction: %w", err)
		}
		return existing, nil
	}
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user not found", storage.ErrNotFound)
	}
	return user, err
}

// GetUserByEmail retrieves a user by lowercased email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, storage.NormalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user not found", storage.ErrNotFound)
	}
	return user, err
}

func scanUser(sc scanner) (*storage.User, error) {
	var (
		user                 storage.User
		createdAt, updatedAt int64
	)
	if err := sc.Scan(&user.ID, &user.Email, &user.Name, &user.AvatarURL, &user.Provider, &user.IsAdmin, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning user row: %w", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return &user, nil
}

// -----------------------
// AllowlistStore
// -----------------------

// AddAllowedEmail adds an email to the allowlist. Idempotent.
func (s *Store) AddAllowedEmail(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO allowed_emails (email) VALUES (?) ON CONFLICT(email) DO NOTHING`,
		storage.NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("adding allowed email: %w", err)
	}
	return nil
}

// RemoveAllowedEmail removes an email from the allowlist. Idempotent.
func (s *Store) RemoveAllowedEmail(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM allowed_emails WHERE email = ?`, storage.NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("removing allowed email: %w", err)
	}
	return nil
}

// IsEmailAllowed reports whether the email is on the allowlist.
func (s *Store) IsEmailAllowed(ctx context.Context, email string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM allowed_emails WHERE email = ?`, storage.NormalizeEmail(email)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking allowlist: %w", err)
	}
	return true, nil
}

// ListAllowedEmails returns the allowlist, sorted.
func (s *Store) ListAllowedEmails(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT email FROM allowed_emails ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("querying allowlist: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scanning allowlist row: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating allowlist rows: %w", err)
	}
	return emails, nil
}

// -----------------------
// AuthorizationCodeStore
// -----------------------

// CreateAuthorizationCode stores a freshly minted code.
func (s *Store) CreateAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes (code, client_id, user_id, redirect_uri, code_challenge, challenge_method, used, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Code, code.ClientID, code.UserID, code.RedirectURI,
		code.CodeChallenge, code.ChallengeMethod, code.Used,
		toMillis(code.CreatedAt), toMillis(code.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: authorization code", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode atomically marks the code used and returns the
// original row. The single UPDATE makes the used/expired/mismatched checks
// and the consumption one indivisible step; no row means ErrNotFound.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (*storage.AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE authorization_codes SET used = 1
		WHERE code = ? AND client_id = ? AND used = 0 AND expires_at > ?
		RETURNING user_id, redirect_uri, code_challenge, challenge_method, created_at, expires_at`,
		code, clientID, nowMillis(),
	)

	consumed := &storage.AuthorizationCode{Code: code, ClientID: clientID, Used: true}
	var createdAt, expiresAt int64
	err := row.Scan(&consumed.UserID, &consumed.RedirectURI, &consumed.CodeChallenge, &consumed.ChallengeMethod, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}
	consumed.CreatedAt = fromMillis(createdAt)
	consumed.ExpiresAt = fromMillis(expiresAt)
	return consumed, nil
}

// DeleteExpiredAuthorizationCodes removes expired rows.
func (s *Store) DeleteExpiredAuthorizationCodes(ctx context.Context) (int, error) {
	return s.deleteExpired(ctx, "authorization_codes")
}

// -----------------------
// RefreshTokenStore
// -----------------------

// CreateRefreshToken stores a freshly issued token row.
func (s *Store) CreateRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, user_id, client_id, revoked, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		token.TokenHash, token.UserID, token.ClientID, token.Revoked,
		toMillis(token.CreatedAt), toMillis(token.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: refresh token", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken retrieves a token row by hash, revoked or not.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	token := &storage.RefreshToken{TokenHash: tokenHash}
	var createdAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, client_id, revoked, created_at, expires_at
		FROM refresh_tokens WHERE token_hash = ? AND expires_at > ?`,
		tokenHash, nowMillis(),
	).Scan(&token.UserID, &token.ClientID, &token.Revoked, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying refresh token: %w", err)
	}
	token.CreatedAt = fromMillis(createdAt)
	token.ExpiresAt = fromMillis(expiresAt)
	return token, nil
}

// RotateRefreshToken atomically revokes the presented token and stores its
// replacement. Presenting an already-revoked token returns ErrTokenRevoked
// so the caller can treat it as a replay.
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, replacement *storage.RefreshToken) (*storage.RefreshToken, error) {
	now := nowMillis()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	old := &storage.RefreshToken{TokenHash: oldHash, Revoked: true}
	var createdAt, expiresAt int64
	err = tx.QueryRowContext(ctx, `
		UPDATE refresh_tokens SET revoked = 1
		WHERE token_hash = ? AND revoked = 0 AND expires_at > ?
		RETURNING user_id, client_id, created_at, expires_at`,
		oldHash, now,
	).Scan(&old.UserID, &old.ClientID, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a replayed (revoked) token from a missing or expired one.
		var revoked bool
		lookupErr := tx.QueryRowContext(ctx,
			`SELECT revoked FROM refresh_tokens WHERE token_hash = ? AND expires_at > ?`,
			oldHash, now,
		).Scan(&revoked)
		if lookupErr == nil && revoked {
			return nil, fmt.Errorf("%w: refresh token already rotated", storage.ErrTokenRevoked)
		}
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}
	old.CreatedAt = fromMillis(createdAt)
	old.ExpiresAt = fromMillis(expiresAt)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, user_id, client_id, revoked, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		replacement.TokenHash, replacement.UserID, replacement.ClientID, replacement.Revoked,
		toMillis(replacement.CreatedAt), toMillis(replacement.ExpiresAt),
	); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: refresh token", storage.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("inserting replacement token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return old, nil
}

// RevokeRefreshToken revokes a single token. Idempotent.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1 WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	return nil
}

// RevokeRefreshTokenFamily revokes every live token the user holds for the
// client, returning how many were revoked.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, userID, clientID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = 1
		WHERE user_id = ? AND client_id = ? AND revoked = 0 AND expires_at > ?`,
		userID, clientID, nowMillis(),
	)
	if err != nil {
		return 0, fmt.Errorf("revoking refresh token family: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(affected), nil
}

// DeleteExpiredRefreshTokens removes expired rows.
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context) (int, error) {
	return s.deleteExpired(ctx, "refresh_tokens")
}

// -----------------------
// MagicCodeStore
// -----------------------

// CreateMagicCode stores a code for the email, replacing any live
// predecessor so at most one code per address is valid.
func (s *Store) CreateMagicCode(ctx context.Context, code *storage.MagicCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO magic_codes (email, code, used, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			code = excluded.code,
			used = excluded.used,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		storage.NormalizeEmail(code.Email), code.Code, code.Used,
		toMillis(code.CreatedAt), toMillis(code.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("upserting magic code: %w", err)
	}
	return nil
}

// ConsumeMagicCode atomically marks the code used and returns the row.
// Wrong, expired, and already-used codes all fail with ErrNotFound.
func (s *Store) ConsumeMagicCode(ctx context.Context, email, code string) (*storage.MagicCode, error) {
	normalized := storage.NormalizeEmail(email)
	row := s.db.QueryRowContext(ctx, `
		UPDATE magic_codes SET used = 1
		WHERE email = ? AND code = ? AND used = 0 AND expires_at > ?
		RETURNING created_at, expires_at`,
		normalized, code, nowMillis(),
	)

	consumed := &storage.MagicCode{Email: normalized, Code: code, Used: true}
	var createdAt, expiresAt int64
	err := row.Scan(&createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: magic code", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("consuming magic code: %w", err)
	}
	consumed.CreatedAt = fromMillis(createdAt)
	consumed.ExpiresAt = fromMillis(expiresAt)
	return consumed, nil
}

// DeleteExpiredMagicCodes removes expired rows.
func (s *Store) DeleteExpiredMagicCodes(ctx context.Context) (int, error) {
	return s.deleteExpired(ctx, "magic_codes")
}

// -----------------------
// PendingAuthorizationStore
// -----------------------

// CreatePendingAuthorization stores a pending request keyed by its internal
// state token.
func (s *Store) CreatePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_authorizations (internal_state, client_id, redirect_uri, client_state, code_challenge, challenge_method, provider, upstream_verifier, upstream_nonce, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pending.InternalState, pending.ClientID, pending.RedirectURI, pending.ClientState,
		pending.CodeChallenge, pending.ChallengeMethod, pending.Provider,
		pending.UpstreamVerifier, pending.UpstreamNonce,
		toMillis(pending.CreatedAt), toMillis(pending.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: pending authorization", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting pending authorization: %w", err)
	}
	return nil
}

// ConsumePendingAuthorization atomically retrieves and deletes the pending
// request. The row is deleted even when expired; expired rows report
// ErrExpired.
func (s *Store) ConsumePendingAuthorization(ctx context.Context, internalState string) (*storage.PendingAuthorization, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM pending_authorizations WHERE internal_state = ?
		RETURNING client_id, redirect_uri, client_state, code_challenge, challenge_method, provider, upstream_verifier, upstream_nonce, created_at, expires_at`,
		internalState,
	)

	pending := &storage.PendingAuthorization{InternalState: internalState}
	var createdAt, expiresAt int64
	err := row.Scan(&pending.ClientID, &pending.RedirectURI, &pending.ClientState,
		&pending.CodeChallenge, &pending.ChallengeMethod, &pending.Provider,
		&pending.UpstreamVerifier, &pending.UpstreamNonce, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pending authorization", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("consuming pending authorization: %w", err)
	}

	if expiresAt <= nowMillis() {
		return nil, storage.ErrExpired
	}
	pending.CreatedAt = fromMillis(createdAt)
	pending.ExpiresAt = fromMillis(expiresAt)
	return pending, nil
}

// DeleteExpiredPendingAuthorizations removes expired rows.
func (s *Store) DeleteExpiredPendingAuthorizations(ctx context.Context) (int, error) {
	return s.deleteExpired(ctx, "pending_authorizations")
}

// -----------------------
// DeviceCodeStore
// -----------------------

const deviceCodeColumns = `device_code_hash, user_code, client_id, scope, status, user_id, interval_ms, last_polled_at, created_at, expires_at`

// CreateDeviceCode stores a freshly minted grant. A live pending grant
// already using the same user code fails with ErrAlreadyExists so the
// caller can retry with a fresh code.
func (s *Store) CreateDeviceCode(ctx context.Context, code *storage.DeviceCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var one int
	err = tx.QueryRowContext(ctx, `
		SELECT 1 FROM device_codes
		WHERE user_code = ? AND status = ? AND expires_at > ?`,
		code.UserCode, string(storage.DeviceStatusPending), nowMillis(),
	).Scan(&one)
	if err == nil {
		return fmt.Errorf("%w: user code in use", storage.ErrAlreadyExists)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking user code: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO device_codes (device_code_hash, user_code, client_id, scope, status, user_id, interval_ms, last_polled_at, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.DeviceCodeHash, code.UserCode, code.ClientID, code.Scope,
		string(code.Status), code.UserID, code.Interval.Milliseconds(),
		toMillis(code.LastPolledAt), toMillis(code.CreatedAt), toMillis(code.ExpiresAt),
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: device code", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting device code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetDeviceCodeByUserCode retrieves the newest grant for the user code.
func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*storage.DeviceCode, error) {
	code, err := scanDeviceCode(s.db.QueryRowContext(ctx, `
		SELECT `+deviceCodeColumns+` FROM device_codes
		WHERE user_code = ? ORDER BY created_at DESC, device_code_hash LIMIT 1`,
		userCode,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: device code", storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !code.ExpiresAt.After(time.Now()) {
		return nil, storage.ErrExpired
	}
	return code, nil
}

// SetDeviceCodeStatus moves a pending grant to authorized or denied.
// Terminal states are absorbing.
func (s *Store) SetDeviceCodeStatus(ctx context.Context, userCode string, status storage.DeviceCodeStatus, userID string) error {
	if status != storage.DeviceStatusAuthorized && status != storage.DeviceStatusDenied {
		return fmt.Errorf("invalid device code status transition to %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	current, err := scanDeviceCode(tx.QueryRowContext(ctx, `
		SELECT `+deviceCodeColumns+` FROM device_codes
		WHERE user_code = ? ORDER BY created_at DESC, device_code_hash LIMIT 1`,
		userCode,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: device code", storage.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !current.ExpiresAt.After(time.Now()) {
		return storage.ErrExpired
	}
	if current.Status != storage.DeviceStatusPending {
		return storage.ErrAlreadyDecided
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE device_codes SET status = ?, user_id = ? WHERE device_code_hash = ?`,
		string(status), userID, current.DeviceCodeHash,
	); err != nil {
		return fmt.Errorf("updating device code status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// TouchDeviceCodePoll records a poll against the grant, returning a
// snapshot of the row and the previous poll time.
func (s *Store) TouchDeviceCodePoll(ctx context.Context, deviceCodeHash string) (*storage.DeviceCode, time.Time, error) {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	code, err := scanDeviceCode(tx.QueryRowContext(ctx, `
		SELECT `+deviceCodeColumns+` FROM device_codes WHERE device_code_hash = ?`,
		deviceCodeHash,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, fmt.Errorf("%w: device code", storage.ErrNotFound)
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	if !code.ExpiresAt.After(now) {
		return nil, time.Time{}, storage.ErrExpired
	}

	previous := code.LastPolledAt
	if _, err := tx.ExecContext(ctx, `
		UPDATE device_codes SET last_polled_at = ? WHERE device_code_hash = ?`,
		toMillis(now), deviceCodeHash,
	); err != nil {
		return nil, time.Time{}, fmt.Errorf("updating poll time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, time.Time{}, fmt.Errorf("committing transaction: %w", err)
	}

	code.LastPolledAt = now
	return code, previous, nil
}

// ConsumeAuthorizedDeviceCode atomically removes and returns the grant, but
// only if it is authorized and unexpired. The single DELETE keeps
// concurrent polls from double-redeeming an approved grant.
func (s *Store) ConsumeAuthorizedDeviceCode(ctx context.Context, deviceCodeHash string) (*storage.DeviceCode, error) {
	code, err := scanDeviceCode(s.db.QueryRowContext(ctx, `
		DELETE FROM device_codes
		WHERE device_code_hash = ? AND status = ? AND expires_at > ?
		RETURNING `+deviceCodeColumns,
		deviceCodeHash, string(storage.DeviceStatusAuthorized), nowMillis(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: device code", storage.ErrNotFound)
	}
	return code, err
}

// DeleteExpiredDeviceCodes removes expired rows.
func (s *Store) DeleteExpiredDeviceCodes(ctx context.Context) (int, error) {
	return s.deleteExpired(ctx, "device_codes")
}

func scanDeviceCode(sc scanner) (*storage.DeviceCode, error) {
	var (
		code                                       storage.DeviceCode
		status                                     string
		intervalMS, lastPolled, createdAt, expires int64
	)
	err := sc.Scan(&code.DeviceCodeHash, &code.UserCode, &code.ClientID, &code.Scope,
		&status, &code.UserID, &intervalMS, &lastPolled, &createdAt, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning device code row: %w", err)
	}
	code.Status = storage.DeviceCodeStatus(status)
	code.Interval = time.Duration(intervalMS) * time.Millisecond
	code.LastPolledAt = fromMillis(lastPolled)
	code.CreatedAt = fromMillis(createdAt)
	code.ExpiresAt = fromMillis(expires)
	return &code, nil
}

// -----------------------
// FailedAttemptStore
// -----------------------

// RecordFailedAttempt increments the consecutive-failure count for the
// email, locking the address once count reaches threshold, all in one
// transaction. A streak older than lockDuration restarts at one.
func (s *Store) RecordFailedAttempt(ctx context.Context, email string, threshold int, lockDuration time.Duration) (*storage.FailedAttempt, error) {
	normalized := storage.NormalizeEmail(email)
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	row := &storage.FailedAttempt{Email: normalized}
	var lastAttempt, lockedUntil int64
	err = tx.QueryRowContext(ctx,
		`SELECT count, last_attempt, locked_until FROM failed_attempts WHERE email = ?`,
		normalized,
	).Scan(&row.Count, &lastAttempt, &lockedUntil)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First failure for this address.
	case err != nil:
		return nil, fmt.Errorf("querying failed attempts: %w", err)
	default:
		row.LastAttempt = fromMillis(lastAttempt)
		row.LockedUntil = fromMillis(lockedUntil)
		if now.Sub(row.LastAttempt) > lockDuration {
			row.Count = 0
			row.LockedUntil = time.Time{}
		}
	}

	row.Count++
	row.LastAttempt = now
	if row.Count >= threshold {
		row.LockedUntil = now.Add(lockDuration)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO failed_attempts (email, count, last_attempt, locked_until)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			count = excluded.count,
			last_attempt = excluded.last_attempt,
			locked_until = excluded.locked_until`,
		normalized, row.Count, toMillis(row.LastAttempt), toMillis(row.LockedUntil),
	); err != nil {
		return nil, fmt.Errorf("upserting failed attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return row, nil
}

// GetFailedAttempt retrieves the row for an email.
func (s *Store) GetFailedAttempt(ctx context.Context, email string) (*storage.FailedAttempt, error) {
	row := &storage.FailedAttempt{Email: storage.NormalizeEmail(email)}
	var lastAttempt, lockedUntil int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count, last_attempt, locked_until FROM failed_attempts WHERE email = ?`,
		row.Email,
	).Scan(&row.Count, &lastAttempt, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: failed attempt record", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying failed attempts: %w", err)
	}
	row.LastAttempt = fromMillis(lastAttempt)
	row.LockedUntil = fromMillis(lockedUntil)
	return row, nil
}

// ClearFailedAttempts removes the row after a successful attempt. Idempotent.
func (s *Store) ClearFailedAttempts(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM failed_attempts WHERE email = ?`, storage.NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("clearing failed attempts: %w", err)
	}
	return nil
}

// -----------------------
// RateCounterStore
// -----------------------

// IncrementRateCounter adds one request to the counter, starting a new
// window when the stored one has ended. The upsert and window rollover run
// as one statement so concurrent requests never lose updates.
func (s *Store) IncrementRateCounter(ctx context.Context, key string, window time.Duration) (*storage.RateCounter, error) {
	now := nowMillis()
	boundary := now - window.Milliseconds()

	counter := &storage.RateCounter{Key: key}
	var windowStart int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_counters (counter_key, count, window_start) VALUES (?, 1, ?)
		ON CONFLICT(counter_key) DO UPDATE SET
			count = CASE WHEN rate_counters.window_start <= ? THEN 1 ELSE rate_counters.count + 1 END,
			window_start = CASE WHEN rate_counters.window_start <= ? THEN ? ELSE rate_counters.window_start END
		RETURNING count, window_start`,
		key, now, boundary, boundary, now,
	).Scan(&counter.Count, &windowStart)
	if err != nil {
		return nil, fmt.Errorf("incrementing rate counter: %w", err)
	}
	counter.WindowStart = fromMillis(windowStart)
	return counter, nil
}

// -----------------------
// AuditStore
// -----------------------

// AppendAuditEvent records one event.
func (s *Store) AppendAuditEvent(ctx context.Context, event *storage.AuditEvent) error {
	details := []byte("{}")
	if event.Details != nil {
		var err error
		details, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("encoding audit details: %w", err)
		}
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (kind, user_id, client_id, ip, user_agent, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.Kind, event.UserID, event.ClientID, event.IP, event.UserAgent,
		string(details), toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns events matching the filter, newest first.
func (s *Store) ListAuditEvents(ctx context.Context, filter storage.AuditFilter) ([]*storage.AuditEvent, error) {
	query := `SELECT id, kind, user_id, client_id, ip, user_agent, details, created_at
		FROM audit_events WHERE 1 = 1`
	var args []any

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, filter.ClientID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = storage.DefaultAuditListLimit
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*storage.AuditEvent
	for rows.Next() {
		var (
			event       storage.AuditEvent
			id, created int64
			details     []byte
		)
		if err := rows.Scan(&id, &event.Kind, &event.UserID, &event.ClientID, &event.IP, &event.UserAgent, &details, &created); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		event.ID = strconv.FormatInt(id, 10)
		event.CreatedAt = fromMillis(created)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &event.Details); err != nil {
				return nil, fmt.Errorf("decoding audit details: %w", err)
			}
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return events, nil
}

// -----------------------
// Helpers
// -----------------------

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

// deleteExpired removes expired rows from a table with an expires_at column.
func (s *Store) deleteExpired(ctx context.Context, table string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE expires_at <= ?`, nowMillis()) //nolint:gosec // table names are compile-time constants
	if err != nil {
		return 0, fmt.Errorf("deleting expired rows from %s: %w", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(affected), nil
}

// toMillis converts a time to Unix epoch milliseconds. Zero times map to 0.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis converts Unix epoch milliseconds back to a time. 0 maps to the
// zero time.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// encodeJSON marshals a string slice for TEXT storage.
func encodeJSON(values []string) (string, error) {
	if values == nil {
		return "[]", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

// decodeJSON unmarshals a TEXT column into a string slice.
func decodeJSON(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var result []string
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON: %w", err)
	}
	return result, nil
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

var _ storage.Storage = (*Store)(nil)
