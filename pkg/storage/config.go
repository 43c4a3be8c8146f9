// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "time"

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeSQLite uses an embedded SQLite database.
	TypeSQLite Type = "sqlite"

	// TypeRedis uses a Redis server.
	TypeRedis Type = "redis"
)

const (
	// DefaultCleanupInterval is how often the background cleanup runs.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultAuthorizationCodeTTL is the TTL for authorization codes.
	DefaultAuthorizationCodeTTL = 5 * time.Minute

	// DefaultRefreshTokenTTL is the TTL for refresh tokens.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// DefaultMagicCodeTTL is the TTL for emailed login codes.
	DefaultMagicCodeTTL = 10 * time.Minute

	// DefaultPendingAuthorizationTTL is the TTL for pending federated
	// authorization requests awaiting the upstream callback.
	DefaultPendingAuthorizationTTL = 10 * time.Minute

	// DefaultDeviceCodeTTL is the TTL for device authorization grants.
	DefaultDeviceCodeTTL = 15 * time.Minute

	// DefaultDevicePollInterval is the minimum interval between device token polls.
	DefaultDevicePollInterval = 5 * time.Second

	// DefaultAccessTokenTTL is the lifetime of issued access tokens.
	DefaultAccessTokenTTL = 1 * time.Hour
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type

	// SQLitePath is the database file path when Type is sqlite.
	// The value ":memory:" selects an in-process database.
	SQLitePath string

	// RedisURL is the connection URL when Type is redis,
	// e.g. "redis://localhost:6379/0".
	RedisURL string

	// CleanupInterval overrides how often expired rows are swept.
	// Zero means DefaultCleanupInterval.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeMemory,
	}
}
