// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"net/url"

	"github.com/grovelabs/groveauth/pkg/storage"
	"github.com/grovelabs/groveauth/pkg/storage/sqlite"
)

// NewStorage selects the backend by URL scheme:
//
//	memory://                     in-process, single replica
//	sqlite:///var/lib/auth.db     durable single replica
//	redis://host:6379/0           shared across replicas
//
// An empty URL means memory.
func NewStorage(ctx context.Context, rawURL string) (storage.Storage, error) {
	if rawURL == "" {
		return storage.NewMemoryStorage(), nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid storage URL: %w", err)
	}

	switch u.Scheme {
	case "memory":
		return storage.NewMemoryStorage(), nil

	case "sqlite":
		path := sqlitePath(u)
		if path == "" {
			return nil, fmt.Errorf("sqlite storage URL %q names no database file", rawURL)
		}
		return sqlite.New(ctx, path)

	case "redis", "rediss":
		return storage.NewRedisStorage(ctx, rawURL, "")

	default:
		return nil, fmt.Errorf("unknown storage scheme %q (want memory, sqlite, or redis)", u.Scheme)
	}
}

// sqlitePath extracts the database path from a sqlite URL. Both
// sqlite:auth.db and sqlite:///var/lib/auth.db forms parse; the in-memory
// form sqlite::memory: passes through for tests.
func sqlitePath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Host + u.Path
}
