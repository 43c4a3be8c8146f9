// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"

	"github.com/grovelabs/groveauth/pkg/storage"
)

// corsMaxAge caches preflight results for five minutes. Registered origins
// change only at startup, so longer would be safe, but short keeps client
// re-registration cheap.
const corsMaxAge = 300

// OriginSet answers "is this a registered client origin" for CORS checks.
// It is built once from the loaded client registry and read-shared after.
type OriginSet struct {
	origins map[string]struct{}
}

// NewOriginSet collects the allowed origins of every registered client.
// Origins are matched case-insensitively; browsers serialize them lowercase
// but registry files are hand-written.
func NewOriginSet(clients []*storage.Client) *OriginSet {
	set := &OriginSet{origins: make(map[string]struct{})}
	for _, client := range clients {
		for _, origin := range client.AllowedOrigins {
			origin = strings.TrimRight(strings.ToLower(origin), "/")
			if origin == "" {
				continue
			}
			set.origins[origin] = struct{}{}
		}
	}
	return set
}

// Contains reports whether origin belongs to a registered client.
func (s *OriginSet) Contains(origin string) bool {
	_, ok := s.origins[strings.TrimRight(strings.ToLower(origin), "/")]
	return ok
}

// Len returns the number of distinct registered origins.
func (s *OriginSet) Len() int {
	return len(s.origins)
}

// CORS builds the per-client CORS middleware. The allow-origin header echoes
// the request origin only when it matches a registered client; with
// credentials enabled a wildcard is never emitted.
func CORS(origins *OriginSet) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return origins.Contains(origin)
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           corsMaxAge,
	})
}
