// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sessions implements the per-user session store. Each user id maps
// to one shard guarded by its own mutex, so mutations against a single user
// are serially ordered while different users proceed concurrently. Sessions
// live only in process memory; the encrypted cookie a browser carries is the
// durable half of the pair.
package sessions

import (
	"crypto/subtle"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the session lifetime when the caller does not specify one.
const DefaultTTL = 30 * 24 * time.Hour

// DefaultCleanupInterval is how often the background sweep reclaims
// expired and revoked sessions.
const DefaultCleanupInterval = 10 * time.Minute

// Session is one device's authenticated session. Values returned from the
// store are copies; mutating them does not affect the stored record.
type Session struct {
	// ID is the opaque session identifier carried in the cookie.
	ID string

	// UserID is the owning user.
	UserID string

	// Fingerprint is the client-computed device fingerprint, if any.
	Fingerprint string

	// DeviceName is the human-readable device description.
	DeviceName string

	// IP is the remote address the session was created from.
	IP string

	// UserAgent is the creating user agent.
	UserAgent string

	// CreatedAt is when the session was established.
	CreatedAt time.Time

	// LastActiveAt is updated on every successful validation.
	LastActiveAt time.Time

	// ExpiresAt is the absolute expiry.
	ExpiresAt time.Time

	// Revoked marks the session as explicitly ended.
	Revoked bool

	// Current marks the caller's own session in List results. It is never
	// set on stored records.
	Current bool
}

// live reports whether the session is neither revoked nor expired at t.
func (s *Session) live(t time.Time) bool {
	return !s.Revoked && t.Before(s.ExpiresAt)
}

// Metadata describes the device a session is created from.
type Metadata struct {
	// Fingerprint is the client-computed device fingerprint, if any.
	Fingerprint string

	// DeviceName is the human-readable device description.
	DeviceName string

	// IP is the remote address.
	IP string

	// UserAgent is the requesting user agent.
	UserAgent string
}

// shard owns one user's sessions. All access goes through mu, which is what
// makes mutations against a single user serially ordered.
type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Store holds every user's session shard.
//
// Shards are created on first use and retained for the process lifetime;
// an idle shard is a mutex and an empty map, bounded by the user population.
type Store struct {
	mu     sync.RWMutex
	shards map[string]*shard

	ttl             time.Duration
	cleanupInterval time.Duration

	// stopCleanup is used to signal the cleanup goroutine to stop
	stopCleanup chan struct{}

	// cleanupDone is closed when the cleanup goroutine has fully stopped
	cleanupDone chan struct{}

	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the default session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) Option {
	return func(s *Store) {
		s.cleanupInterval = interval
	}
}

// NewStore creates a session store and starts its background sweep.
func NewStore(opts ...Option) *Store {
	s := &Store{
		shards:          make(map[string]*shard),
		ttl:             DefaultTTL,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Close stops the background sweep and waits for it to finish.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

// shardFor returns the user's shard, creating it on first use.
func (s *Store) shardFor(userID string) *shard {
	s.mu.RLock()
	sh, ok := s.shards[userID]
	s.mu.RUnlock()

	if ok {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sh, ok := s.shards[userID]; ok {
		return sh
	}

	sh = &shard{sessions: make(map[string]*Session)}
	s.shards[userID] = sh

	return sh
}

// peekShard returns the user's shard without creating one.
func (s *Store) peekShard(userID string) *shard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shards[userID]
}

// Create establishes a new session for the user and returns a copy of the
// stored record. The session is in the shard before Create returns. A ttl
// of zero or less uses the store default.
func (s *Store) Create(userID string, meta Metadata, ttl time.Duration) *Session {
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := time.Now()
	sess := &Session{
		UserID:       userID,
		Fingerprint:  meta.Fingerprint,
		DeviceName:   strings.TrimSpace(meta.DeviceName),
		IP:           meta.IP,
		UserAgent:    meta.UserAgent,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(ttl),
	}

	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for {
		sess.ID = uuid.NewString()
		if _, taken := sh.sessions[sess.ID]; !taken {
			break
		}
	}
	sh.sessions[sess.ID] = sess

	clone := *sess
	return &clone
}

// Validate looks up a session by id and, when it is live, stamps
// LastActiveAt and returns a copy. The lookup compares the id against every
// session in the shard so the timing does not reveal whether the id exists.
func (s *Store) Validate(userID, sessionID string) (*Session, bool) {
	sh := s.peekShard(userID)
	if sh == nil {
		return nil, false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var found *Session
	for id, sess := range sh.sessions {
		if subtle.ConstantTimeCompare([]byte(id), []byte(sessionID)) == 1 {
			found = sess
		}
	}

	if found == nil || !found.live(time.Now()) {
		return nil, false
	}

	found.LastActiveAt = time.Now()

	clone := *found
	return &clone, true
}

// Revoke ends a single session. It returns true when this call revoked a
// live session and false otherwise, so repeated calls are harmless and
// sibling sessions are never affected.
func (s *Store) Revoke(userID, sessionID string) bool {
	sh := s.peekShard(userID)
	if sh == nil {
		return false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[sessionID]
	if !ok || !sess.live(time.Now()) {
		return false
	}

	sess.Revoked = true

	return true
}

// RevokeAll ends every live session the user holds in one step, optionally
// sparing keepID (the caller's own session). It returns how many sessions
// were revoked. The whole sweep happens under the shard lock, so no
// concurrent mutation can interleave with it.
func (s *Store) RevokeAll(userID, keepID string) int {
	sh := s.peekShard(userID)
	if sh == nil {
		return 0
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	revoked := 0

	for id, sess := range sh.sessions {
		if id == keepID || !sess.live(now) {
			continue
		}

		sess.Revoked = true
		revoked++
	}

	return revoked
}

// List returns copies of the user's live sessions, most recently active
// first. The session whose id equals currentID has Current set.
func (s *Store) List(userID, currentID string) []*Session {
	sh := s.peekShard(userID)
	if sh == nil {
		return nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()

	var out []*Session
	for id, sess := range sh.sessions {
		if !sess.live(now) {
			continue
		}

		clone := *sess
		clone.Current = id == currentID
		out = append(out, &clone)
	}

	slices.SortFunc(out, func(a, b *Session) int {
		if !a.LastActiveAt.Equal(b.LastActiveAt) {
			if a.LastActiveAt.After(b.LastActiveAt) {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})

	return out
}

// Len reports how many live sessions the store holds across all users.
// The health endpoint uses it as a liveness probe.
func (s *Store) Len() int {
	s.mu.RLock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	now := time.Now()
	total := 0

	for _, sh := range shards {
		sh.mu.Lock()
		for _, sess := range sh.sessions {
			if sess.live(now) {
				total++
			}
		}
		sh.mu.Unlock()
	}

	return total
}

// cleanupLoop runs periodic cleanup of expired and revoked sessions.
func (s *Store) cleanupLoop() {
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

// cleanupExpired removes expired and revoked sessions. Expiry is re-checked
// on every read, so the sweep only reclaims memory.
func (s *Store) cleanupExpired() {
	s.mu.RLock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	now := time.Now()

	for _, sh := range shards {
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			if sess.Revoked || now.After(sess.ExpiresAt) {
				delete(sh.sessions, id)
			}
		}
		sh.mu.Unlock()
	}
}
