// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Tests use the withLimiter helper which calls t.Parallel() internally,
// making all subtests parallel despite not having explicit t.Parallel() calls.
//
//nolint:paralleltest // parallel execution handled by withLimiter helper
package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovelabs/groveauth/pkg/storage"
)

// --- Test Helpers ---

func withLimiter(t *testing.T, fn func(context.Context, *Limiter, *storage.MemoryStorage)) {
	t.Helper()
	t.Parallel()
	s := storage.NewMemoryStorage()
	defer s.Close()
	fn(context.Background(), New(s), s)
}

// failingCounters always errors, standing in for an unreachable backend.
type failingCounters struct{}

func (failingCounters) IncrementRateCounter(context.Context, string, time.Duration) (*storage.RateCounter, error) {
	return nil, errors.New("backend down")
}

// --- Policy Tests ---

func TestPolicyFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		scope  Scope
		limit  int
		window time.Duration
	}{
		{ScopeMagicIP, 10, time.Minute},
		{ScopeMagicEmail, 3, time.Minute},
		{ScopeToken, 20, time.Minute},
		{ScopeVerify, 100, time.Minute},
		{ScopeAdmin, 30, time.Minute},
		{ScopeDeviceInit, 10, time.Minute},
		{ScopeSessionValidate, 100, time.Minute},
		{ScopeSessionList, 30, time.Minute},
		{ScopeSessionRevoke, 30, time.Minute},
		{ScopeSessionRevokeAll, 3, time.Hour},
	}
	for _, tc := range cases {
		p := PolicyFor(tc.scope)
		assert.Equal(t, tc.limit, p.Limit, "limit for %s", tc.scope)
		assert.Equal(t, tc.window, p.Window, "window for %s", tc.scope)
	}
}

func TestPolicyForUnknownScope(t *testing.T) {
	t.Parallel()

	p := PolicyFor(Scope("mystery"))
	assert.Equal(t, 10, p.Limit, "unknown scopes still get a limit")
	assert.Equal(t, time.Minute, p.Window)
}

func TestTokenSubject(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "203.0.113.7:web-app", TokenSubject("203.0.113.7", "web-app"))
}

// --- Check Tests ---

func TestLimiter_CheckAllowsWithinLimit(t *testing.T) {
	withLimiter(t, func(ctx context.Context, l *Limiter, _ *storage.MemoryStorage) {
		for i := 1; i <= 3; i++ {
			res, err := l.Check(ctx, ScopeMagicEmail, "a@example.com")
			require.NoError(t, err)
			assert.True(t, res.Allowed, "request %d within limit", i)
			assert.Equal(t, 3-i, res.Remaining)
		}
	})
}

func TestLimiter_CheckDeniesOverLimit(t *testing.T) {
	withLimiter(t, func(ctx context.Context, l *Limiter, _ *storage.MemoryStorage) {
		for range 3 {
			_, err := l.Check(ctx, ScopeMagicEmail, "a@example.com")
			require.NoError(t, err)
		}

		res, err := l.Check(ctx, ScopeMagicEmail, "a@example.com")
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, 0, res.Remaining)
		assert.True(t, res.ResetAt.After(time.Now()), "window still open")
	})
}

func TestLimiter_SubjectsAreIndependent(t *testing.T) {
	withLimiter(t, func(ctx context.Context, l *Limiter, _ *storage.MemoryStorage) {
		for range 3 {
			_, err := l.Check(ctx, ScopeMagicEmail, "a@example.com")
			require.NoError(t, err)
		}

		res, err := l.Check(ctx, ScopeMagicEmail, "b@example.com")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "other subjects keep their own window")
		assert.Equal(t, 2, res.Remaining)
	})
}

func TestLimiter_ScopesAreIndependent(t *testing.T) {
	withLimiter(t, func(ctx context.Context, l *Limiter, _ *storage.MemoryStorage) {
		for range 3 {
			_, err := l.Check(ctx, ScopeMagicEmail, "203.0.113.7")
			require.NoError(t, err)
		}

		res, err := l.Check(ctx, ScopeMagicIP, "203.0.113.7")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "same subject under another scope is a different window")
	})
}

func TestLimiter_DeniedRequestsStillCount(t *testing.T) {
	withLimiter(t, func(ctx context.Context, l *Limiter, _ *storage.MemoryStorage) {
		policy := Policy{Limit: 1, Window: time.Minute}

		res, err := l.CheckPolicy(ctx, ScopeVerify, "203.0.113.7", policy)
		require.NoError(t, err)
		require.True(t, res.Allowed)

		for range 5 {
			res, err = l.CheckPolicy(ctx, ScopeVerify, "203.0.113.7", policy)
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, 0, res.Remaining)
		}
	})
}

func TestLimiter_WindowRollover(t *testing.T) {
	withLimiter(t, func(ctx context.Context, l *Limiter, _ *storage.MemoryStorage) {
		policy := Policy{Limit: 1, Window: 30 * time.Millisecond}

		res, err := l.CheckPolicy(ctx, ScopeToken, TokenSubject("203.0.113.7", "web"), policy)
		require.NoError(t, err)
		require.True(t, res.Allowed)

		res, err = l.CheckPolicy(ctx, ScopeToken, TokenSubject("203.0.113.7", "web"), policy)
		require.NoError(t, err)
		require.False(t, res.Allowed)

		time.Sleep(40 * time.Millisecond)

		res, err = l.CheckPolicy(ctx, ScopeToken, TokenSubject("203.0.113.7", "web"), policy)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "a new window opens once the old one ends")
	})
}

func TestLimiter_ResetAtTracksWindowStart(t *testing.T) {
	withLimiter(t, func(ctx context.Context, l *Limiter, _ *storage.MemoryStorage) {
		res, err := l.Check(ctx, ScopeAdmin, "203.0.113.7")
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(time.Minute), res.ResetAt, 2*time.Second)
	})
}

func TestLimiter_StoreErrorPropagates(t *testing.T) {
	t.Parallel()

	l := New(failingCounters{})
	_, err := l.Check(context.Background(), ScopeVerify, "203.0.113.7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incrementing rate counter")
}

// --- RetryAfter Tests ---

func TestResult_RetryAfter(t *testing.T) {
	t.Parallel()

	future := &Result{ResetAt: time.Now().Add(42 * time.Second)}
	got := future.RetryAfter()
	assert.GreaterOrEqual(t, got, 42*time.Second)
	assert.LessOrEqual(t, got, 44*time.Second)

	past := &Result{ResetAt: time.Now().Add(-time.Second)}
	assert.Equal(t, time.Second, past.RetryAfter())
}
