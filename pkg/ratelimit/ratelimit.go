// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit enforces fixed-window rate limits keyed by (scope,
// subject) on top of the shared counter store, so the limits hold across
// every replica that shares a backend. Route groups whose subject is just
// the client IP are limited in middleware instead; this package carries the
// policy table for both.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/grovelabs/groveauth/pkg/storage"
)

// Scope names one rate-limited surface.
type Scope string

const (
	// ScopeMagicIP limits magic-code sends per client IP.
	ScopeMagicIP Scope = "magic_ip"

	// ScopeMagicEmail limits magic-code sends per recipient address.
	ScopeMagicEmail Scope = "magic_email"

	// ScopeToken limits token-endpoint calls per IP and client pair.
	// Keying on the client alone would let any caller exhaust the window
	// for every user of that client.
	ScopeToken Scope = "token"

	// ScopeVerify limits magic-code verification per client IP.
	ScopeVerify Scope = "verify"

	// ScopeAdmin limits the administrative surface per client IP.
	ScopeAdmin Scope = "admin"

	// ScopeDeviceInit limits device-authorization starts per client IP.
	ScopeDeviceInit Scope = "device_init"

	// ScopeSessionValidate limits session validation per client IP.
	ScopeSessionValidate Scope = "session_validate"

	// ScopeSessionList limits session listing per client IP.
	ScopeSessionList Scope = "session_list"

	// ScopeSessionRevoke limits single-session revocation per client IP.
	ScopeSessionRevoke Scope = "session_revoke"

	// ScopeSessionRevokeAll limits whole-account revocation per client IP.
	ScopeSessionRevokeAll Scope = "session_revoke_all"
)

// Policy is the limit and window applied to one scope.
type Policy struct {
	// Limit is the number of requests allowed per window.
	Limit int

	// Window is the fixed window length.
	Window time.Duration
}

// policies is the per-scope policy table.
var policies = map[Scope]Policy{
	ScopeMagicIP:          {Limit: 10, Window: time.Minute},
	ScopeMagicEmail:       {Limit: 3, Window: time.Minute},
	ScopeToken:            {Limit: 20, Window: time.Minute},
	ScopeVerify:           {Limit: 100, Window: time.Minute},
	ScopeAdmin:            {Limit: 30, Window: time.Minute},
	ScopeDeviceInit:       {Limit: 10, Window: time.Minute},
	ScopeSessionValidate:  {Limit: 100, Window: time.Minute},
	ScopeSessionList:      {Limit: 30, Window: time.Minute},
	ScopeSessionRevoke:    {Limit: 30, Window: time.Minute},
	ScopeSessionRevokeAll: {Limit: 3, Window: time.Hour},
}

// PolicyFor returns the policy for a scope. Unknown scopes get a
// conservative 10-per-minute policy rather than no limit at all.
func PolicyFor(scope Scope) Policy {
	if p, ok := policies[scope]; ok {
		return p
	}
	return Policy{Limit: 10, Window: time.Minute}
}

// TokenSubject builds the token-endpoint subject from the caller IP and
// client id.
func TokenSubject(ip, clientID string) string {
	return ip + ":" + clientID
}

// Result reports the outcome of one Check call.
type Result struct {
	// Allowed reports whether the request fits in the current window.
	Allowed bool

	// Remaining is how many further requests the window admits.
	Remaining int

	// ResetAt is when the current window ends.
	ResetAt time.Time
}

// RetryAfter is how long the caller should wait before retrying,
// rounded up to a whole second and never less than one.
func (r *Result) RetryAfter() time.Duration {
	d := time.Until(r.ResetAt)
	if d <= 0 {
		return time.Second
	}
	return d.Round(time.Second) + time.Second
}

// Limiter spends requests against fixed windows in the counter store.
type Limiter struct {
	counters storage.RateCounterStore
}

// New creates a Limiter over the given counter store.
func New(counters storage.RateCounterStore) *Limiter {
	return &Limiter{counters: counters}
}

// Check spends one request from the (scope, subject) window under the
// scope's default policy.
func (l *Limiter) Check(ctx context.Context, scope Scope, subject string) (*Result, error) {
	return l.CheckPolicy(ctx, scope, subject, PolicyFor(scope))
}

// CheckPolicy spends one request from the (scope, subject) window under an
// explicit policy. Denied requests still count: a caller hammering a closed
// window does not get a fresh one any sooner.
func (l *Limiter) CheckPolicy(ctx context.Context, scope Scope, subject string, policy Policy) (*Result, error) {
	counter, err := l.counters.IncrementRateCounter(ctx, counterKey(scope, subject), policy.Window)
	if err != nil {
		return nil, fmt.Errorf("incrementing rate counter: %w", err)
	}

	remaining := policy.Limit - counter.Count
	if remaining < 0 {
		remaining = 0
	}

	return &Result{
		Allowed:   counter.Count <= policy.Limit,
		Remaining: remaining,
		ResetAt:   counter.WindowStart.Add(policy.Window),
	}, nil
}

// counterKey is the storage key, e.g. "magic_email:a@example.com".
func counterKey(scope Scope, subject string) string {
	return string(scope) + ":" + subject
}
