// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package deviceauth implements the device-authorization grant (RFC 8628).
//
// A device calls Mint and shows the user code; the user approves or denies
// on an authenticated page; the device polls the token endpoint, which calls
// Poll until the grant converts. The poll vocabulary maps one-to-one onto
// the RFC 8628 token-endpoint error codes.
package deviceauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/grovelabs/groveauth/pkg/crypto"
	"github.com/grovelabs/groveauth/pkg/storage"
)

const (
	// UserCodeAlphabet is the alphabet user codes are drawn from. No vowels,
	// so no accidental words; no 0/O/1/I/L, so no confusable characters.
	UserCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ23456789"

	// userCodeLength is the canonical user-code length.
	userCodeLength = 8

	// deviceCodeBytes is the entropy of the device-side secret.
	deviceCodeBytes = 32

	// mintAttempts bounds user-code regeneration on collision.
	mintAttempts = 5
)

// Poll outcomes, named after the RFC 8628 token-endpoint error codes.
var (
	// ErrInvalidGrant means the device code is unknown, already redeemed,
	// or presented by the wrong client.
	ErrInvalidGrant = errors.New("device grant is invalid")

	// ErrAuthorizationPending means the user has not decided yet.
	ErrAuthorizationPending = errors.New("authorization is pending")

	// ErrSlowDown means the device polled faster than the grant's interval.
	ErrSlowDown = errors.New("polling too fast")

	// ErrAccessDenied means the user denied the request.
	ErrAccessDenied = errors.New("the user denied the request")

	// ErrExpiredToken means the grant expired before a decision converted.
	ErrExpiredToken = errors.New("device code expired")
)

// ErrNotAllowed means the deciding user lost their allowlist entry between
// login and decision.
var ErrNotAllowed = errors.New("user is not allowed to authorize devices")

// Store is the storage surface the engine needs.
type Store interface {
	storage.DeviceCodeStore
	storage.AllowlistStore
}

// Grant is a freshly minted device authorization. ExpiresIn and Interval are
// in seconds, ready for the wire.
type Grant struct {
	DeviceCode string
	UserCode   string
	ExpiresIn  int
	Interval   int
}

// Engine drives the device-authorization ceremony over a backing store.
type Engine struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithTTL overrides the default fifteen-minute grant lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.ttl = ttl
	}
}

// WithPollInterval overrides the default five-second minimum poll spacing.
func WithPollInterval(interval time.Duration) Option {
	return func(e *Engine) {
		e.interval = interval
	}
}

// New returns an Engine with the default grant lifetime and poll interval.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		ttl:      storage.DefaultDeviceCodeTTL,
		interval: storage.DefaultDevicePollInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mint creates a grant for the client. The device secret is stored only as a
// hash; the user code is regenerated on collision with a live pending grant.
func (e *Engine) Mint(ctx context.Context, clientID, scope string) (*Grant, error) {
	if clientID == "" {
		return nil, errors.New("client id is required")
	}

	deviceCode, err := crypto.RandomToken(deviceCodeBytes)
	if err != nil {
		return nil, fmt.Errorf("generating device code: %w", err)
	}

	now := time.Now()
	for range mintAttempts {
		userCode, err := crypto.RandomFromAlphabet(UserCodeAlphabet, userCodeLength)
		if err != nil {
			return nil, fmt.Errorf("generating user code: %w", err)
		}
		row := &storage.DeviceCode{
			DeviceCodeHash: crypto.HashToken(deviceCode),
			UserCode:       userCode,
			ClientID:       clientID,
			Scope:          scope,
			Status:         storage.DeviceStatusPending,
			Interval:       e.interval,
			CreatedAt:      now,
			ExpiresAt:      now.Add(e.ttl),
		}
		if err := e.store.CreateDeviceCode(ctx, row); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				continue
			}
			return nil, fmt.Errorf("storing device code: %w", err)
		}
		return &Grant{
			DeviceCode: deviceCode,
			UserCode:   userCode,
			ExpiresIn:  int(e.ttl.Seconds()),
			Interval:   int(e.interval.Seconds()),
		}, nil
	}
	return nil, fmt.Errorf("allocating user code: %d collisions", mintAttempts)
}

// Lookup retrieves the grant behind a user code for the approval page.
// Unknown codes return storage.ErrNotFound, expired ones storage.ErrExpired.
func (e *Engine) Lookup(ctx context.Context, userCode string) (*storage.DeviceCode, error) {
	row, err := e.store.GetDeviceCodeByUserCode(ctx, NormalizeUserCode(userCode))
	if err != nil {
		return nil, fmt.Errorf("looking up device code: %w", err)
	}
	return row, nil
}

// Decide records the user's approve or deny. The allowlist is re-checked at
// decision time: a user whose membership lapsed between login and approval
// gets ErrNotAllowed. Transitions are monotonic; a grant that is already
// decided returns storage.ErrAlreadyDecided, an expired one storage.ErrExpired.
func (e *Engine) Decide(ctx context.Context, userCode string, user *storage.User, approve bool) error {
	if user == nil {
		return errors.New("user is required")
	}

	allowed, err := e.store.IsEmailAllowed(ctx, user.Email)
	if err != nil {
		return fmt.Errorf("checking allowlist: %w", err)
	}
	if !allowed {
		return ErrNotAllowed
	}

	status := storage.DeviceStatusDenied
	if approve {
		status = storage.DeviceStatusAuthorized
	}
	if err := e.store.SetDeviceCodeStatus(ctx, NormalizeUserCode(userCode), status, user.ID); err != nil {
		return fmt.Errorf("recording decision: %w", err)
	}
	return nil
}

// Poll is the token endpoint's view of the grant. It records the poll,
// enforces the interval, and converts an authorized grant exactly once; the
// returned row carries the approving user, client, and scope.
func (e *Engine) Poll(ctx context.Context, deviceCode, clientID string) (*storage.DeviceCode, error) {
	hash := crypto.HashToken(deviceCode)

	row, previous, err := e.store.TouchDeviceCodePoll(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidGrant
	}
	if errors.Is(err, storage.ErrExpired) {
		return nil, ErrExpiredToken
	}
	if err != nil {
		return nil, fmt.Errorf("recording poll: %w", err)
	}
	if row.ClientID != clientID {
		return nil, ErrInvalidGrant
	}

	switch row.Status {
	case storage.DeviceStatusPending:
		if !previous.IsZero() && time.Since(previous) < row.Interval {
			return nil, ErrSlowDown
		}
		return nil, ErrAuthorizationPending
	case storage.DeviceStatusDenied:
		return nil, ErrAccessDenied
	case storage.DeviceStatusAuthorized:
		consumed, err := e.store.ConsumeAuthorizedDeviceCode(ctx, hash)
		if errors.Is(err, storage.ErrNotFound) {
			// A concurrent poll won the redemption.
			return nil, ErrInvalidGrant
		}
		if err != nil {
			return nil, fmt.Errorf("redeeming device code: %w", err)
		}
		return consumed, nil
	default:
		return nil, ErrInvalidGrant
	}
}

// NormalizeUserCode converts user input to the canonical stored form:
// uppercase, separators stripped.
func NormalizeUserCode(input string) string {
	cleaned := strings.ToUpper(strings.TrimSpace(input))
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	return strings.ReplaceAll(cleaned, " ", "")
}

// FormatUserCode renders a canonical user code for display, split in the
// middle: "BCDFGHJK" becomes "BCDF-GHJK".
func FormatUserCode(code string) string {
	if len(code) != userCodeLength {
		return code
	}
	return code[:userCodeLength/2] + "-" + code[userCodeLength/2:]
}
