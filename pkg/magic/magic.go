// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package magic implements emailed login codes with lockout.
//
// Send is deliberately quiet: whether the address is unknown, locked, or
// perfectly fine, the caller gets the same non-error outcome, so the HTTP
// surface can return one indistinguishable body and nobody can enumerate
// mailboxes. Only an allowlisted, unlocked address actually gets a code.
// Verify is the loud half: it distinguishes locked, invalid, and disallowed
// because at that point the caller has already proven mailbox possession or
// is burning failed attempts.
package magic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grovelabs/groveauth/pkg/crypto"
	"github.com/grovelabs/groveauth/pkg/email"
	"github.com/grovelabs/groveauth/pkg/storage"
)

const (
	// ProviderName is the provenance recorded on users this ceremony creates.
	ProviderName = "magic"

	// codeDigits is the length of a login code.
	codeDigits = 6

	// FailureThreshold is how many consecutive misses lock an address.
	FailureThreshold = 5

	// LockDuration is how long a locked address stays locked.
	LockDuration = 15 * time.Minute
)

// ErrInvalidCode means the presented code did not verify. Wrong, expired,
// and already-used codes are indistinguishable.
var ErrInvalidCode = errors.New("invalid login code")

// ErrNotAllowed means the email verified but is not on the allowlist.
var ErrNotAllowed = errors.New("email is not allowed to authenticate")

// LockedError reports a locked address. Until is surfaced so the wire
// response can carry locked_until.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.Format(time.RFC3339))
}

// Store is the storage surface the engine needs.
type Store interface {
	storage.MagicCodeStore
	storage.FailedAttemptStore
	storage.AllowlistStore
	storage.UserStore
}

// Engine drives the magic-code ceremony over a store and a mail transport.
type Engine struct {
	store  Store
	sender email.Sender
	ttl    time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithTTL overrides the default ten-minute code lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.ttl = ttl
	}
}

// New returns an Engine with the default code lifetime.
func New(store Store, sender email.Sender, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		sender: sender,
		ttl:    storage.DefaultMagicCodeTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SendResult reports what Send actually did behind its uniform surface.
type SendResult struct {
	// Issued is true when a code was generated, stored, and handed to the
	// transport. False means the address was unknown or locked.
	Issued bool

	// DeliveryErr is a transport failure, if any. Delivery failure does not
	// fail the send; callers audit it and still return success.
	DeliveryErr error
}

// Send issues a login code for the address if it is allowlisted and not
// locked, and reports nothing useful otherwise. The caller must have already
// applied rate limits and validated the client.
func (e *Engine) Send(ctx context.Context, addr string) (SendResult, error) {
	addr = storage.NormalizeEmail(addr)
	if addr == "" {
		return SendResult{}, errors.New("email is required")
	}

	allowed, err := e.store.IsEmailAllowed(ctx, addr)
	if err != nil {
		return SendResult{}, fmt.Errorf("checking allowlist: %w", err)
	}
	lockedUntil, err := e.lockedUntil(ctx, addr)
	if err != nil {
		return SendResult{}, err
	}
	if !allowed || !lockedUntil.IsZero() {
		return SendResult{}, nil
	}

	code, err := crypto.RandomDigits(codeDigits)
	if err != nil {
		return SendResult{}, fmt.Errorf("generating login code: %w", err)
	}
	now := time.Now()
	row := &storage.MagicCode{
		Email:     addr,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(e.ttl),
	}
	if err := e.store.CreateMagicCode(ctx, row); err != nil {
		return SendResult{}, fmt.Errorf("storing magic code: %w", err)
	}

	if err := e.sender.Send(ctx, loginMessage(addr, code, e.ttl)); err != nil {
		return SendResult{Issued: true, DeliveryErr: err}, nil
	}
	return SendResult{Issued: true}, nil
}

// Verify checks the code for the address and materializes the user on
// success. Failures are, in precedence order: LockedError when the address
// is locked, ErrInvalidCode on a miss (which may itself trip the lock),
// ErrNotAllowed when the address verified but lost its allowlist entry.
func (e *Engine) Verify(ctx context.Context, addr, code string) (*storage.User, error) {
	addr = storage.NormalizeEmail(addr)
	if addr == "" {
		return nil, errors.New("email is required")
	}
	if code == "" {
		return nil, errors.New("code is required")
	}

	until, err := e.lockedUntil(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !until.IsZero() {
		return nil, &LockedError{Until: until}
	}

	if _, err := e.store.ConsumeMagicCode(ctx, addr, code); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, e.recordMiss(ctx, addr)
		}
		return nil, fmt.Errorf("consuming magic code: %w", err)
	}

	if err := e.store.ClearFailedAttempts(ctx, addr); err != nil {
		return nil, fmt.Errorf("clearing failed attempts: %w", err)
	}

	allowed, err := e.store.IsEmailAllowed(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("checking allowlist: %w", err)
	}
	if !allowed {
		return nil, ErrNotAllowed
	}

	return e.materializeUser(ctx, addr)
}

// lockedUntil returns the lock expiry for the address, or zero when the
// address is not locked.
func (e *Engine) lockedUntil(ctx context.Context, addr string) (time.Time, error) {
	att, err := e.store.GetFailedAttempt(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("checking lockout: %w", err)
	}
	if att.LockedUntil.After(time.Now()) {
		return att.LockedUntil, nil
	}
	return time.Time{}, nil
}

// recordMiss books a failed attempt and returns the error the miss surfaces
// as: LockedError when this miss tripped the threshold, ErrInvalidCode
// otherwise.
func (e *Engine) recordMiss(ctx context.Context, addr string) error {
	att, err := e.store.RecordFailedAttempt(ctx, addr, FailureThreshold, LockDuration)
	if err != nil {
		return fmt.Errorf("recording failed attempt: %w", err)
	}
	if att.LockedUntil.After(time.Now()) {
		return &LockedError{Until: att.LockedUntil}
	}
	return ErrInvalidCode
}

// materializeUser upserts the account for a verified address. The upsert
// refreshes profile fields wholesale, and this ceremony learns nothing new
// about the user, so known fields are carried forward.
func (e *Engine) materializeUser(ctx context.Context, addr string) (*storage.User, error) {
	incoming := &storage.User{Email: addr, Provider: ProviderName}

	existing, err := e.store.GetUserByEmail(ctx, addr)
	switch {
	case err == nil:
		incoming.Name = existing.Name
		incoming.AvatarURL = existing.AvatarURL
		incoming.IsAdmin = existing.IsAdmin
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	user, err := e.store.UpsertUserByEmail(ctx, incoming)
	if err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}
	return user, nil
}

// loginMessage composes the mail carrying a freshly minted code.
func loginMessage(to, code string, ttl time.Duration) email.Message {
	return email.Message{
		To:      to,
		Subject: "Your login code",
		Body: fmt.Sprintf(
			"Your login code is %s. It expires in %d minutes.\n\nIf you did not request this code, you can ignore this email.",
			code, int(ttl.Minutes()),
		),
	}
}
