// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Tests use the withEngine helper which calls t.Parallel() internally,
// making all subtests parallel despite not having explicit t.Parallel() calls.
//
//nolint:paralleltest // parallel execution handled by withEngine helper
package magic

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovelabs/groveauth/pkg/email"
	"github.com/grovelabs/groveauth/pkg/storage"
)

const testEmail = "ada@example.com"

// --- Test Helpers ---

// captureSender records sent messages instead of delivering them.
type captureSender struct {
	mu   sync.Mutex
	sent []email.Message
	fail error
}

func (c *captureSender) Send(_ context.Context, msg email.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *captureSender) last(t *testing.T) email.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent, "no message was sent")
	return c.sent[len(c.sent)-1]
}

func withEngine(t *testing.T, fn func(context.Context, *Engine, *storage.MemoryStorage, *captureSender)) {
	t.Helper()
	t.Parallel()
	s := storage.NewMemoryStorage()
	defer s.Close()
	sender := &captureSender{}
	fn(context.Background(), New(s, sender), s, sender)
}

var codePattern = regexp.MustCompile(`\b(\d{6})\b`)

// issueCode allowlists the address, sends, and extracts the code from the
// captured mail.
func issueCode(t *testing.T, ctx context.Context, e *Engine, s *storage.MemoryStorage, sender *captureSender, addr string) string {
	t.Helper()
	require.NoError(t, s.AddAllowedEmail(ctx, addr))
	res, err := e.Send(ctx, addr)
	require.NoError(t, err)
	require.True(t, res.Issued)
	m := codePattern.FindStringSubmatch(sender.last(t).Body)
	require.Len(t, m, 2, "mail body carries no six-digit code")
	return m[1]
}

// --- Send Tests ---

func TestSendIssuesCodeForAllowedEmail(t *testing.T) {
	withEngine(t, func(ctx context.Context, e *Engine, s *storage.MemoryStorage, sender *captureSender) {
		require.NoError(t, s.AddAllowedEmail(ctx, testEmail))

		res, err := e.Send(ctx, testEmail)
		require.NoError(t, err)
		assert.True(t, res.Issued)
		assert.NoError(t, res.DeliveryErr)

		msg := sender.last(t)
		assert.Equal(t, testEmail, msg.To)
		assert.Regexp(t, codePattern, msg.Body)
		assert.Contains(t, msg.Body, "10 minutes")
	})
}

func TestSendSilentForUnknownEmail(t *testing.T) {
	withEngine(t, func(ctx context.Context, e *Engine, _ *storage.MemoryStorage, sender *captureSender) {
		res, err := e.Send(ctx, "stranger@example.com")
		require.NoError(t, err, "unknown addresses must not error")
		assert.False(t, res.Issued)
		assert.Zero(t, sender.count())
	})
}

func TestSendSilentWhenLocked(t *testing.T) {
	withEngine(t, func(ctx context.Context, e *Engine, s *storage.MemoryStorage, sender *captureSender) {
		issueCode(t, ctx, e, s, sender, testEmail)
		for range FailureThreshold {
			_, _ = e.Verify(ctx, testEmail, "000000")
		}
		before := sender.count()

		res, err := e.Send(ctx, testEmail)
		require.NoError(t, err, "locked addresses must not error")
		assert.False(t, res.Issued)
		assert.Equal(t, before, sender.count())
	})
}

func TestSendSurvivesDeliveryFailure(t *testing.T) {
	withEngine(t, func(ctx context.Context, e *Engine, s *storage.MemoryStorage, sender *captureSender) {
		require.NoError(t, s.AddAllowedEmail(ctx, testEmail))
		sender.fail = errors.New("provider down")

		res, err := e.Send(ctx, testEmail)
		require.NoError(t, err, "delivery failure does not fail the send")
		assert.True(t, res.Issued)
		assert.ErrorContains(t, res.DeliveryErr, "provider down")
	})
}

func TestSendReplacesPreviousCode(t *testing.T) {
	withEngine(t, func(ctx context.Context, e *Engine, s *storage.MemoryStorage, sender *captureSender) {
		first := issueCode(t, ctx, e, s, sender, testEmail)

		res, err := e.Send(ctx, testEmail)
		require.NoError(t, err)
		require.True(t, res.Issued)
		m := codePattern.FindStringSubmatch(sender.last(t).Body)
		require.Len(t, m, 2)
		second := m[1]

		_, err = e.Verify(ctx, testEmail, first)
		if first != second {
			assert.ErrorIs(t, err, ErrInvalidCode, "the replaced code must not verify")
			_, err = e.Verify(ctx, testEmail, second)
		}
		assert.NoError(t, err)
	})
}

func TestSendRequiresEmail(t *testing.T) {
	withEngine(t, func(ctx context.Context, e *Engine, _ *storage.MemoryStorage, _ *captureSender) {
		_, err := e.Send(ctx, "   ")
		assert.ErrorContains(t, err, "email is required")
	})
}

// --- Verify Tests ---

func TestVerifyHappyPath(t *testing.T) {
	withEngine(t, func(ctx context.Context, e *Engine, s *storage.MemoryStorage, sender *captureSender) {
		code := issueCode(t, ctx, e, s, sender, testEmail)

		user, err := e.Verify(ctx, testEmail, code)
		require.NoError(t, err)
		assert.Equal(t, testEmail, user.Email)
		assert.Equal(t, ProviderName, user.Provider)
		assert.NotEmpty(t, user.ID)

		_, err = e.Verify(ctx, testEmail, code)
		assert.ErrorIs(t, err, ErrInvalidCode, "codes are single use")
	})
}

func TestVerifyNormalizesCase(t *testing.T) {
	withEngine(t, func(ctx context.Context, e *Engine, s *storage.MemoryStorage, sender *captureSender) {
		require.NoError(t, s.AddAllowedEmail(ctx, testEmail))

		res, err := e.Send(ctx, "  ADA@Example.COM ")
		require.NoError(t, err)
		require.True(t, res.Issued, "address comparison is case-folded")
		m := codePattern.FindStringSubmatch(sender.last(t).Body)
		require.Len(t, m, 2)

		user, err := e.Verify(ctx, "Ada@EXAMPLE.com", m[1])
		require.NoError(t, err)
		assert.Equal(t, testEmail, user.Email)
	})
}

func TestVerifyMissRecordsAttempt(t *testing.T) {
	withEngine(t, func(ctx context.Context, e *Engine, s *storage.MemoryStorage, sender *captureSender) {
		issueCode(t, ctx, e, s, sender, testEmail)

		_, err := e.Verify(ctx, testEmail, "000000")
		assert.ErrorIs(t, err, ErrInvalidCode)

		att, err := s.GetFailedAttempt(ctx, testEmail)
		require.NoError(t, err)
		assert.Equal(t, 1, att.Count)
	})
}

func TestVerifyLockoutAfterThreshold(t *testing.T) {
	withEngine(t, func(ctx context.Context, e *Engine, s *storage.MemoryStorage, sender *captureSender) {
		code := issueCode(t, ctx, e, s, sender, testEmail)

		for i := 1; i < FailureThreshold; i++ {
			_, err := e.Verify(ctx, testEmail, "000000")
			assert.ErrorIs(t, err, ErrInvalidCode, "miss %d", i)
		}

		_, err := e.Verify(ctx, testEmail, "000000")
		var locked *LockedError
		require.ErrorAs(t, err, &locked, "the fifth miss trips the lock")
		assert.WithinDuration(t, time.Now().Add(LockDuration), locked.Until, 2*time.Second)

		// Even the correct code is refused while the lock holds.
		_, err = e.Verify(ctx, testEmail, code)
		assert.ErrorAs(t, err, &locked)
	})
}

func TestVerifySuccessClearsFailures(t *testing.T) {
	withEngine(t, func(ctx context.Context, e *Engine, s *storage.MemoryStorage, sender *captureSender) {
		code := issueCode(t, ctx, e, s, sender, testEmail)

		for range 2 {
			_, err := e.Verify(ctx, testEmail, "000000")
			assert.ErrorIs(t, err, ErrInvalidCode)
		}

		_, err := e.Verify(ctx, testEmail, code)
		require.NoError(t, err)

		_, err = s.GetFailedAttempt(ctx, testEmail)
		assert.ErrorIs(t, err, storage.ErrNotFound, "success resets the streak")
	})
}

func TestVerifyDisallowedAfterSend(t *testing.T) {
	withEngine(t, func(ctx context.Context, e *Engine, s *storage.MemoryStorage, sender *captureSender) {
		code := issueCode(t, ctx, e, s, sender, testEmail)
		require.NoError(t, s.RemoveAllowedEmail(ctx, testEmail))

		_, err := e.Verify(ctx, testEmail, code)
		assert.ErrorIs(t, err, ErrNotAllowed, "allowlist is re-checked at verify time")
	})
}

func TestVerifyPreservesProfile(t *testing.T) {
	withEngine(t, func(ctx context.Context, e *Engine, s *storage.MemoryStorage, sender *captureSender) {
		_, err := s.UpsertUserByEmail(ctx, &storage.User{
			Email:     testEmail,
			Name:      "Ada Lovelace",
			AvatarURL: "https://cdn.example.com/ada.png",
			IsAdmin:   true,
			Provider:  "google",
		})
		require.NoError(t, err)

		code := issueCode(t, ctx, e, s, sender, testEmail)
		user, err := e.Verify(ctx, testEmail, code)
		require.NoError(t, err)

		assert.Equal(t, "Ada Lovelace", user.Name, "this ceremony learns no profile data")
		assert.Equal(t, "https://cdn.example.com/ada.png", user.AvatarURL)
		assert.True(t, user.IsAdmin)
	})
}

func TestVerifyRequiresInput(t *testing.T) {
	withEngine(t, func(ctx context.Context, e *Engine, _ *storage.MemoryStorage, _ *captureSender) {
		_, err := e.Verify(ctx, "", "123456")
		assert.ErrorContains(t, err, "email is required")

		_, err = e.Verify(ctx, testEmail, "")
		assert.ErrorContains(t, err, "code is required")
	})
}

func TestVerifyExpiredCode(t *testing.T) {
	t.Parallel()

	s := storage.NewMemoryStorage()
	defer s.Close()
	sender := &captureSender{}
	e := New(s, sender, WithTTL(-time.Minute))
	ctx := context.Background()

	code := issueCode(t, ctx, e, s, sender, testEmail)

	_, err := e.Verify(ctx, testEmail, code)
	assert.ErrorIs(t, err, ErrInvalidCode, "an expired code is just an invalid code")
}
