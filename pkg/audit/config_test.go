// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigRecordsEverything(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()

	assert.True(t, config.ShouldAudit(KindLogin))
	assert.True(t, config.ShouldAudit(KindTokenExchange))
	assert.True(t, config.ShouldAudit("custom_kind"))
}

func TestShouldAuditNilConfig(t *testing.T) {
	t.Parallel()

	var config *Config
	assert.True(t, config.ShouldAudit(KindLogin))
}

func TestShouldAuditSpecificKinds(t *testing.T) {
	t.Parallel()

	config := &Config{
		EventKinds: []string{KindLogin, KindFailedLogin},
	}

	assert.True(t, config.ShouldAudit(KindLogin))
	assert.True(t, config.ShouldAudit(KindFailedLogin))
	assert.False(t, config.ShouldAudit(KindTokenExchange))
	assert.False(t, config.ShouldAudit("custom_kind"))
}

func TestShouldAuditExcludeKinds(t *testing.T) {
	t.Parallel()

	config := &Config{
		ExcludeEventKinds: []string{KindMagicCodeSent},
	}

	assert.True(t, config.ShouldAudit(KindLogin))
	assert.False(t, config.ShouldAudit(KindMagicCodeSent))
}

func TestShouldAuditExclusionWins(t *testing.T) {
	t.Parallel()

	config := &Config{
		EventKinds:        []string{KindLogin, KindLogout},
		ExcludeEventKinds: []string{KindLogout},
	}

	assert.True(t, config.ShouldAudit(KindLogin))
	assert.False(t, config.ShouldAudit(KindLogout))
}
