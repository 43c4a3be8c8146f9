// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import "slices"

// Config narrows which event kinds the Logger records. The zero value
// records everything.
type Config struct {
	// EventKinds lists the kinds to record. Empty means all kinds.
	EventKinds []string `json:"event_kinds,omitempty" yaml:"event_kinds,omitempty"`

	// ExcludeEventKinds lists kinds to drop. Exclusion wins over
	// EventKinds.
	ExcludeEventKinds []string `json:"exclude_event_kinds,omitempty" yaml:"exclude_event_kinds,omitempty"`
}

// DefaultConfig returns a configuration that records every event kind.
func DefaultConfig() *Config {
	return &Config{}
}

// ShouldAudit reports whether an event of the given kind is recorded
// under this configuration. A nil Config records everything.
func (c *Config) ShouldAudit(kind string) bool {
	if c == nil {
		return true
	}
	if slices.Contains(c.ExcludeEventKinds, kind) {
		return false
	}
	if len(c.EventKinds) == 0 {
		return true
	}
	return slices.Contains(c.EventKinds, kind)
}
