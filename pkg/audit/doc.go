// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit records security-relevant transitions to the append-only
// trail in the store. Handlers build an Event for each transition (login,
// token exchange, code send, and so on) and hand it to the Logger, which
// writes from a background goroutine so no request ever waits on the
// trail. A full buffer drops events rather than blocking, and a write
// failure is logged, never propagated.
//
// Events carry the caller's IP and user agent plus event-specific detail
// fields. They must never carry secrets, token values, or code bodies.
package audit
