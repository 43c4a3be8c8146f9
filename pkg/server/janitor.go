// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"time"

	"github.com/grovelabs/groveauth/pkg/logger"
)

// janitorInterval is how often expired rows are swept. Sweeping is
// best-effort hygiene; no read path depends on it, since every lookup
// checks expiry itself.
const janitorInterval = 5 * time.Minute

// janitor deletes expired rows on a fixed cadence until ctx is canceled.
func (s *Server) janitor(ctx context.Context) {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

func (s *Server) sweepExpired(ctx context.Context) {
	sweeps := []struct {
		name string
		fn   func(context.Context) (int, error)
	}{
		{"authorization codes", s.store.DeleteExpiredAuthorizationCodes},
		{"refresh tokens", s.store.DeleteExpiredRefreshTokens},
		{"magic codes", s.store.DeleteExpiredMagicCodes},
		{"pending authorizations", s.store.DeleteExpiredPendingAuthorizations},
		{"device codes", s.store.DeleteExpiredDeviceCodes},
	}
	for _, sweep := range sweeps {
		if ctx.Err() != nil {
			return
		}
		n, err := sweep.fn(ctx)
		if err != nil {
			logger.Warnf("sweeping expired %s: %v", sweep.name, err)
			continue
		}
		if n > 0 {
			logger.Debugf("swept %d expired %s", n, sweep.name)
		}
	}
}
