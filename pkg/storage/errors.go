// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist. Single-use
	// rows (authorization codes, magic codes) also return it once consumed or
	// expired so that callers cannot distinguish the three cases.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when a row with the same key already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrExpired is returned when a row exists but its expiry has passed.
	ErrExpired = errors.New("resource expired")

	// ErrTokenRevoked is returned when a refresh token row exists but has been
	// revoked. Rotation treats this as a replay of a previously rotated token.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrAlreadyDecided is returned when a device authorization has already
	// reached a terminal state. Terminal states are absorbing.
	ErrAlreadyDecided = errors.New("device authorization already decided")
)
