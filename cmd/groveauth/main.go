// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the groveauth authorization server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/grovelabs/groveauth/cmd/groveauth/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
