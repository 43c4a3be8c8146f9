// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the groveauth command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/grovelabs/groveauth/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "groveauth",
	DisableAutoGenTag: true,
	Short:             "Centralized OAuth 2.1 and OpenID Connect login for Grove services",
	Long: `groveauth is the central authorization server for Grove services. It signs
users in through upstream identity providers (Google, GitHub, any OIDC issuer)
or emailed one-time codes, and issues OAuth 2.1 tokens to registered clients:

- Authorization code grant with mandatory PKCE
- Refresh token rotation with replay detection
- Device authorization grant for CLIs and headless hosts
- Browser sessions with cookie-based validation for first-party apps

Configuration comes from flags, GROVEAUTH_* environment variables, and an
optional YAML config file, in that order of precedence.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the groveauth CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newGenerateKeyCmd())
	rootCmd.AddCommand(newClientsCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}
