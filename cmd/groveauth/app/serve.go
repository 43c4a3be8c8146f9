// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/grovelabs/groveauth/pkg/logger"
	"github.com/grovelabs/groveauth/pkg/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server.

Every setting can come from a flag, a GROVEAUTH_* environment variable, or the
YAML config file named by --config; flags win over environment, environment
over file. Upstream identity providers can only be declared in the config file.

Minimal development invocation:

    groveauth serve --issuer http://localhost:8080 --clients-file clients.yaml

Without a signing key or session secret the server generates ephemeral ones
and logs a warning; issued tokens and sessions then die with the process.`,
		RunE: runServe,
	}

	cmd.Flags().String("issuer", "", "Public base URL of this server (required)")
	cmd.Flags().String("listen-addr", server.DefaultListenAddr, "Address to listen on")
	cmd.Flags().String("storage-url", "", "Storage backend: memory://, sqlite:///path, or redis://host:port (default memory://)")
	cmd.Flags().String("clients-file", "", "Path to the clients.yaml registry (required)")
	cmd.Flags().String("signing-key-file", "", "Token signing key file, relative to --key-dir")
	cmd.Flags().String("key-dir", "", "Directory holding signing and fallback keys")
	cmd.Flags().String("session-secret-file", "", "File holding the session cookie secret")
	cmd.Flags().String("login-client-id", "", "Registered client the hosted login page acts as")
	cmd.Flags().String("cookie-domain", "", "Domain attribute for auth cookies, e.g. .grove.example")
	cmd.Flags().Bool("cookie-secure", true, "Mark auth cookies Secure")
	cmd.Flags().Bool("public-signup", false, "Allow any upstream-verified email instead of the allowlist")

	for flagName, key := range map[string]string{
		"issuer":              "issuer",
		"listen-addr":         "listen_addr",
		"storage-url":         "storage_url",
		"clients-file":        "clients_file",
		"signing-key-file":    "signing_key_file",
		"key-dir":             "key_dir",
		"session-secret-file": "session_secret_file",
		"login-client-id":     "login_client_id",
		"cookie-domain":       "cookie_domain",
		"cookie-secure":       "cookie_secure",
		"public-signup":       "public_signup",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			logger.Errorf("Error binding %s flag: %v", flagName, err)
		}
	}

	return cmd
}

// setServeDefaults registers every config key with viper. Registration is
// what makes environment-only values visible to Unmarshal.
func setServeDefaults() {
	viper.SetDefault("issuer", "")
	viper.SetDefault("listen_addr", server.DefaultListenAddr)
	viper.SetDefault("storage_url", "")
	viper.SetDefault("session_secret", "")
	viper.SetDefault("session_secret_file", "")
	viper.SetDefault("key_dir", "")
	viper.SetDefault("signing_key_file", "")
	viper.SetDefault("fallback_key_files", []string{})
	viper.SetDefault("clients_file", "")
	viper.SetDefault("login_client_id", "")
	viper.SetDefault("cookie_domain", "")
	viper.SetDefault("cookie_secure", true)
	viper.SetDefault("public_signup", false)
	viper.SetDefault("access_token_ttl", time.Duration(0))
	viper.SetDefault("refresh_token_ttl", time.Duration(0))
	viper.SetDefault("jwks_url", "")
	viper.SetDefault("email.endpoint", "")
	viper.SetDefault("email.api_key", "")
	viper.SetDefault("email.api_key_file", "")
	viper.SetDefault("email.from", "")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	setServeDefaults()
	viper.SetEnvPrefix("groveauth")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configPath := viper.GetString("config"); configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		logger.Infof("Loaded configuration from %s", viper.ConfigFileUsed())
	}

	var cfg server.RunConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshaling configuration: %w", err)
	}

	srv, err := server.New(ctx, &cfg)
	if err != nil {
		return err
	}

	logger.Infof("Starting groveauth at %s, issuer %s", srv.Addr(), cfg.Issuer)
	return srv.Run(ctx)
}
