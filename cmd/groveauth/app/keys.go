// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"

	"github.com/grovelabs/groveauth/pkg/keys"
)

func newGenerateKeyCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "generate-key",
		Short: "Generate an RSA token signing key",
		Long: `Generate a new RSA-2048 signing key and write it as PKCS#8 PEM with 0600
permissions. An existing key file is never overwritten; rotate by generating
a new key and listing the old one under fallback_key_files so its signatures
keep verifying until the last tokens expire.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := output
			if path == "" {
				var err error
				path, err = xdg.DataFile(filepath.Join("groveauth", "keys", "signing.pem"))
				if err != nil {
					return fmt.Errorf("resolving default key path: %w", err)
				}
			}

			keyID, err := keys.GenerateAndSave(cmd.Context(), path)
			if err != nil {
				return err
			}

			fmt.Printf("Wrote signing key to %s\n", path)
			fmt.Printf("Key ID: %s\n", keyID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Path to write the key (default: XDG data directory)")

	return cmd
}
