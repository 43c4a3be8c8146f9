// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/grovelabs/groveauth/pkg/crypto"
	"github.com/grovelabs/groveauth/pkg/server"
	"github.com/grovelabs/groveauth/pkg/storage"
)

func newClientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Inspect and prepare the client registry",
	}
	cmd.AddCommand(newClientsListCmd())
	cmd.AddCommand(newClientsHashSecretCmd())
	return cmd
}

func newClientsListCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the clients in a registry file",
		Long: `Parse a clients.yaml registry and print its entries. The file is validated
the same way the server validates it at startup, so a clean listing here
means serve will accept it.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			if file == "" {
				return fmt.Errorf("the --clients-file flag is required")
			}
			clients, err := server.LoadClientRegistry(file)
			if err != nil {
				return err
			}
			return renderClientsTable(clients)
		},
	}

	cmd.Flags().StringVar(&file, "clients-file", "", "Path to the clients.yaml registry")

	return cmd
}

func renderClientsTable(clients []*storage.Client) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Options(
		tablewriter.WithHeader([]string{"ID", "Name", "Type", "Redirect URIs", "Origins", "Internal"}),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(6, tw.AlignLeft)),
	)

	for _, c := range clients {
		kind := "confidential"
		if c.SecretHash == "" {
			kind = "public"
		}
		internal := "no"
		if c.Internal {
			internal = "yes"
		}
		if err := table.Append([]string{
			c.ID,
			c.Name,
			kind,
			strings.Join(c.RedirectURIs, "\n"),
			strings.Join(c.AllowedOrigins, "\n"),
			internal,
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func newClientsHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret",
		Short: "Hash a client secret for the registry file",
		Long: `Hash a client secret and print the value to place in clients.yaml, so the
registry never has to carry cleartext. The secret is read from stdin:

- Piped input:
    echo -n "my-secret" | groveauth clients hash-secret

- Interactive input: if nothing is piped you are prompted and the input
  is hidden.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			secret, err := readSecretInput()
			if err != nil {
				return err
			}
			if secret == "" {
				return fmt.Errorf("secret must not be empty")
			}

			hash, err := crypto.HashClientSecret(secret)
			if err != nil {
				return err
			}

			fmt.Printf("%s%s\n", server.BcryptPrefix, hash)
			return nil
		},
	}
}

func readSecretInput() (string, error) {
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading secret from stdin: %w", err)
		}
		return strings.TrimSuffix(string(data), "\n"), nil
	}

	fmt.Print("Enter secret value (input will be hidden): ")
	data, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading secret from terminal: %w", err)
	}
	return string(data), nil
}
