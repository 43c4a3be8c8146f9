// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/grovelabs/groveauth/pkg/crypto"
	"github.com/grovelabs/groveauth/pkg/logger"
	"github.com/grovelabs/groveauth/pkg/storage"
)

// BcryptPrefix marks a registry secret that is already a bcrypt hash.
// Anything else is treated as cleartext and hashed on load.
const BcryptPrefix = "bcrypt:"

// RegistryClient is one entry of the clients.yaml registry file.
type RegistryClient struct {
	// ID is the OAuth client identifier.
	ID string `yaml:"id"`

	// Name is the display name. Defaults to the ID.
	Name string `yaml:"name"`

	// Secret is the client secret, either cleartext or a pre-hashed value
	// carrying the bcrypt: prefix. SecretFile wins over the inline value.
	// Public clients carry neither.
	Secret     string `yaml:"secret"`
	SecretFile string `yaml:"secret_file"`

	// Public marks clients that authenticate with a bare client_id.
	Public bool `yaml:"public"`

	// RedirectURIs is the exact-match redirect set.
	RedirectURIs []string `yaml:"redirect_uris"`

	// Origins lists the browser origins permitted for CORS requests.
	Origins []string `yaml:"origins"`

	// Domain scopes the cookies issued for this client, e.g. ".grove.example".
	Domain string `yaml:"domain"`

	// Internal marks first-party services that receive a session cookie
	// alongside tokens.
	Internal bool `yaml:"internal"`
}

type registryFile struct {
	Clients []RegistryClient `yaml:"clients"`
}

// LoadClientRegistry parses a clients.yaml file into storage rows. Cleartext
// secrets are bcrypt-hashed here, so the cleartext never reaches the store.
func LoadClientRegistry(path string) ([]*storage.Client, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("reading client registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing client registry %s: %w", path, err)
	}
	if len(file.Clients) == 0 {
		return nil, fmt.Errorf("client registry %s lists no clients", path)
	}

	clients := make([]*storage.Client, 0, len(file.Clients))
	seen := make(map[string]struct{}, len(file.Clients))
	for i, rc := range file.Clients {
		client, err := rc.toClient()
		if err != nil {
			return nil, fmt.Errorf("client %d (%q): %w", i, rc.ID, err)
		}
		if _, dup := seen[client.ID]; dup {
			return nil, fmt.Errorf("client %d: duplicate id %q", i, client.ID)
		}
		seen[client.ID] = struct{}{}
		clients = append(clients, client)
	}
	return clients, nil
}

func (rc *RegistryClient) toClient() (*storage.Client, error) {
	if rc.ID == "" {
		return nil, errors.New("id is required")
	}

	secret, err := resolveSecret(rc.Secret, rc.SecretFile)
	if err != nil {
		return nil, err
	}

	var hash string
	switch {
	case rc.Public:
		if secret != "" {
			return nil, errors.New("public clients take no secret")
		}
	case strings.HasPrefix(secret, BcryptPrefix):
		hash = strings.TrimPrefix(secret, BcryptPrefix)
		if !strings.HasPrefix(hash, "$2") {
			return nil, errors.New("value after bcrypt: prefix is not a bcrypt hash")
		}
	case secret == "":
		return nil, errors.New("confidential clients need a secret, or set public: true")
	default:
		hash, err = crypto.HashClientSecret(secret)
		if err != nil {
			return nil, fmt.Errorf("hashing secret: %w", err)
		}
	}

	name := rc.Name
	if name == "" {
		name = rc.ID
	}

	return &storage.Client{
		ID:             rc.ID,
		Name:           name,
		SecretHash:     hash,
		RedirectURIs:   slices.Clone(rc.RedirectURIs),
		AllowedOrigins: slices.Clone(rc.Origins),
		Domain:         rc.Domain,
		Internal:       rc.Internal,
	}, nil
}

// SyncClients upserts the registry into the store. Registrations removed
// from the file stay in the store until redeployed over; the registry file
// is the source of truth for the rows it names, not a full mirror.
func SyncClients(ctx context.Context, store storage.ClientStore, clients []*storage.Client) error {
	for _, client := range clients {
		if err := store.UpsertClient(ctx, client); err != nil {
			return fmt.Errorf("registering client %q: %w", client.ID, err)
		}
		logger.Debugf("registered client %s", client.ID)
	}
	logger.Infof("registered %d clients", len(clients))
	return nil
}
