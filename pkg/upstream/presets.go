// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

// Google returns the OIDC configuration for Google accounts.
func Google(clientID, clientSecret, redirectURL string) Config {
	return Config{
		Name:         "google",
		Type:         ProviderTypeOIDC,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Issuer:       "https://accounts.google.com",
	}
}

// GitHub returns the OAuth2 configuration for GitHub accounts. GitHub does
// not implement OIDC for user login, so identity comes from its user API.
//
// TODO: fall back to the /user/emails API when the profile email is private.
func GitHub(clientID, clientSecret, redirectURL string) Config {
	return Config{
		Name:         "github",
		Type:         ProviderTypeOAuth2,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"read:user", "user:email"},
		AuthURL:      "https://github.com/login/oauth/authorize",
		TokenURL:     "https://github.com/login/oauth/access_token",
		UserInfoURL:  "https://api.github.com/user",
		AvatarPath:   "avatar_url",
		IDPath:       "id",
	}
}
