// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

/*
Package oidc is a relying party client for OpenID Connect providers. It
supports the authorization code flow (with optional PKCE), id_token
verification, token refresh, UserInfo and RP-initiated logout.

Primary types provided by the package:

  - Request: represents one OIDC authentication flow for a user. It carries the
    state, the nonce sent to the provider and an optional PKCE verifier.

  - Token: represents an OIDC id_token, as well as an OAuth2 access_token and
    refresh_token (including the access_token and refresh_token expiry).

  - Config: provides the configuration for a relying party client of a
    provider.

  - Provider: integrates with a discovered OIDC provider.

  - TestProvider: a local http server used to run the authorization code flow
    in unit tests.

Example:

	issuer := "https://keycloak.example/realms/main"
	clientID := "app"
	clientSecret := "secret"
	redirectURL := "https://app.example/callback"

	pc, err := oidc.NewConfig(issuer, clientID, clientSecret, []oidc.Alg{oidc.RS256}, []string{redirectURL})
	if err != nil {
		// handle error
	}
	p, err := oidc.NewProvider(pc)
	if err != nil {
		// handle error
	}
	defer p.Done()

	nonce, _ := oidc.NewID()
	r, err := oidc.NewRequest(10*time.Minute, redirectURL, oidc.WithNonce(oidc.HashNonce(nonce)))
	if err != nil {
		// handle error
	}
	authURL, err := p.AuthURL(ctx, r)
	// redirect the user to authURL, then in the callback:
	tk, err := p.Exchange(ctx, r, state, code)
*/
package oidc
