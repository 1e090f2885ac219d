// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

/*
Package authnz logs users into an application through external identity
providers and keeps their delegated credentials fresh.

Each configured provider is served by an Adapter built from a ProviderConfig.
Three families are supported:

  - KindOIDC: any provider with a discovery document (GenericOIDCAdapter).

  - KindKeycloak: Keycloak style providers which accept an upstream idp hint,
    may omit the nonce claim and may hand out client secrets from a credential
    endpoint (KeycloakAdapter).

  - KindLegacy: providers which predate discovery and are driven through
    explicit endpoints, with Google as the default (LegacyAdapter).

A Manager owns the adapters and is the entry point for the web layer. It
resolves provider names case insensitively, enforces local policy and reports
outcomes as a Response:

	m, err := authnz.NewManager(configs, authnz.WithLogger(logger))
	if err != nil {
		// some providers failed to load, m serves the rest
	}
	resp, err := m.Authenticate(ctx, "custos", tx, "")
	if err != nil {
		// handle error
	}
	// redirect the browser to resp.RedirectURL

The application provides persistence through UserStore and TokenStore and a
per-request Transaction which exposes cookies and the session user.
TestStore and TestTransaction are in-memory versions for tests.
*/
package authnz
