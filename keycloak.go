// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authnz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/authnz/oidc"
	"github.com/patrickmn/go-cache"
)

const credentialCacheKey = "client_secret"

// KeycloakAdapter is the OIDC adapter for Keycloak flavored providers such as
// Custos and CILogon.  It adds upstream IdP hints, an IdP allow-list and the
// optional credential endpoint which issues the client secret.
type KeycloakAdapter struct {
	*GenericOIDCAdapter

	config  *ProviderConfig
	client  *http.Client
	secrets *cache.Cache
}

var (
	_ Adapter            = (*KeycloakAdapter)(nil)
	_ Refresher          = (*KeycloakAdapter)(nil)
	_ AccessTokenDecoder = (*KeycloakAdapter)(nil)
	_ UserCreator        = (*KeycloakAdapter)(nil)
)

// NewKeycloakAdapter creates an adapter for c.  When c.CredentialURL is set
// the client secret is fetched from it before discovery.
//
// Supported options: WithLogger, WithNow
func NewKeycloakAdapter(c *ProviderConfig, opt ...Option) (*KeycloakAdapter, error) {
	const op = "NewKeycloakAdapter"
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	client, err := c.HTTPClient()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrConfiguration, err)
	}
	k := &KeycloakAdapter{
		config:  c,
		client:  client,
		secrets: cache.New(cache.NoExpiration, time.Minute),
	}
	g, err := newGenericOIDCAdapter(c, KindKeycloak, func(g *GenericOIDCAdapter) {
		g.optionalNonce = !c.RequireNonce
		g.authParamsFn = k.authParams
		if c.CredentialURL != "" {
			g.secretFn = k.clientSecret
		}
	}, opt...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	k.GenericOIDCAdapter = g
	return k, nil
}

// Callback re-checks the idp hint against the allow-list before completing
// the login.  Without a hint in req the one recorded by Authenticate is
// checked.
func (k *KeycloakAdapter) Callback(ctx context.Context, tx Transaction, req CallbackRequest) (*CallbackResult, error) {
	const op = "KeycloakAdapter.Callback"
	hint := req.IDPHint
	if hint == "" {
		hint, _ = tx.Cookie(IDPHintCookie)
	}
	if err := k.config.checkIDPHint(hint); err != nil {
		consumeAttempt(tx)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return k.GenericOIDCAdapter.Callback(ctx, tx, req)
}

// authParams returns the effective upstream IdP hint and its parameters.  An
// empty hint falls back to the configured default.
func (k *KeycloakAdapter) authParams(idpHint string) (string, map[string]string, error) {
	const op = "KeycloakAdapter.authParams"
	if err := k.config.checkIDPHint(idpHint); err != nil {
		return "", nil, fmt.Errorf("%s: %w", op, err)
	}
	if idpHint == "" {
		idpHint = k.config.IDPHint
	}
	if idpHint == "" {
		return "", nil, nil
	}
	return idpHint, map[string]string{
		"kc_idp_hint": idpHint,
		"idphint":     idpHint,
	}, nil
}

type credentialResponse struct {
	Secret    string `json:"iam_client_secret"`
	ExpiresAt int64  `json:"client_secret_expires_at"`
}

// clientSecret returns the secret issued by the credential endpoint.  It's
// cached until the endpoint's advertised expiry.
func (k *KeycloakAdapter) clientSecret(ctx context.Context) (oidc.ClientSecret, error) {
	const op = "KeycloakAdapter.clientSecret"
	if v, ok := k.secrets.Get(credentialCacheKey); ok {
		return v.(oidc.ClientSecret), nil
	}
	c := k.config
	u, err := url.Parse(c.CredentialURL)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, ErrConfiguration, err)
	}
	q := u.Query()
	q.Set("client_id", c.ClientID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	req.SetBasicAuth(c.ClientID, string(c.ClientSecret))
	req.Header.Set("Accept", "application/json")
	resp, err := k.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, classify(err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%s: unable to read response: %w", op, classify(err))
	}
	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%s: credential endpoint returned %d: %w", op, resp.StatusCode, ErrTransientProvider)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%s: credential endpoint returned %d: %w", op, resp.StatusCode, ErrPolicyRejection)
	}
	var cr credentialResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", fmt.Errorf("%s: unable to decode response: %w: %w", op, ErrProtocolValidation, err)
	}
	if cr.Secret == "" {
		return "", fmt.Errorf("%s: credential endpoint returned no secret: %w", op, ErrProtocolValidation)
	}
	ttl := cache.NoExpiration
	if cr.ExpiresAt > 0 {
		ttl = time.Unix(cr.ExpiresAt, 0).Sub(time.Now())
		if ttl <= 0 {
			return oidc.ClientSecret(cr.Secret), nil
		}
	}
	k.secrets.Set(credentialCacheKey, oidc.ClientSecret(cr.Secret), ttl)
	return oidc.ClientSecret(cr.Secret), nil
}
